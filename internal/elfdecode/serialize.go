package elfdecode

import (
	"sort"

	"gopkg.in/yaml.v3"
)

// Snapshot is a YAML-marshalable view of a Decoded's DT_* table and
// needed set, used for the decode/reparse round trip testable property
// (spec.md §8, P8). It intentionally omits raw bytes and relocation
// tables: P8 only requires "identical DT_* table and needed set."
type Snapshot struct {
	Class   int            `yaml:"class"`
	Machine int            `yaml:"machine"`
	Entry   uint64         `yaml:"entry"`
	Soname  string         `yaml:"soname,omitempty"`
	Needed  []string       `yaml:"needed,omitempty"`
	Dynamic map[int]uint64 `yaml:"dynamic"`
}

// Snapshot captures d's DT_* table and needed set as a plain,
// order-independent value.
func (d *Decoded) Snapshot() Snapshot {
	dyn := make(map[int]uint64, len(d.Dynamic))
	for tag, val := range d.Dynamic {
		dyn[int(tag)] = val
	}
	needed := append([]string(nil), d.Needed...)
	sort.Strings(needed)

	return Snapshot{
		Class:   int(d.Class),
		Machine: int(d.Machine),
		Entry:   d.Entry,
		Soname:  d.Soname,
		Needed:  needed,
		Dynamic: dyn,
	}
}

// MarshalYAML implements yaml.Marshaler so a Decoded value can be
// serialized directly.
func (d *Decoded) MarshalYAML() (any, error) {
	return d.Snapshot(), nil
}

// Marshal serializes d's snapshot to YAML bytes.
func Marshal(d *Decoded) ([]byte, error) {
	return yaml.Marshal(d.Snapshot())
}

// UnmarshalSnapshot parses YAML bytes produced by Marshal back into a
// Snapshot for comparison against the original.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := yaml.Unmarshal(data, &s)
	return s, err
}

// Equal reports whether two snapshots describe the same DT_* table and
// needed set (ignoring needed-entry order, which DT_NEEDED does not
// constrain for dedup purposes).
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Class != o.Class || s.Machine != o.Machine || s.Entry != o.Entry || s.Soname != o.Soname {
		return false
	}
	if len(s.Needed) != len(o.Needed) {
		return false
	}
	for i := range s.Needed {
		if s.Needed[i] != o.Needed[i] {
			return false
		}
	}
	if len(s.Dynamic) != len(o.Dynamic) {
		return false
	}
	for k, v := range s.Dynamic {
		if ov, ok := o.Dynamic[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
