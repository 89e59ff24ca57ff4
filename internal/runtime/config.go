package runtime

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the Public API's yaml-decodable configuration (spec.md §1's
// ambient "how does this get configured" concern, and §9's Open Question
// on synchronous finalizers).
type Config struct {
	// SearchPaths lists directories FileProvider walks, in order, to
	// resolve a DT_NEEDED or dlopen name.
	SearchPaths []string `yaml:"search_paths"`
	// DefaultMode is applied when dlopen's mode argument is 0.
	DefaultMode Mode `yaml:"default_mode"`
	// SyncFinalizers resolves spec.md §9's open question: true makes
	// dlclose run DT_FINI_ARRAY/DT_FINI synchronously on the calling
	// thread before returning (the decision this runtime takes); false is
	// accepted for configuration compatibility but is not implemented —
	// asynchronous finalizer scheduling has no owner thread model in this
	// runtime's capability set.
	SyncFinalizers bool `yaml:"sync_finalizers"`
}

// DefaultConfig returns a Config matching a conventional dynamic linker's
// defaults: no extra search paths, lazy-bound local-scope loads, and
// synchronous finalizers.
func DefaultConfig() Config {
	return Config{
		DefaultMode:    ModeLazy | ModeLocal,
		SyncFinalizers: true,
	}
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
