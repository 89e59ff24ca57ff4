// Command dl is an interactive front end to the dl loader runtime: it
// loads a shared object and its transitive dependencies, runs
// constructors, resolves symbols, and runs finalizers/unmaps on close,
// all in one process, the way a host program embedding internal/runtime
// would.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/galago-re/dl/internal/cpurun"
	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/hostcap"
	glog "github.com/galago-re/dl/internal/log"
	"github.com/galago-re/dl/internal/module"
	"github.com/galago-re/dl/internal/runtime"
	"github.com/galago-re/dl/internal/scriptrun"
	"github.com/galago-re/dl/internal/symbolize"
)

var (
	verbose     bool
	searchPaths []string
	exec        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dl",
		Short: "Inspect and drive the dl dynamic linker runtime",
		Long: `dl loads ELF shared objects through the same dlopen/dlsym/dlclose
pipeline a host process would use: module graph construction, symbol
resolution, relocation, and constructor/finalizer ordering.

Examples:
  dl open libfoo.so                  # load and run constructors
  dl open libfoo.so --exec           # load and execute real AArch64 code
  dl sym libfoo.so do_thing           # load then resolve a symbol
  dl close libfoo.so                 # load, then immediately tear down
  dl info libfoo.so                  # decode without loading
  dl graph libfoo.so                 # interactive module graph explorer
  dl addr libfoo.so 0x401234          # resolve an address to symbol+offset`,
		DisableFlagsInUseLine: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().StringSliceVarP(&searchPaths, "search-path", "L", nil, "directories to search for DT_NEEDED dependencies (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&exec, "exec", false, "execute real AArch64 constructors/finalizers via Unicorn instead of a scripted stand-in")

	rootCmd.AddCommand(
		openCmd(),
		symCmd(),
		closeCmd(),
		infoCmd(),
		graphCmd(),
		addrCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLoader assembles a Loader against the real host filesystem. With
// --exec, internal/cpurun's Unicorn backend is both Mapper and Invoker, so
// constructors run against the exact memory they were relocated into;
// otherwise hostcap's MmapMapper maps the segments and internal/scriptrun's
// deterministic Goja backend is the Invoker.
func newLoader(binaryPath string) (*runtime.Loader, func(), error) {
	glog.Init(verbose)
	lg := glog.New(verbose)

	paths := append([]string{filepath.Dir(binaryPath)}, searchPaths...)
	provider := hostcap.FileProvider{SearchPaths: paths}
	threads := hostcap.NewThreadRegistry(nil)
	alloc := hostcap.NewPooledAllocator()

	cfg := runtime.DefaultConfig()
	cfg.SearchPaths = paths

	if exec {
		u, err := cpurun.New()
		if err != nil {
			return nil, nil, fmt.Errorf("create unicorn backend: %w", err)
		}
		l := runtime.New(runtime.Deps{
			Provider: provider,
			Mapper:   u,
			Diag:     elfdecode.NopDiagnostics{},
			Threads:  threads,
			Alloc:    alloc,
			Invoker:  u,
			Config:   cfg,
			Log:      lg,
		})
		return l, func() { u.Close() }, nil
	}

	mapper := hostcap.NewMmapMapper()
	vm := scriptrun.New()
	l := runtime.New(runtime.Deps{
		Provider: provider,
		Mapper:   mapper,
		Diag:     elfdecode.NopDiagnostics{},
		Threads:  threads,
		Alloc:    alloc,
		Invoker:  vm,
		Config:   cfg,
		Log:      lg,
	})
	return l, func() {}, nil
}

func openCmd() *cobra.Command {
	var global, now bool
	cmd := &cobra.Command{
		Use:   "open <binary.so>",
		Short: "Load a shared object and its dependencies, running constructors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := newLoader(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			mode := runtime.ModeLazy | runtime.ModeLocal
			if global {
				mode = runtime.ModeLazy | runtime.ModeGlobal
			}
			if now {
				mode = mode&^runtime.ModeLazy | runtime.ModeNow
			}

			name := filepath.Base(args[0])
			h, err := l.Dlopen(context.Background(), name, mode)
			if err != nil {
				return fmt.Errorf("dlopen %s: %w", name, err)
			}
			fmt.Printf("loaded %s (handle %s)\n", name, h)
			return nil
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "promote to global scope (RTLD_GLOBAL)")
	cmd.Flags().BoolVar(&now, "now", false, "bind all relocations eagerly (RTLD_NOW)")
	return cmd
}

func symCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sym <binary.so> <symbol>",
		Short: "Load a shared object and resolve a symbol against it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := newLoader(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			name := filepath.Base(args[0])
			h, err := l.Dlopen(context.Background(), name, runtime.ModeNow|runtime.ModeLocal)
			if err != nil {
				return fmt.Errorf("dlopen %s: %w", name, err)
			}
			addr, err := l.Dlsym(h, args[1])
			if err != nil {
				return fmt.Errorf("dlsym %s: %w", args[1], err)
			}
			fmt.Printf("%s = 0x%x\n", args[1], addr)
			return nil
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <binary.so>",
		Short: "Load a shared object, then immediately dlclose it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := newLoader(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			name := filepath.Base(args[0])
			h, err := l.Dlopen(context.Background(), name, runtime.ModeNow|runtime.ModeLocal)
			if err != nil {
				return fmt.Errorf("dlopen %s: %w", name, err)
			}
			fmt.Printf("loaded %s (handle %s)\n", name, h)
			if err := l.Dlclose(h); err != nil {
				return fmt.Errorf("dlclose %s: %w", name, err)
			}
			fmt.Printf("closed %s\n", name)
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <binary.so>",
		Short: "Decode a shared object's ELF metadata without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			d, err := elfdecode.Decode(data, elfdecode.StrictDiagnostics{})
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}

			fmt.Printf("Binary:  %s\n", filepath.Base(args[0]))
			fmt.Printf("Machine: %s\n", d.Machine)
			fmt.Printf("Type:    %s\n", d.Type)
			fmt.Printf("Entry:   0x%x\n", d.Entry)
			if d.Soname != "" {
				fmt.Printf("SONAME:  %s\n", d.Soname)
			}
			fmt.Printf("Needed:  %d\n", len(d.Needed))
			for _, n := range d.Needed {
				fmt.Printf("  %s\n", n)
			}
			fmt.Printf("Symbols: %d\n", len(d.Symbols))
			if d.TLS != nil {
				fmt.Printf("TLS:     filesz=0x%x memsz=0x%x align=0x%x\n", d.TLS.Filesz, d.TLS.Memsz, d.TLS.Align)
			}
			if len(d.Problems) > 0 {
				fmt.Println("Problems:")
				for _, p := range d.Problems {
					fmt.Printf("  %s\n", p)
				}
			}
			return nil
		},
	}
}

func addrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addr <binary.so> <hex-addr>",
		Short: "Resolve a runtime address to its module/symbol and disassemble it (dladdr-style)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := newLoader(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			name := filepath.Base(args[0])
			if _, err := l.Dlopen(context.Background(), name, runtime.ModeNow|runtime.ModeLocal); err != nil {
				return fmt.Errorf("dlopen %s: %w", name, err)
			}

			var addr uint64
			if _, err := fmt.Sscanf(args[1], "0x%x", &addr); err != nil {
				if _, err := fmt.Sscanf(args[1], "%x", &addr); err != nil {
					return fmt.Errorf("parse address %q: %w", args[1], err)
				}
			}

			table := symbolize.Build(l.Graph().LoadOrder())
			info, ok := table.Lookup(addr)
			if !ok {
				return fmt.Errorf("0x%x is not inside any loaded module", addr)
			}
			if info.SymbolName != "" {
				fmt.Printf("0x%x = %s+0x%x (%s)\n", addr, info.SymbolName, addr-info.SymbolAddr, info.Module.CanonicalName)
			} else {
				fmt.Printf("0x%x = %s+0x%x\n", addr, info.Module.CanonicalName, addr-info.Module.LoadBias)
			}

			code, err := l.ReadAt(addr, 4)
			if err == nil {
				fmt.Printf("  %s\n", symbolize.Disasm(code))
			}
			return nil
		},
	}
}

// summarizeGraph is dl graph's plain textual fallback, rendered when the
// TUI can't attach to a terminal (piped output, CI).
func summarizeGraph(g *module.Graph) []string {
	var lines []string
	for _, m := range g.LoadOrder() {
		scope := "local"
		if m.Flags.Global {
			scope = "global"
		}
		lines = append(lines, fmt.Sprintf("%-24s bias=0x%-10x state=%-16s refcount=%d scope=%s",
			m.CanonicalName, m.LoadBias, m.State, m.Refcount, scope))
	}
	return lines
}
