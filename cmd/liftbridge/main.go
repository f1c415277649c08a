package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zboralski/liftbridge/internal/arch"
	"github.com/zboralski/liftbridge/internal/discovery"
	"github.com/zboralski/liftbridge/internal/emulator"
	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
	"github.com/zboralski/liftbridge/internal/ui/colorize"
	"github.com/zboralski/liftbridge/internal/workspace"

	_ "github.com/zboralski/liftbridge/internal/intercepts"
)

var (
	verbose bool
	quiet   bool
	wsDir   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "liftbridge",
		Short: "Prelift machine code traces into LLVM IR for symbolic execution",
		Long: `Liftbridge snapshots a program's memory into a workspace, discovers the
addresses where lifted traces begin, lifts every trace into LLVM IR in
parallel, and caches the result per memory region.

The cached traces are later executed by a symbolic interpreter. Every
memory access and intercepted libc call made by the lifted code goes
through the bridge in this tool.

Examples:
  liftbridge snapshot ./a.out -w ws        # map PT_LOAD segments into ws/memory
  liftbridge discover -w ws --dynamic      # seed discovery with executed blocks
  liftbridge prelift -w ws -j 8            # lift and cache every trace
  liftbridge info -w ws                    # show regions and cached modules`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			glog.Init(verbose)
			if quiet {
				glog.L = glog.NewNop()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	rootCmd.PersistentFlags().StringVarP(&wsDir, "workspace", "w", "ws", "workspace directory")

	rootCmd.AddCommand(
		snapshotCmd(),
		discoverCmd(),
		preliftCmd(),
		infoCmd(),
		showCmd(),
		callCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func openWorkspace() (*workspace.Workspace, *memory.AddressSpace, *workspace.Manifest, error) {
	ws := workspace.New(wsDir)
	space, m, err := ws.LoadSpace()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load workspace %s: %w", wsDir, err)
	}
	return ws, space, m, nil
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// discoverOptions controls how trace heads are found.
type discoverOptions struct {
	dynamic   bool
	maxBlocks int
}

// discoverTraces runs control flow discovery over the snapshot. Manifest
// seeds and function symbols inside executable memory become extra heads,
// as do blocks reached by emulation when requested.
func discoverTraces(space *memory.AddressSpace, m *workspace.Manifest, opts discoverOptions) ([]uint64, error) {
	a, err := arch.Get(m.Arch)
	if err != nil {
		return nil, err
	}
	d := discovery.New(a, space, uint64(m.Entry))

	var seeds []uint64
	for _, s := range m.Seeds {
		seeds = append(seeds, uint64(s))
	}
	for _, s := range m.Symbols {
		seeds = append(seeds, uint64(s))
	}
	if opts.dynamic {
		blocks, err := collectBlocks(space, m, opts.maxBlocks)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, blocks...)
	}
	for _, s := range seeds {
		if space.CanExecute(s) {
			d.Seed(s)
		}
	}
	return d.DiscoverAll().Sorted(), nil
}

func collectBlocks(space *memory.AddressSpace, m *workspace.Manifest, maxBlocks int) ([]uint64, error) {
	emu, err := emulator.New(m.Arch, space)
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()
	return emu.CollectBlocks(uint64(m.Entry), maxBlocks)
}
