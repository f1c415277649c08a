package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/liftbridge/internal/arch"
	"github.com/zboralski/liftbridge/internal/cache"
	"github.com/zboralski/liftbridge/internal/discovery"
	"github.com/zboralski/liftbridge/internal/lift"
	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/ui/colorize"
)

func preliftCmd() *cobra.Command {
	var (
		jobs        int
		noTraceList bool
		opts        discoverOptions
	)
	cmd := &cobra.Command{
		Use:   "prelift",
		Short: "Lift every trace and cache one module per batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, space, m, err := openWorkspace()
			if err != nil {
				return err
			}
			a, err := arch.Get(m.Arch)
			if err != nil {
				return err
			}

			var addrs []uint64
			if !noTraceList {
				addrs, err = discovery.ReadTraceListFile(ws.TraceListPath())
				if err != nil && !os.IsNotExist(err) {
					glog.Get().Warn("ignoring trace list", zap.Error(err))
				}
			}
			if len(addrs) == 0 {
				if addrs, err = discoverTraces(space, m, opts); err != nil {
					return err
				}
			}

			batches := discovery.Batch(space, addrs)
			pool := lift.NewPool(a, space, ws.PreliftDir())
			pool.Concurrency = jobs
			workers, err := pool.Run(batches)
			if err != nil {
				return err
			}

			res, err := cache.Rehydrate(ws.PreliftDir(), space)
			if err != nil {
				return err
			}
			if err := cache.WriteToWorkspace(ws, lift.SemanticsModule(lift.Modules(workers)...)); err != nil {
				return err
			}

			var lifted, failed, stores int
			for _, w := range workers {
				lifted += len(w.Lifted)
				failed += len(w.Failed)
				stores += w.Stats.DeadStores
			}
			fmt.Printf("%s %d %s  %d %s  %d %s  %d %s",
				colorize.OK("prelifted"),
				len(workers), colorize.Detail("batches"),
				lifted, colorize.Detail("traces"),
				stores, colorize.Detail("dead stores"),
				res.Loaded, colorize.Detail("modules"))
			if failed > 0 {
				fmt.Printf("  %s", colorize.Error(fmt.Sprintf("%d failed", failed)))
			}
			if res.Skipped > 0 {
				fmt.Printf("  %d %s", res.Skipped, colorize.Detail("skipped"))
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "batches lifted at once (0 = one goroutine per batch)")
	cmd.Flags().BoolVar(&noTraceList, "no-trace-list", false, "ignore the workspace trace list and run discovery")
	cmd.Flags().BoolVar(&opts.dynamic, "dynamic", false, "seed discovery with blocks executed under emulation")
	cmd.Flags().IntVar(&opts.maxBlocks, "max-blocks", 10000, "stop emulation after this many distinct blocks")
	return cmd
}
