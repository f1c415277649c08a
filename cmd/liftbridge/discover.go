package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zboralski/liftbridge/internal/discovery"
	"github.com/zboralski/liftbridge/internal/ui/colorize"
)

func discoverCmd() *cobra.Command {
	var opts discoverOptions
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find trace heads and write the workspace trace list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, space, m, err := openWorkspace()
			if err != nil {
				return err
			}
			addrs, err := discoverTraces(space, m, opts)
			if err != nil {
				return err
			}
			if err := discovery.WriteTraceListFile(ws.TraceListPath(), addrs); err != nil {
				return fmt.Errorf("write trace list: %w", err)
			}
			batches := discovery.Batch(space, addrs)
			fmt.Printf("%s %d %s in %d %s\n",
				colorize.OK("discovered"),
				len(addrs), colorize.Detail("traces"),
				len(batches), colorize.Detail("regions"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.dynamic, "dynamic", false, "seed discovery with blocks executed under emulation")
	cmd.Flags().IntVar(&opts.maxBlocks, "max-blocks", 10000, "stop emulation after this many distinct blocks (0 = no limit)")
	return cmd
}
