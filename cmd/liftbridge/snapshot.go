package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zboralski/liftbridge/internal/ui/colorize"
	"github.com/zboralski/liftbridge/internal/workspace"
)

func snapshotCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "snapshot <elf>",
		Short: "Map an ELF image into a workspace memory snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var loadBase uint64
			if base != "" {
				v, err := parseAddr(base)
				if err != nil {
					return err
				}
				loadBase = v
			}

			ws := workspace.New(wsDir)
			if err := ws.Create(); err != nil {
				return err
			}
			m, space, err := ws.SnapshotELF(args[0], loadBase)
			if err != nil {
				return err
			}

			var total uint64
			for _, r := range space.Regions() {
				total += r.Size()
			}
			fmt.Printf("%s %s  entry %s  %d %s  %s  %d %s\n",
				colorize.FuncName(args[0]), colorize.Detail(m.Arch),
				colorize.Address(uint64(m.Entry)),
				len(m.Regions), colorize.Detail("regions"),
				humanize.IBytes(total),
				len(m.Seeds), colorize.Detail("code pointers"))
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "load address (default: link address, PIE at 0x40000000)")
	return cmd
}
