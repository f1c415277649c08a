package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zboralski/liftbridge/internal/cache"
	"github.com/zboralski/liftbridge/internal/ui/colorize"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the workspace snapshot and cached modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, space, m, err := openWorkspace()
			if err != nil {
				return err
			}
			if _, err := os.Stat(ws.PreliftDir()); err == nil {
				if _, err := cache.Rehydrate(ws.PreliftDir(), space); err != nil {
					return err
				}
			}
			mods := space.Modules()

			fmt.Printf("%s %s  entry %s  %d %s  %d %s\n",
				colorize.Header("workspace"), ws.Dir,
				colorize.Address(uint64(m.Entry)),
				len(m.Symbols), colorize.Detail("symbols"),
				len(m.Seeds), colorize.Detail("code pointers"))
			fmt.Printf("%s %s\n\n", colorize.Header("arch"), m.Arch)

			rows := [][]string{{"BASE", "LIMIT", "PERMS", "SIZE", "FUNCS", "NAME"}}
			for _, r := range space.Regions() {
				funcs := "-"
				if mod, ok := mods[r.Name]; ok {
					funcs = strconv.Itoa(len(mod.Funcs))
				}
				rows = append(rows, []string{
					fmt.Sprintf("%08x", r.Base),
					fmt.Sprintf("%08x", r.Limit),
					r.Perms.String(),
					humanize.IBytes(r.Size()),
					funcs,
					r.Name,
				})
			}
			fmt.Print(colorize.Table(rows))

			if sem, err := cache.ReadFromWorkspace(ws); err == nil {
				fmt.Printf("\n%s %d %s\n", colorize.Header("semantics"), len(sem.Funcs), colorize.Detail("declarations"))
			}
			return nil
		},
	}
}
