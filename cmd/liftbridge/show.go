package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/liftbridge/internal/arch"
	"github.com/zboralski/liftbridge/internal/bridge"
	"github.com/zboralski/liftbridge/internal/cache"
	"github.com/zboralski/liftbridge/internal/ui/colorize"
)

func showCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "show <addr>",
		Short: "Disassemble a trace and print its cached IR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			ws, space, m, err := openWorkspace()
			if err != nil {
				return err
			}
			a, err := arch.Get(m.Arch)
			if err != nil {
				return err
			}

			fmt.Println(colorize.Header("disassembly"))
			pc := start
			for i := 0; i < count; i++ {
				r := space.FindRange(pc)
				if r == nil || !r.Executable() {
					fmt.Printf("%s  %s\n", colorize.Address(pc), colorize.Error("not executable"))
					break
				}
				code, ok := space.ReadBytes(pc, int(min(uint64(a.MaxInstructionSize()), r.Limit-pc)))
				if !ok {
					fmt.Printf("%s  %s\n", colorize.Address(pc), colorize.Error("not executable"))
					break
				}
				inst, err := a.Decode(pc, code)
				if err != nil {
					fmt.Printf("%s  %s\n", colorize.Address(pc), colorize.Error(err.Error()))
					break
				}
				fmt.Printf("%s  %s\n", colorize.Address(pc), colorize.Instruction(inst.Text))
				if inst.Category.IsControlFlow() {
					break
				}
				pc = inst.NextPC
			}

			if _, err := os.Stat(ws.PreliftDir()); err != nil {
				return nil
			}
			if _, err := cache.Rehydrate(ws.PreliftDir(), space); err != nil {
				return err
			}
			s := bridge.NewState(bridge.New(), space)
			fn := s.Bridge.GetLiftedFunction(s.Memory, start)
			fmt.Println()
			if fn == nil {
				fmt.Println(colorize.Detail("no lifted trace at " + args[0]))
				return nil
			}
			fmt.Println(colorize.Header("lifted " + fn.Name()))
			fmt.Print(colorize.IR(fn.LLString()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 32, "maximum instructions to disassemble")
	return cmd
}
