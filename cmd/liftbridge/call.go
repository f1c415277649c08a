package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/liftbridge/internal/bridge"
	"github.com/zboralski/liftbridge/internal/expr"
	"github.com/zboralski/liftbridge/internal/trace"
	"github.com/zboralski/liftbridge/internal/ui/colorize"
)

// scratch is where string arguments are placed.
const (
	scratchBase = 0xe0000000
	scratchSize = 0x10000
)

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <intrinsic> [args...]",
		Short: "Invoke a bridge intrinsic against the workspace memory",
		Long: `Call dispatches one registered intrinsic the way lifted code would.

Arguments are numbers, "mem" for the memory handle, or "str:<text>" to
place a C string in scratch memory and pass its address.

Examples:
  liftbridge call __remill_read_memory_32 mem 0x400000
  liftbridge call stat64 str:/etc/hostname
  liftbridge call get_fstat_index 7
  liftbridge call list`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "list" {
				for _, name := range bridge.DefaultRegistry.List() {
					fmt.Println(name)
				}
				return nil
			}

			_, space, _, err := openWorkspace()
			if err != nil {
				return err
			}
			s := bridge.NewState(bridge.New(), space)

			rec := trace.NewRecorder(0)
			bridge.DefaultRegistry.OnCall = rec.Record
			defer func() { bridge.DefaultRegistry.OnCall = nil }()

			var (
				callArgs []expr.Expr
				next     uint64 = scratchBase
			)
			for _, arg := range args[1:] {
				switch {
				case arg == "mem":
					callArgs = append(callArgs, bridge.Int64(uint64(s.Memory)))
				case strings.HasPrefix(arg, "str:"):
					if next == scratchBase {
						if _, err := space.AddMap(scratchBase, scratchSize, "[args]", 0); err != nil {
							return err
						}
					}
					str := strings.TrimPrefix(arg, "str:")
					if !bridge.WriteCString(space, next, str, int(scratchBase+scratchSize-next)) {
						return fmt.Errorf("argument %q does not fit in scratch memory", str)
					}
					callArgs = append(callArgs, bridge.Int64(next))
					next += uint64(len(str)) + 1
				default:
					v, err := parseAddr(arg)
					if err != nil {
						return err
					}
					callArgs = append(callArgs, bridge.Int64(v))
				}
			}

			out, err := bridge.DefaultRegistry.Dispatch(s, args[0], callArgs...)
			for _, e := range rec.Events() {
				fmt.Printf("%s %s %s\n", colorize.Tag("["+e.PrimaryTag()+"]"), colorize.FuncName(e.Name), colorize.Detail(e.Detail))
			}
			if err != nil {
				return err
			}
			if out == nil {
				fmt.Println(colorize.OK("void"))
			} else {
				fmt.Printf("%s %s\n", colorize.OK("="), out)
			}
			if s.Errno != 0 {
				fmt.Printf("%s %d\n", colorize.Detail("errno"), s.Errno)
			}
			return nil
		},
	}
}
