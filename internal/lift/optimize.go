package lift

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
)

// OptimizationGuide selects the passes Optimize runs.
type OptimizationGuide struct {
	SLPVectorize        bool
	LoopVectorize       bool
	VerifyInput         bool
	EliminateDeadStores bool
}

// PreliftGuide is the configuration used for cached trace modules:
// no vectorization, dead-store elimination on, input trusted.
var PreliftGuide = OptimizationGuide{
	SLPVectorize:        false,
	LoopVectorize:       false,
	VerifyInput:         false,
	EliminateDeadStores: true,
}

// OptimizeStats reports what Optimize removed.
type OptimizeStats struct {
	DeadStores  int
	DeadAllocas int
	DeadFuncs   int
}

// Optimize runs the passes selected by guide over m. Functions in traces
// are kept even when nothing in m references them. No vectorizing passes
// exist; the vectorize switches are accepted so cached modules record the
// configuration they were built with.
func Optimize(m *ir.Module, traces map[uint64]*ir.Func, guide OptimizationGuide) (OptimizeStats, error) {
	var stats OptimizeStats
	if guide.VerifyInput {
		if err := Verify(m); err != nil {
			return stats, err
		}
	}
	if guide.EliminateDeadStores {
		for _, f := range m.Funcs {
			s, a := eliminateDeadStores(f)
			stats.DeadStores += s
			stats.DeadAllocas += a
		}
	}

	keep := make(map[*ir.Func]bool, len(traces))
	for _, f := range traces {
		keep[f] = true
	}
	stats.DeadFuncs = removeDeadFuncs(m, keep)
	return stats, nil
}

// eliminateDeadStores removes stores to local slots that are overwritten
// before being read, then slots that are never read at all. Only slots
// whose address never escapes into a call or another store are touched.
func eliminateDeadStores(f *ir.Func) (stores, allocas int) {
	slots := make(map[*ir.InstAlloca]bool) // slot -> read somewhere
	escaped := make(map[*ir.InstAlloca]bool)
	for _, blk := range f.Blocks {
		for _, inst := range blk.Insts {
			if a, ok := inst.(*ir.InstAlloca); ok {
				slots[a] = false
			}
		}
	}
	for _, blk := range f.Blocks {
		for _, inst := range blk.Insts {
			switch inst := inst.(type) {
			case *ir.InstLoad:
				if a, ok := inst.Src.(*ir.InstAlloca); ok {
					slots[a] = true
				}
			case *ir.InstStore:
				if a, ok := inst.Src.(*ir.InstAlloca); ok {
					escaped[a] = true
				}
			case *ir.InstCall:
				for _, arg := range inst.Args {
					if a, ok := arg.(*ir.InstAlloca); ok {
						escaped[a] = true
					}
				}
			}
		}
		if ret, ok := blk.Term.(*ir.TermRet); ok {
			if a, ok := ret.X.(*ir.InstAlloca); ok {
				escaped[a] = true
			}
		}
	}

	tracked := func(v value.Value) (*ir.InstAlloca, bool) {
		a, ok := v.(*ir.InstAlloca)
		return a, ok && !escaped[a]
	}

	for _, blk := range f.Blocks {
		dead := make(map[int]bool)
		overwritten := make(map[*ir.InstAlloca]bool)
		for i := len(blk.Insts) - 1; i >= 0; i-- {
			switch inst := blk.Insts[i].(type) {
			case *ir.InstStore:
				a, ok := tracked(inst.Dst)
				if !ok {
					continue
				}
				if overwritten[a] || !slots[a] {
					dead[i] = true
				}
				overwritten[a] = true
			case *ir.InstLoad:
				if a, ok := tracked(inst.Src); ok {
					delete(overwritten, a)
				}
			}
		}
		if len(dead) == 0 {
			continue
		}
		insts := blk.Insts[:0]
		for i, inst := range blk.Insts {
			if !dead[i] {
				insts = append(insts, inst)
			}
		}
		stores += len(dead)
		blk.Insts = insts
	}

	for _, blk := range f.Blocks {
		insts := blk.Insts[:0]
		for _, inst := range blk.Insts {
			if a, ok := inst.(*ir.InstAlloca); ok && !slots[a] && !escaped[a] {
				allocas++
				continue
			}
			insts = append(insts, inst)
		}
		blk.Insts = insts
	}
	return stores, allocas
}

// removeDeadFuncs drops declarations and internal functions nothing calls.
func removeDeadFuncs(m *ir.Module, keep map[*ir.Func]bool) int {
	removed := 0
	for {
		used := make(map[*ir.Func]bool)
		for _, f := range m.Funcs {
			for _, blk := range f.Blocks {
				for _, inst := range blk.Insts {
					if call, ok := inst.(*ir.InstCall); ok {
						if callee, ok := call.Callee.(*ir.Func); ok && callee != f {
							used[callee] = true
						}
					}
				}
			}
		}
		funcs := m.Funcs[:0]
		n := 0
		for _, f := range m.Funcs {
			internal := f.Linkage == enum.LinkageInternal || f.Linkage == enum.LinkagePrivate
			if !keep[f] && !used[f] && (len(f.Blocks) == 0 || internal) {
				n++
				continue
			}
			funcs = append(funcs, f)
		}
		m.Funcs = funcs
		removed += n
		if n == 0 {
			return removed
		}
	}
}

// Verify checks that every defined function is well formed: each block
// ends in a terminator and every return yields the function's result type.
func Verify(m *ir.Module) error {
	for _, f := range m.Funcs {
		for _, blk := range f.Blocks {
			if blk.Term == nil {
				return errors.Errorf("%s: block %s has no terminator", f.Name(), blockName(blk))
			}
			if ret, ok := blk.Term.(*ir.TermRet); ok {
				want := f.Sig.RetType
				if ret.X == nil {
					if !want.Equal(types.Void) {
						return errors.Errorf("%s: block %s returns void", f.Name(), blockName(blk))
					}
					continue
				}
				if !ret.X.Type().Equal(want) {
					return errors.Errorf("%s: block %s returns %s, want %s",
						f.Name(), blockName(blk), ret.X.Type(), want)
				}
			}
		}
	}
	return nil
}

func blockName(blk *ir.Block) string {
	if blk.LocalName != "" {
		return blk.LocalName
	}
	return fmt.Sprintf("%%%d", blk.LocalID)
}
