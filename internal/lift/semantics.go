package lift

import (
	"sort"

	"github.com/llir/llvm/ir"
)

// SemanticsModule merges the function signatures of mods into one module of
// declarations: every trace, intrinsic and instruction semantics function
// the prelifted code defines or calls. The first signature seen for a name
// wins. Functions are emitted in name order.
func SemanticsModule(mods ...*ir.Module) *ir.Module {
	sigs := make(map[string]*ir.Func)
	for _, m := range mods {
		if m == nil {
			continue
		}
		for _, f := range m.Funcs {
			if _, ok := sigs[f.Name()]; !ok {
				sigs[f.Name()] = f
			}
		}
	}
	names := make([]string, 0, len(sigs))
	for name := range sigs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ir.NewModule()
	out.SourceFilename = "semantics"
	for _, name := range names {
		f := sigs[name]
		params := make([]*ir.Param, len(f.Params))
		for i, p := range f.Params {
			params[i] = ir.NewParam(p.Name(), p.Type())
		}
		out.NewFunc(name, f.Sig.RetType, params...)
	}
	return out
}

// Modules returns the modules of the workers that produced one.
func Modules(workers []*Worker) []*ir.Module {
	out := make([]*ir.Module, 0, len(workers))
	for _, w := range workers {
		if w.Module != nil {
			out = append(out, w.Module)
		}
	}
	return out
}
