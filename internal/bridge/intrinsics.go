package bridge

import (
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/zboralski/liftbridge/internal/expr"
	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
)

// MaxCString bounds strings read out of modeled memory.
const MaxCString = 4096

func init() {
	for _, w := range []uint{expr.Width8, expr.Width16, expr.Width32, expr.Width64} {
		RegisterFunc("memory", fmt.Sprintf("__remill_read_memory_%d", w), 2, readMemory(w))
		RegisterFunc("memory", fmt.Sprintf("__remill_write_memory_%d", w), 3, writeMemory(w))
	}

	RegisterFunc("memory", "__kleemill_can_read_byte", 2, canRead)
	RegisterFunc("memory", "__kleemill_can_write_byte", 2, canWrite)
	RegisterFunc("memory", "__kleemill_is_mapped_address", 2, isMapped)
	RegisterFunc("memory", "__kleemill_allocate_memory", 5, allocateMemory)
	RegisterFunc("memory", "__kleemill_free_memory", 3, freeMemory)
	RegisterFunc("memory", "__kleemill_protect_memory", 6, protectMemory)
	RegisterFunc("memory", "__kleemill_find_unmapped_address", 4, findUnmapped)
	RegisterFunc("memory", "__kleemill_get_lifted_function", 2, getLiftedFunction)
	RegisterFunc("memory", "__kleemill_log_state", 0, logState)

	RegisterFunc("symbolic", "klee_make_symbolic", 3, makeSymbolic)
	RegisterFunc("symbolic", "klee_is_symbolic", 1, isSymbolic)
	RegisterFunc("symbolic", "llvm.ctpop.i32", 1, ctpop)
}

func readMemory(width uint) Handler {
	return func(s *State, args []expr.Expr) (expr.Expr, error) {
		a, err := ConcreteArgs(args, 2)
		if err != nil {
			return nil, err
		}
		v, _ := s.Read(Handle(a[0]), a[1], width)
		return v, nil
	}
}

func writeMemory(width uint) Handler {
	return func(s *State, args []expr.Expr) (expr.Expr, error) {
		a, err := ConcreteArgs(args, 2)
		if err != nil {
			return nil, err
		}
		return Int64(uint64(s.Write(Handle(a[0]), a[1], width, args[2]))), nil
	}
}

func canRead(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	return Bool(s.Bridge.CanRead(Handle(a[0]), a[1])), nil
}

func canWrite(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	return Bool(s.Bridge.CanWrite(Handle(a[0]), a[1])), nil
}

func isMapped(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	return Bool(s.Bridge.IsMapped(Handle(a[0]), a[1])), nil
}

// allocateMemory(memory, where, size, name, offset)
func allocateMemory(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 5)
	if err != nil {
		return nil, err
	}
	h := Handle(a[0])
	name := ""
	if a[3] != 0 {
		if space, ok := s.Bridge.Space(h); ok {
			name, _ = ReadCString(space, a[3], MaxCString)
		}
	}
	s.Log("memory", "allocate_memory", FormatArgs("where", a[1], "size", a[2], "name", name))
	return Int64(uint64(s.Bridge.AddMap(h, a[1], a[2], name, a[4]))), nil
}

func freeMemory(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 3)
	if err != nil {
		return nil, err
	}
	s.Log("memory", "free_memory", FormatArgs("where", a[1], "size", a[2]))
	return Int64(uint64(s.Bridge.RemoveMap(Handle(a[0]), a[1], a[2]))), nil
}

// protectMemory(memory, where, size, r, w, x)
func protectMemory(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 6)
	if err != nil {
		return nil, err
	}
	h := s.Bridge.SetPermissions(Handle(a[0]), a[1], a[2], a[3] != 0, a[4] != 0, a[5] != 0)
	return Int64(uint64(h)), nil
}

// findUnmapped returns the hole address, or 0 if there is none.
func findUnmapped(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 4)
	if err != nil {
		return nil, err
	}
	hole, ok := s.Bridge.FindHole(Handle(a[0]), a[1], a[2], a[3])
	if !ok {
		return Int64(0), nil
	}
	return Int64(hole), nil
}

// getLiftedFunction returns pc if a lifted trace exists for it, else 0.
// The interpreter resolves the function with Bridge.GetLiftedFunction.
func getLiftedFunction(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	if s.Bridge.GetLiftedFunction(Handle(a[0]), a[1]) == nil {
		s.Bridge.Log.Debug("indirect branch to unlifted code", glog.Addr(a[1]))
		return Int64(0), nil
	}
	return Int64(a[1]), nil
}

func logState(s *State, args []expr.Expr) (expr.Expr, error) {
	s.Bridge.Log.Info("state",
		zap.String("id", s.ID.String()),
		zap.Uint64("memory", uint64(s.Memory)),
		zap.Int("errno", s.Errno),
		zap.Int("symbolics", len(s.Symbolics)),
	)
	return nil, nil
}

// makeSymbolic(addr, size, name) backs [addr, addr+size) with a fresh array.
func makeSymbolic(s *State, args []expr.Expr) (expr.Expr, error) {
	a, err := ConcreteArgs(args, 3)
	if err != nil {
		return nil, err
	}
	space, err := s.Space()
	if err != nil {
		return nil, err
	}
	name := "unnamed"
	if a[2] != 0 {
		if n, ok := ReadCString(space, a[2], MaxCString); ok && n != "" {
			name = n
		}
	}
	arr := s.NewSymbol(name, a[1])
	for i := uint64(0); i < a[1]; i++ {
		space.WriteSymbolic(a[0]+i, arr.Name, expr.NewRead(arr, i))
	}
	s.Log("symbolic", "make_symbolic", FormatArgs("addr", a[0], "size", a[1], "name", arr.Name))
	return nil, nil
}

func isSymbolic(s *State, args []expr.Expr) (expr.Expr, error) {
	return Int32(boolToInt(!expr.IsConstant(args[0]))), nil
}

func ctpop(s *State, args []expr.Expr) (expr.Expr, error) {
	v, err := Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	return Int32(uint64(bits.OnesCount32(uint32(v)))), nil
}

func boolToInt(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func ReadCString(space *memory.AddressSpace, addr uint64, max int) (string, bool) {
	buf := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		c, ok := space.LoadByte(addr + uint64(i))
		if !ok {
			return string(buf), false
		}
		if c == 0 {
			return string(buf), true
		}
		buf = append(buf, c)
	}
	return string(buf), false
}

// WriteCString writes s and a terminating NUL, truncated to size bytes.
func WriteCString(space *memory.AddressSpace, addr uint64, s string, size int) bool {
	if size <= 0 {
		return false
	}
	if len(s) >= size {
		s = s[:size-1]
	}
	return space.WriteBytes(addr, append([]byte(s), 0))
}
