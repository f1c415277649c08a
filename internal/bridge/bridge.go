// Package bridge is the call surface lifted code uses to reach the modeled
// address space: width-specialized reads and writes that degrade to
// symbolic overlays, mapping and protection changes, and lifted function
// lookup. Failures are soft: they return sentinels and log, never errors.
package bridge

import (
	"sync"

	"github.com/llir/llvm/ir"
	"go.uber.org/zap"

	"github.com/zboralski/liftbridge/internal/expr"
	"github.com/zboralski/liftbridge/internal/lift"
	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
)

// Handle is the opaque address-space reference passed through lifted code.
// The zero Handle is null.
type Handle uint64

// Bridge maps handles to address spaces.
type Bridge struct {
	mu     sync.Mutex
	next   Handle
	spaces map[Handle]*memory.AddressSpace
	funcs  map[*ir.Module]map[string]*ir.Func

	Log *glog.Logger
}

// New returns an empty bridge.
func New() *Bridge {
	return &Bridge{
		spaces: make(map[Handle]*memory.AddressSpace),
		funcs:  make(map[*ir.Module]map[string]*ir.Func),
		Log:    glog.Get(),
	}
}

// Register returns a new handle for space.
func (b *Bridge) Register(space *memory.AddressSpace) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.spaces[b.next] = space
	return b.next
}

// Release forgets h.
func (b *Bridge) Release(h Handle) {
	b.mu.Lock()
	delete(b.spaces, h)
	b.mu.Unlock()
}

// Space resolves h.
func (b *Bridge) Space(h Handle) (*memory.AddressSpace, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.spaces[h]
	return s, ok
}

func (b *Bridge) space(h Handle, op string) *memory.AddressSpace {
	s, ok := b.Space(h)
	if !ok {
		b.Log.Error("bad address space handle", zap.String("op", op), zap.Uint64("handle", uint64(h)))
	}
	return s
}

// Read reads a width-bit value at addr. Bytes with a symbolic overlay are
// served from it, the rest from concrete storage. On failure Read returns
// all ones and false.
func (b *Bridge) Read(h Handle, addr uint64, width uint) (expr.Expr, bool) {
	return b.read(h, addr, width, nil)
}

// read is Read with the overlays restricted to symbols tracked reports.
// A nil tracked accepts every symbol.
func (b *Bridge) read(h Handle, addr uint64, width uint, tracked func(string) bool) (expr.Expr, bool) {
	s := b.space(h, "read")
	if s == nil {
		return expr.AllOnes(width), false
	}
	addr = s.Mask(addr)
	n := max(width/8, 1)

	cells := make([]*memory.Cell, n)
	symbolic := false
	for i := range cells {
		if c, ok := s.OverlayFunc(addr+uint64(i), tracked); ok {
			cells[i] = c
			symbolic = true
		}
	}
	if !symbolic {
		v, ok := s.TryRead(addr, width)
		if !ok {
			b.failedRead(h, addr, width)
			return expr.AllOnes(width), false
		}
		return expr.NewConstant(v, width), true
	}
	if v, ok := whole(cells, width); ok {
		return v, true
	}

	var out expr.Expr
	for i := int(n) - 1; i >= 0; i-- {
		var v expr.Expr
		if c := cells[i]; c != nil {
			v = c.Value
		} else {
			raw, ok := s.LoadByte(addr + uint64(i))
			if !ok {
				b.failedRead(h, addr, width)
				return expr.AllOnes(width), false
			}
			v = expr.NewConstant(uint64(raw), expr.Width8)
		}
		if out == nil {
			out = v
			continue
		}
		out = expr.NewConcat(out, v)
	}
	if width < expr.Width8 {
		out = expr.NewExtract(out, 0, width)
	}
	return out, true
}

// whole returns the value of one symbolic write when cells are exactly its
// bytes in order.
func whole(cells []*memory.Cell, width uint) (expr.Expr, bool) {
	first := cells[0]
	if first == nil || first.Whole == nil || first.Whole.Width() != width {
		return nil, false
	}
	for i, c := range cells {
		if c == nil || c.Whole != first.Whole || c.Index != uint(i) {
			return nil, false
		}
	}
	return first.Whole, true
}

func (b *Bridge) failedRead(h Handle, addr uint64, width uint) {
	b.Log.Error("failed read",
		zap.Uint("bytes", width/8), glog.Addr(addr), zap.Uint64("handle", uint64(h)))
}

// Write writes a width-bit value at addr and returns h, or the null
// handle if a concrete write fails. A symbolic value is stored in the
// overlay named after its root symbol and always succeeds.
func (b *Bridge) Write(h Handle, addr uint64, width uint, value expr.Expr) Handle {
	s := b.space(h, "write")
	if s == nil {
		return 0
	}
	addr = s.Mask(addr)
	if c, ok := value.(*expr.Constant); ok {
		if !s.TryWrite(addr, width, c.Value) {
			b.Log.Error("failed write",
				zap.Uint("bytes", width/8), glog.Addr(addr), zap.String("value", glog.Hex(c.Value)),
				zap.Uint64("handle", uint64(h)))
			return 0
		}
		return h
	}
	switch w := value.Width(); {
	case w > width:
		value = expr.NewExtract(value, 0, width)
	case w < width:
		value = expr.NewZExt(value, width)
	}
	s.WriteSymbolic(addr, symbolName(value), value)
	return h
}

func symbolName(e expr.Expr) string {
	if arr, ok := expr.Root(e); ok {
		return arr.Name
	}
	return "unnamed"
}

// AddMap maps a zero-filled read/write range.
func (b *Bridge) AddMap(h Handle, base, size uint64, name string, offset uint64) Handle {
	if s := b.space(h, "add_map"); s != nil {
		if _, err := s.AddMap(base, size, name, offset); err != nil {
			b.Log.Warn("add map failed", zap.Error(err))
		}
	}
	return h
}

// RemoveMap unmaps [base, base+size).
func (b *Bridge) RemoveMap(h Handle, base, size uint64) Handle {
	if s := b.space(h, "remove_map"); s != nil {
		s.RemoveMap(base, size)
	}
	return h
}

// SetPermissions changes the protection of [base, base+size).
func (b *Bridge) SetPermissions(h Handle, base, size uint64, r, w, x bool) Handle {
	s := b.space(h, "protect")
	if s == nil {
		return h
	}
	var p memory.Perms
	if r {
		p |= memory.PermRead
	}
	if w {
		p |= memory.PermWrite
	}
	if x {
		p |= memory.PermExec
	}
	if !s.SetPermissions(base, size, p) {
		b.Log.Warn("protect on unmapped range", glog.Addr(base), glog.Size(size))
	}
	return h
}

// FindHole returns the lowest unmapped address a with [a, a+size) inside
// [base, limit).
func (b *Bridge) FindHole(h Handle, base, limit, size uint64) (uint64, bool) {
	s := b.space(h, "find_hole")
	if s == nil {
		return 0, false
	}
	return s.FindHole(base, limit, size)
}

func (b *Bridge) CanRead(h Handle, addr uint64) bool {
	s, ok := b.Space(h)
	return ok && s.CanRead(addr)
}

func (b *Bridge) CanWrite(h Handle, addr uint64) bool {
	s, ok := b.Space(h)
	return ok && s.CanWrite(addr)
}

func (b *Bridge) IsMapped(h Handle, addr uint64) bool {
	s, ok := b.Space(h)
	return ok && s.IsMapped(addr)
}

// GetLiftedFunction returns the lifted trace at pc from the module loaded
// for the region containing pc, or nil if pc was never lifted.
func (b *Bridge) GetLiftedFunction(h Handle, pc uint64) *ir.Func {
	s, ok := b.Space(h)
	if !ok {
		return nil
	}
	pc = s.Mask(pc)
	r := s.FindRange(pc)
	if r == nil {
		return nil
	}
	m, ok := s.Module(r.Name)
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	index, ok := b.funcs[m]
	if !ok {
		index = make(map[string]*ir.Func, len(m.Funcs))
		for _, f := range m.Funcs {
			if len(f.Blocks) > 0 {
				index[f.Name()] = f
			}
		}
		b.funcs[m] = index
	}
	return index[lift.TraceName(pc)]
}
