package memory

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/llir/llvm/ir"

	"github.com/zboralski/liftbridge/internal/expr"
)

// AddressSpace is the modeled memory of one process under analysis.
//
// It is safe for concurrent readers. Mutation is owned by a single
// execution state; forked states work on a Clone.
type AddressSpace struct {
	regions []*Region // sorted by Base, non-overlapping
	mask    uint64
	cells   map[uint64][]*Cell
	modules map[string]*ir.Module // aot_traces
}

// New returns an empty address space truncating addresses to addrBits.
func New(addrBits uint) *AddressSpace {
	return &AddressSpace{
		mask:    expr.Mask(addrBits),
		cells:   make(map[uint64][]*Cell),
		modules: make(map[string]*ir.Module),
	}
}

// AddrMask returns the address truncation mask.
func (s *AddressSpace) AddrMask() uint64 {
	return s.mask
}

// Mask truncates addr to the architecture address width.
func (s *AddressSpace) Mask(addr uint64) uint64 {
	return addr & s.mask
}

// Regions returns the mapped regions in address order.
func (s *AddressSpace) Regions() []*Region {
	return append([]*Region(nil), s.regions...)
}

// AddMap maps a zero-filled read/write range, replacing anything mapped there.
func (s *AddressSpace) AddMap(base, size uint64, name string, offset uint64) (*Region, error) {
	return s.MapBytes(base, make([]byte, size), name, offset, PermRW)
}

// MapBytes maps data at base with the given permissions, replacing anything
// mapped there along with its symbolic cells. The region takes ownership
// of data.
func (s *AddressSpace) MapBytes(base uint64, data []byte, name string, offset uint64, perms Perms) (*Region, error) {
	base = s.Mask(base)
	size := uint64(len(data))
	if size == 0 {
		return nil, fmt.Errorf("map %s at 0x%x: empty range", name, base)
	}
	if base+size < base || (s.mask != ^uint64(0) && base+size-1 > s.mask) {
		return nil, fmt.Errorf("map %s at 0x%x: size 0x%x overflows address space", name, base, size)
	}

	s.unmap(base, base+size)
	s.dropCells(base, base+size)
	r := &Region{
		Base:   base,
		Limit:  base + size,
		Name:   name,
		Offset: offset,
		Perms:  perms,
		data:   data,
	}
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Base >= r.Base })
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return r, nil
}

// RemoveMap unmaps [base, base+size), splitting regions that straddle it.
// Symbolic cells inside the range are dropped with it.
func (s *AddressSpace) RemoveMap(base, size uint64) bool {
	base = s.Mask(base)
	end := base + size
	if size == 0 || end < base {
		return false
	}
	removed := s.unmap(base, end)
	s.dropCells(base, end)
	return removed
}

func (s *AddressSpace) unmap(base, end uint64) bool {
	removed := false
	out := s.regions[:0:0]
	for _, r := range s.regions {
		if r.Limit <= base || r.Base >= end {
			out = append(out, r)
			continue
		}
		removed = true
		if r.Base < base {
			out = append(out, r.slice(r.Base, base))
		}
		if r.Limit > end {
			out = append(out, r.slice(end, r.Limit))
		}
	}
	s.regions = out
	return removed
}

// SetPermissions changes the permissions of every mapped byte in
// [base, base+size). Returns false if nothing in the range is mapped.
func (s *AddressSpace) SetPermissions(base, size uint64, perms Perms) bool {
	base = s.Mask(base)
	end := base + size
	if size == 0 || end < base {
		return false
	}
	changed := false
	out := make([]*Region, 0, len(s.regions)+2)
	for _, r := range s.regions {
		if r.Limit <= base || r.Base >= end {
			out = append(out, r)
			continue
		}
		changed = true
		lo, hi := max(r.Base, base), min(r.Limit, end)
		if r.Base < lo {
			out = append(out, r.slice(r.Base, lo))
		}
		mid := r.slice(lo, hi)
		mid.Perms = perms
		out = append(out, mid)
		if hi < r.Limit {
			out = append(out, r.slice(hi, r.Limit))
		}
	}
	s.regions = out
	return changed
}

// FindHole returns the lowest address a such that [a, a+size) lies within
// [base, limit) and overlaps no mapped region.
func (s *AddressSpace) FindHole(base, limit, size uint64) (uint64, bool) {
	if size == 0 || limit <= base {
		return 0, false
	}
	cursor := base
	for _, r := range s.regions {
		if r.Limit <= cursor {
			continue
		}
		if r.Base >= limit {
			break
		}
		if r.Base > cursor && r.Base-cursor >= size {
			return cursor, true
		}
		cursor = max(cursor, r.Limit)
		if cursor >= limit {
			return 0, false
		}
	}
	if limit-cursor >= size {
		return cursor, true
	}
	return 0, false
}

// FindRange returns the region containing addr, or nil.
func (s *AddressSpace) FindRange(addr uint64) *Region {
	addr = s.Mask(addr)
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Limit > addr })
	if i < len(s.regions) && s.regions[i].Contains(addr) {
		return s.regions[i]
	}
	return nil
}

// IsSameMappedRange reports whether a and b are mapped by the same region.
func (s *AddressSpace) IsSameMappedRange(a, b uint64) bool {
	r := s.FindRange(a)
	return r != nil && r.Contains(s.Mask(b))
}

// IsMapped reports whether addr is mapped.
func (s *AddressSpace) IsMapped(addr uint64) bool {
	return s.FindRange(addr) != nil
}

// CanRead reports whether addr is mapped readable.
func (s *AddressSpace) CanRead(addr uint64) bool {
	r := s.FindRange(addr)
	return r != nil && r.Readable()
}

// CanWrite reports whether addr is mapped writable.
func (s *AddressSpace) CanWrite(addr uint64) bool {
	r := s.FindRange(addr)
	return r != nil && r.Writable()
}

// CanExecute reports whether addr is mapped executable.
func (s *AddressSpace) CanExecute(addr uint64) bool {
	r := s.FindRange(addr)
	return r != nil && r.Executable()
}

// LoadByte reads one readable byte.
func (s *AddressSpace) LoadByte(addr uint64) (byte, bool) {
	addr = s.Mask(addr)
	r := s.FindRange(addr)
	if r == nil || !r.Readable() {
		return 0, false
	}
	return r.data[addr-r.Base], true
}

// ReadBytes reads n readable bytes, possibly spanning adjacent regions.
func (s *AddressSpace) ReadBytes(addr uint64, n int) ([]byte, bool) {
	out := make([]byte, n)
	for i := 0; i < n; {
		a := s.Mask(addr + uint64(i))
		r := s.FindRange(a)
		if r == nil || !r.Readable() {
			return nil, false
		}
		i += copy(out[i:], r.data[a-r.Base:])
	}
	return out, true
}

// WriteBytes writes data to writable memory. Nothing is written unless
// every byte is writable. Symbolic cells of the written bytes take the
// new values.
func (s *AddressSpace) WriteBytes(addr uint64, data []byte) bool {
	for i := 0; i < len(data); {
		a := s.Mask(addr + uint64(i))
		r := s.FindRange(a)
		if r == nil || !r.Writable() {
			return false
		}
		i += int(min(uint64(len(data)-i), r.Limit-a))
	}
	for i := 0; i < len(data); {
		a := s.Mask(addr + uint64(i))
		r := s.FindRange(a)
		i += copy(r.data[a-r.Base:], data[i:])
	}
	s.storeConcrete(addr, data)
	return true
}

// TryRead reads a little-endian value of width bits (8, 16, 32 or 64).
func (s *AddressSpace) TryRead(addr uint64, width uint) (uint64, bool) {
	b, ok := s.ReadBytes(addr, byteCount(width))
	if !ok {
		return 0, false
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), true
}

// TryWrite writes a little-endian value of width bits. Symbolic cells of
// the written bytes take the new concrete value.
func (s *AddressSpace) TryWrite(addr uint64, width uint, value uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return s.WriteBytes(addr, buf[:byteCount(width)])
}

func byteCount(width uint) int {
	switch width {
	case expr.Width8, expr.Width16, expr.Width32, expr.Width64:
		return int(width / 8)
	}
	panic(fmt.Sprintf("memory: unsupported access width %d", width))
}

// SetModule registers the lifted module for the named region.
func (s *AddressSpace) SetModule(name string, m *ir.Module) {
	s.modules[name] = m
}

// Module returns the lifted module registered for the named region.
func (s *AddressSpace) Module(name string) (*ir.Module, bool) {
	m, ok := s.modules[name]
	return m, ok
}

// Modules returns a copy of the region name to module table.
func (s *AddressSpace) Modules() map[string]*ir.Module {
	out := make(map[string]*ir.Module, len(s.modules))
	for k, v := range s.modules {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy. Lifted modules are shared.
func (s *AddressSpace) Clone() *AddressSpace {
	c := &AddressSpace{
		regions: make([]*Region, len(s.regions)),
		mask:    s.mask,
		cells:   make(map[uint64][]*Cell, len(s.cells)),
		modules: s.Modules(),
	}
	for i, r := range s.regions {
		c.regions[i] = r.clone()
	}
	for addr, cells := range s.cells {
		cp := make([]*Cell, len(cells))
		for i, cell := range cells {
			dup := *cell
			cp[i] = &dup
		}
		c.cells[addr] = cp
	}
	return c
}
