// Package intercepts emulates the few OS primitives lifted code reaches
// directly: open, stat and fstat, directory reads, errno, and the malloc
// family. Handlers register into bridge.DefaultRegistry from init().
package intercepts

import (
	"sort"

	"github.com/zboralski/liftbridge/internal/bridge"
	"github.com/zboralski/liftbridge/internal/memory"
)

// Allocator results outside the valid address range.
const (
	BadAddr = ^uint64(0) // fall back to the host allocator

	MallocTooBig = ^uint64(0) - 1

	ReallocInternalPtr = ^uint64(0) - 1
	ReallocTooBig      = ^uint64(0) - 2
	ReallocInvalidPtr  = ^uint64(0) - 3
	ReallocFreedPtr    = ^uint64(0) - 4
)

// Default heap window and size limit.
const (
	DefaultHeapBase  = 0x10000000
	DefaultHeapLimit = 0x40000000
	DefaultMaxAlloc  = 1 << 28

	heapAlign = 16
)

type allocation struct {
	base   uint64
	size   uint64 // requested
	usable uint64
}

// Heap hands out allocations as separate mappings inside [Base, Limit),
// so freed memory becomes unmapped.
type Heap struct {
	Base     uint64
	Limit    uint64
	MaxAlloc uint64

	live  map[uint64]*allocation
	freed map[uint64]bool
}

// NewHeap returns a heap placing allocations in [base, limit).
func NewHeap(base, limit uint64) *Heap {
	return &Heap{
		Base:     base,
		Limit:    limit,
		MaxAlloc: DefaultMaxAlloc,
		live:     make(map[uint64]*allocation),
		freed:    make(map[uint64]bool),
	}
}

func align(n uint64) uint64 {
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

// Malloc allocates size zeroed bytes.
func (h *Heap) Malloc(space *memory.AddressSpace, size uint64) uint64 {
	if size > h.MaxAlloc {
		return MallocTooBig
	}
	usable := align(max(size, 1))
	ptr, ok := space.FindHole(h.Base, h.Limit, usable)
	if !ok {
		return BadAddr
	}
	if _, err := space.AddMap(ptr, usable, "[heap]", 0); err != nil {
		return BadAddr
	}
	h.live[ptr] = &allocation{base: ptr, size: size, usable: usable}
	delete(h.freed, ptr)
	return ptr
}

// Calloc allocates size zeroed bytes. Mappings start zero-filled.
func (h *Heap) Calloc(space *memory.AddressSpace, size uint64) uint64 {
	return h.Malloc(space, size)
}

// Realloc resizes the allocation at ptr. A moved allocation keeps its
// concrete and symbolic contents.
func (h *Heap) Realloc(space *memory.AddressSpace, ptr, size uint64) uint64 {
	a, ok := h.live[ptr]
	if !ok {
		switch {
		case h.freed[ptr]:
			return ReallocFreedPtr
		case h.inside(ptr):
			return ReallocInternalPtr
		}
		return ReallocInvalidPtr
	}
	if size > h.MaxAlloc {
		return ReallocTooBig
	}
	if size <= a.usable {
		a.size = size
		return ptr
	}

	next := h.Malloc(space, size)
	if next == BadAddr || next == MallocTooBig {
		return BadAddr
	}
	data, ok := space.ReadBytes(ptr, int(a.size))
	if ok {
		space.WriteBytes(next, data)
	}
	space.CopyCells(next, ptr, a.size)
	h.Free(space, ptr)
	return next
}

// Free releases the allocation at ptr. It returns false for pointers the
// heap did not hand out.
func (h *Heap) Free(space *memory.AddressSpace, ptr uint64) bool {
	a, ok := h.live[ptr]
	if !ok {
		return false
	}
	space.RemoveMap(a.base, a.usable)
	delete(h.live, ptr)
	h.freed[ptr] = true
	return true
}

// UsableSize returns the usable size of a live allocation, or 0.
func (h *Heap) UsableSize(ptr uint64) uint64 {
	if a, ok := h.live[ptr]; ok {
		return a.usable
	}
	return 0
}

// Live returns the base addresses of live allocations in order.
func (h *Heap) Live() []uint64 {
	out := make([]uint64, 0, len(h.live))
	for p := range h.live {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Heap) inside(ptr uint64) bool {
	for _, a := range h.live {
		if ptr > a.base && ptr < a.base+a.usable {
			return true
		}
	}
	return false
}

// Clone copies the heap bookkeeping for a forked state.
func (h *Heap) Clone() bridge.Allocator {
	c := NewHeap(h.Base, h.Limit)
	c.MaxAlloc = h.MaxAlloc
	for p, a := range h.live {
		cp := *a
		c.live[p] = &cp
	}
	for p := range h.freed {
		c.freed[p] = true
	}
	return c
}

var _ bridge.Allocator = (*Heap)(nil)
