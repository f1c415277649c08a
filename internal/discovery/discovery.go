// Package discovery finds trace entry points in mapped code by recursive
// descent followed by a linear sweep.
package discovery

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/zboralski/liftbridge/internal/arch"
	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
)

// ErrUnreadable aborts a recursive descent pass when an instruction's
// bytes cannot be read.
var ErrUnreadable = errors.New("unreadable instruction bytes")

// Trace is a decoder work item.
type Trace struct {
	Addr uint64
	// Targeted items skip leading zero padding before decoding.
	Targeted bool
}

// TraceSet is the set of discovered trace heads. Adding an address twice
// has no effect.
type TraceSet map[uint64]struct{}

// Add marks addr as a trace head.
func (s TraceSet) Add(addr uint64) {
	s[addr] = struct{}{}
}

// Has reports whether addr is a trace head.
func (s TraceSet) Has(addr uint64) bool {
	_, ok := s[addr]
	return ok
}

// Sorted returns the trace heads in ascending order.
func (s TraceSet) Sorted() []uint64 {
	out := make([]uint64, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Discoverer runs both discovery passes over the regions of one address
// space and accumulates their results in Traces.
type Discoverer struct {
	Arch   arch.Arch
	Space  *memory.AddressSpace
	Entry  uint64
	Traces TraceSet
	Log    *glog.Logger

	// OnEnqueue observes every address added to the recursive descent queue.
	OnEnqueue func(addr uint64)

	work    []Trace
	pending map[Trace]bool
}

// New returns a Discoverer seeded at entry.
func New(a arch.Arch, space *memory.AddressSpace, entry uint64) *Discoverer {
	return &Discoverer{
		Arch:    a,
		Space:   space,
		Entry:   entry,
		Traces:  make(TraceSet),
		Log:     glog.Get(),
		pending: make(map[Trace]bool),
	}
}

// Seed marks extra trace heads, such as exported symbols or addresses
// observed at run time, and queues them for the linear sweep.
func (d *Discoverer) Seed(addrs ...uint64) {
	for _, a := range addrs {
		d.mark(a)
	}
}

// Discover runs recursive descent and then linear sweep over r. An
// unreadable byte abandons recursive descent but not the sweep.
func (d *Discoverer) Discover(r *memory.Region) error {
	err := d.RecursiveDescent(r)
	if err != nil {
		d.Log.Warn("recursive descent abandoned",
			zap.String("region", r.Name),
			zap.Error(err),
		)
	}
	d.LinearSweep(r)
	return err
}

// DiscoverAll runs Discover over every executable region.
func (d *Discoverer) DiscoverAll() TraceSet {
	for _, r := range d.Space.Regions() {
		if !r.Executable() {
			continue
		}
		_ = d.Discover(r)
	}
	return d.Traces
}

// mark records addr as a trace head and queues it for the linear sweep.
func (d *Discoverer) mark(addr uint64) {
	d.Traces.Add(addr)
	d.push(Trace{Addr: addr})
}

func (d *Discoverer) push(t Trace) {
	if d.pending[t] {
		return
	}
	d.pending[t] = true
	d.work = append(d.work, t)
}

func (d *Discoverer) pop() Trace {
	t := d.work[len(d.work)-1]
	d.work = d.work[:len(d.work)-1]
	delete(d.pending, t)
	return t
}

// Pending returns the linear sweep work list, oldest first.
func (d *Discoverer) Pending() []Trace {
	return append([]Trace(nil), d.work...)
}

// fetch reads up to the maximum instruction size, stopping at the first
// unreadable byte.
func (d *Discoverer) fetch(addr uint64) []byte {
	n := d.Arch.MaxInstructionSize()
	code := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, ok := d.Space.LoadByte(d.Space.Mask(addr + uint64(i)))
		if !ok {
			break
		}
		code = append(code, b)
	}
	return code
}

// RecursiveDescent follows direct control flow from the entry point, or
// from r.Base when the entry point lies below r. Regions entirely below
// the entry point are skipped.
func (d *Discoverer) RecursiveDescent(r *memory.Region) error {
	var start uint64
	switch {
	case d.Entry >= r.Limit:
		return nil
	case r.Contains(d.Entry):
		start = d.Entry
	default:
		start = r.Base
	}

	visited := make(map[uint64]bool)
	queued := make(map[uint64]bool)
	var queue []uint64
	enqueue := func(addr uint64) {
		if visited[addr] || queued[addr] {
			return
		}
		queued[addr] = true
		queue = append(queue, addr)
		if d.OnEnqueue != nil {
			d.OnEnqueue(addr)
		}
	}

	d.mark(start)
	enqueue(start)

	for len(queue) > 0 {
		pc := queue[0]
		queue = queue[1:]
		delete(queued, pc)

		if !r.Contains(pc) {
			continue
		}

		code := d.fetch(pc)
		if len(code) == 0 {
			return fmt.Errorf("%w at 0x%x", ErrUnreadable, pc)
		}
		inst, err := d.Arch.Decode(pc, code)
		if err != nil {
			if len(code) < d.Arch.MaxInstructionSize() {
				return fmt.Errorf("%w at 0x%x: %v", ErrUnreadable, pc, err)
			}
			d.Log.Debug("decode failed", glog.Addr(pc), zap.Error(err))
			continue
		}
		visited[pc] = true

		switch inst.Category {
		case arch.CategoryDirectFunctionCall:
			d.mark(inst.BranchTakenPC)
			if !visited[inst.BranchTakenPC] {
				enqueue(inst.BranchTakenPC)
				enqueue(inst.NextPC)
			}
		case arch.CategoryConditionalBranch:
			d.mark(inst.BranchTakenPC)
			d.mark(inst.BranchNotTakenPC)
			enqueue(inst.BranchTakenPC)
			enqueue(inst.BranchNotTakenPC)
		case arch.CategoryDirectJump:
			d.mark(inst.BranchTakenPC)
			enqueue(inst.BranchTakenPC)
		case arch.CategoryIndirectJump, arch.CategoryIndirectFunctionCall:
			d.mark(inst.PC)
			enqueue(inst.NextPC)
		case arch.CategoryFunctionReturn, arch.CategoryError:
		default:
			enqueue(inst.NextPC)
		}
	}
	return nil
}

// LinearSweep drains the work list left by recursive descent, most recent
// item first, decoding straight-line code from each item until it reaches
// a control transfer. Each start address is swept once.
func (d *Discoverer) LinearSweep(r *memory.Region) {
	swept := make(map[uint64]bool)

	for len(d.work) > 0 {
		t := d.pop()
		addr := t.Addr
		if !r.Contains(addr) || swept[addr] {
			continue
		}
		swept[addr] = true

		if t.Targeted {
			for addr < r.Limit {
				b, ok := d.Space.LoadByte(addr)
				if !ok || b != 0 {
					break
				}
				addr++
			}
		}

		d.sweep(r, addr, t.Targeted, swept)
	}
}

// sweep scans from origin to the first control transfer and marks origin
// there, even when earlier items decoded the same bytes. Targets already
// swept are not queued again.
func (d *Discoverer) sweep(r *memory.Region, origin uint64, targeted bool, swept map[uint64]bool) {
	push := func(t Trace) {
		if !swept[t.Addr] {
			d.push(t)
		}
	}
	for pc := origin; pc < r.Limit; {
		inst, err := d.Arch.Decode(pc, d.fetch(pc))
		if err != nil {
			d.Log.Debug("abandoning trace",
				glog.Ptr("trace", origin),
				glog.Addr(pc),
				zap.Error(err),
			)
			return
		}

		switch inst.Category {
		case arch.CategoryDirectJump:
			d.Traces.Add(origin)
			push(Trace{Addr: inst.BranchTakenPC})
			return
		case arch.CategoryConditionalBranch:
			d.Traces.Add(origin)
			push(Trace{Addr: inst.BranchTakenPC})
			push(Trace{Addr: inst.BranchNotTakenPC})
			return
		case arch.CategoryDirectFunctionCall, arch.CategoryIndirectFunctionCall:
			d.Traces.Add(origin)
			if !swept[inst.NextPC] {
				if inst.Category == arch.CategoryDirectFunctionCall {
					d.Traces.Add(inst.BranchTakenPC)
				}
				d.push(Trace{Addr: inst.NextPC})
			}
			return
		case arch.CategoryFunctionReturn:
			d.Traces.Add(origin)
			push(Trace{Addr: inst.NextPC, Targeted: true})
			return
		case arch.CategoryNoOp:
			if !targeted {
				return
			}
		case arch.CategoryError:
			return
		}
		pc = inst.NextPC
	}
}
