package discovery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/zboralski/liftbridge/internal/arch"
	"github.com/zboralski/liftbridge/internal/memory"
)

// toy is a two-byte instruction set: opcode, signed operand.
type toy struct {
	decoded []uint64
}

const (
	opFill     = 0x00
	opNormal   = 0x01
	opJump     = 0x02
	opCond     = 0x03
	opCall     = 0x04
	opRet      = 0x05
	opNop      = 0x06
	opIndirect = 0x07
	opInvalid  = 0xff
)

func (*toy) Name() string            { return "toy" }
func (*toy) AddressBits() uint       { return 64 }
func (*toy) MaxInstructionSize() int { return 2 }

func (t *toy) Decode(pc uint64, code []byte) (arch.Instruction, error) {
	t.decoded = append(t.decoded, pc)
	if len(code) < 2 {
		return arch.Instruction{}, fmt.Errorf("%w: truncated", arch.ErrInvalid)
	}
	inst := arch.Instruction{PC: pc, NextPC: pc + 2, Size: 2, Category: arch.CategoryNormal}
	target := pc + uint64(int64(int8(code[1])))
	switch code[0] {
	case opFill, opNormal:
	case opJump:
		inst.Category = arch.CategoryDirectJump
		inst.BranchTakenPC = target
	case opCond:
		inst.Category = arch.CategoryConditionalBranch
		inst.BranchTakenPC = target
		inst.BranchNotTakenPC = pc + 2
	case opCall:
		inst.Category = arch.CategoryDirectFunctionCall
		inst.BranchTakenPC = target
	case opRet:
		inst.Category = arch.CategoryFunctionReturn
	case opNop:
		inst.Category = arch.CategoryNoOp
	case opIndirect:
		inst.Category = arch.CategoryIndirectJump
	default:
		return arch.Instruction{}, fmt.Errorf("%w: opcode 0x%02x", arch.ErrInvalid, code[0])
	}
	return inst, nil
}

func (t *toy) maxDecoded() uint64 {
	var m uint64
	for _, pc := range t.decoded {
		m = max(m, pc)
	}
	return m
}

func asm(insts ...[2]byte) []byte {
	var b []byte
	for _, i := range insts {
		b = append(b, i[0], i[1])
	}
	return b
}

func mapCode(t *testing.T, s *memory.AddressSpace, base uint64, code []byte, perms memory.Perms) *memory.Region {
	t.Helper()
	r, err := s.MapBytes(base, code, fmt.Sprintf("code_%x", base), 0, perms)
	if err != nil {
		t.Fatalf("Failed to map code: %v", err)
	}
	return r
}

func TestRecursiveDescent(t *testing.T) {
	s := memory.New(64)
	r := mapCode(t, s, 0x1000, asm(
		[2]byte{opCall, 0x10},  // 0x1000 call 0x1010
		[2]byte{opCond, 0x06},  // 0x1002 cond 0x1008
		[2]byte{opNormal, 0},   // 0x1004
		[2]byte{opRet, 0},      // 0x1006
		[2]byte{opJump, 0x04},  // 0x1008 jmp 0x100c
		[2]byte{opNormal, 0},   // 0x100a unreachable
		[2]byte{opRet, 0},      // 0x100c
		[2]byte{opNormal, 0},   // 0x100e
		[2]byte{opIndirect, 0}, // 0x1010
		[2]byte{opRet, 0},      // 0x1012
	), memory.PermRX)

	isa := &toy{}
	d := New(isa, s, 0x1000)
	enqueued := make(map[uint64]int)
	d.OnEnqueue = func(addr uint64) { enqueued[addr]++ }

	if err := d.RecursiveDescent(r); err != nil {
		t.Fatalf("RecursiveDescent failed: %v", err)
	}

	want := []uint64{0x1000, 0x1004, 0x1008, 0x100c, 0x1010}
	if got := d.Traces.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("Traces = %x, want %x", got, want)
	}
	for addr, n := range enqueued {
		if n != 1 {
			t.Errorf("0x%x enqueued %d times", addr, n)
		}
	}
	for _, pc := range isa.decoded {
		if pc == 0x100a || pc == 0x100e {
			t.Errorf("Decoded unreachable address 0x%x", pc)
		}
	}
}

func TestRecursiveDescentLoopEnqueuesOnce(t *testing.T) {
	s := memory.New(64)
	r := mapCode(t, s, 0x1000, asm(
		[2]byte{opNormal, 0},  // 0x1000
		[2]byte{opCond, 0xfe}, // 0x1002 cond 0x1000
		[2]byte{opCond, 0xfc}, // 0x1004 cond 0x1000
		[2]byte{opRet, 0},     // 0x1006
	), memory.PermRX)

	d := New(&toy{}, s, 0x1000)
	enqueued := make(map[uint64]int)
	d.OnEnqueue = func(addr uint64) { enqueued[addr]++ }
	if err := d.RecursiveDescent(r); err != nil {
		t.Fatalf("RecursiveDescent failed: %v", err)
	}
	for addr, n := range enqueued {
		if n != 1 {
			t.Errorf("0x%x enqueued %d times", addr, n)
		}
	}
}

func TestRecursiveDescentSeeding(t *testing.T) {
	s := memory.New(64)
	code := asm([2]byte{opNormal, 0}, [2]byte{opRet, 0})
	r := mapCode(t, s, 0x2000, code, memory.PermRX)

	// entry above the region: nothing to do
	d := New(&toy{}, s, 0x9000)
	if err := d.RecursiveDescent(r); err != nil {
		t.Fatalf("RecursiveDescent failed: %v", err)
	}
	if len(d.Traces) != 0 {
		t.Errorf("Expected no traces, got %x", d.Traces.Sorted())
	}

	// entry below the region: start at its base
	d = New(&toy{}, s, 0x100)
	if err := d.RecursiveDescent(r); err != nil {
		t.Fatalf("RecursiveDescent failed: %v", err)
	}
	if !d.Traces.Has(0x2000) {
		t.Errorf("Expected base 0x2000 to be a trace, got %x", d.Traces.Sorted())
	}
}

func TestRecursiveDescentUnreadable(t *testing.T) {
	s := memory.New(64)
	r := mapCode(t, s, 0x1000, asm([2]byte{opRet, 0}), memory.PermExec)

	d := New(&toy{}, s, 0x1000)
	err := d.RecursiveDescent(r)
	if !errors.Is(err, ErrUnreadable) {
		t.Errorf("Expected ErrUnreadable, got %v", err)
	}
}

func TestLinearSweepStopsAtInvalid(t *testing.T) {
	s := memory.New(64)
	r := mapCode(t, s, 0x2000, asm(
		[2]byte{opNormal, 0},  // 0x2000
		[2]byte{opNormal, 0},  // 0x2002
		[2]byte{opInvalid, 0}, // 0x2004
		[2]byte{opNormal, 0},  // 0x2006
		[2]byte{opRet, 0},     // 0x2008
	), memory.PermRX)

	isa := &toy{}
	d := New(isa, s, 0)
	d.push(Trace{Addr: 0x2000})
	d.LinearSweep(r)

	if m := isa.maxDecoded(); m != 0x2004 {
		t.Errorf("Sweep decoded up to 0x%x, want 0x2004", m)
	}
	if d.Traces.Has(0x2000) {
		t.Error("Abandoned trace was marked")
	}
}

func TestLinearSweepTargetedSkipsPadding(t *testing.T) {
	s := memory.New(64)
	code := asm(
		[2]byte{opNormal, 0}, // 0x3000
		[2]byte{opRet, 0},    // 0x3002
		[2]byte{0, 0},        // 0x3004 padding
		[2]byte{0, 0},        // 0x3006 padding
		[2]byte{opNormal, 0}, // 0x3008
		[2]byte{opRet, 0},    // 0x300a
	)
	r := mapCode(t, s, 0x3000, code, memory.PermRX)

	d := New(&toy{}, s, 0)
	d.push(Trace{Addr: 0x3000})
	d.LinearSweep(r)

	want := []uint64{0x3000, 0x3008}
	if got := d.Traces.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("Traces = %x, want %x", got, want)
	}
}

func TestLinearSweepNop(t *testing.T) {
	code := asm(
		[2]byte{opNop, 0},    // 0x4000
		[2]byte{opNormal, 0}, // 0x4002
		[2]byte{opRet, 0},    // 0x4004
	)

	s := memory.New(64)
	r := mapCode(t, s, 0x4000, code, memory.PermRX)
	d := New(&toy{}, s, 0)
	d.push(Trace{Addr: 0x4000})
	d.LinearSweep(r)
	if d.Traces.Has(0x4000) {
		t.Error("Untargeted scan continued past nop")
	}

	d = New(&toy{}, s, 0)
	d.push(Trace{Addr: 0x4000, Targeted: true})
	d.LinearSweep(r)
	if !d.Traces.Has(0x4000) {
		t.Error("Targeted scan stopped at nop")
	}
}

func TestLinearSweepCallMarksTarget(t *testing.T) {
	s := memory.New(64)
	r := mapCode(t, s, 0x5000, asm(
		[2]byte{opNormal, 0},  // 0x5000
		[2]byte{opCall, 0x08}, // 0x5002 call 0x500a
		[2]byte{opRet, 0},     // 0x5004
		[2]byte{0, 0},         // 0x5006
		[2]byte{0, 0},         // 0x5008
		[2]byte{opRet, 0},     // 0x500a
	), memory.PermRX)

	d := New(&toy{}, s, 0)
	d.push(Trace{Addr: 0x5000})
	d.LinearSweep(r)

	for _, a := range []uint64{0x5000, 0x500a, 0x5004} {
		if !d.Traces.Has(a) {
			t.Errorf("Expected 0x%x to be a trace, got %x", a, d.Traces.Sorted())
		}
	}
	if len(d.Pending()) != 0 {
		t.Errorf("Work list not drained: %v", d.Pending())
	}
}

func TestLinearSweepMarksBackEdgeTarget(t *testing.T) {
	s := memory.New(64)
	r := mapCode(t, s, 0x6000, asm(
		[2]byte{opNormal, 0},  // 0x6000
		[2]byte{opNormal, 0},  // 0x6002
		[2]byte{opCond, 0xfe}, // 0x6004 cond 0x6002
		[2]byte{opRet, 0},     // 0x6006
	), memory.PermRX)

	d := New(&toy{}, s, 0)
	d.push(Trace{Addr: 0x6000})
	d.LinearSweep(r)

	want := []uint64{0x6000, 0x6002, 0x6006}
	if got := d.Traces.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("Traces = %x, want %x", got, want)
	}
	if len(d.Pending()) != 0 {
		t.Errorf("Work list not drained: %v", d.Pending())
	}
}

func TestDiscoverAArch64(t *testing.T) {
	code := make([]byte, 0, 16)
	for _, w := range []uint32{
		0x94000002, // 0x1000 bl 0x1008
		0xd65f03c0, // 0x1004 ret
		0xd503201f, // 0x1008 nop
		0xd65f03c0, // 0x100c ret
	} {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	s := memory.New(64)
	mapCode(t, s, 0x1000, code, memory.PermRX)

	d := New(arch.AArch64{}, s, 0x1000)
	traces := d.DiscoverAll()
	for _, a := range []uint64{0x1000, 0x1008} {
		if !traces.Has(a) {
			t.Errorf("Expected 0x%x to be a trace, got %x", a, traces.Sorted())
		}
	}
}

func TestTraceListRoundTrip(t *testing.T) {
	addrs := []uint64{0x1000, 0x1010, 0xffff000012345678}
	var buf bytes.Buffer
	if err := WriteTraceList(&buf, addrs); err != nil {
		t.Fatalf("WriteTraceList failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), TraceListLabel) {
		t.Errorf("Missing label: %q", buf.String())
	}
	got, err := ReadTraceList(&buf)
	if err != nil {
		t.Fatalf("ReadTraceList failed: %v", err)
	}
	if !reflect.DeepEqual(got, addrs) {
		t.Errorf("Round trip = %x, want %x", got, addrs)
	}

	got, err = ReadTraceList(strings.NewReader("traces 400000 0x400010\n400020"))
	if err != nil {
		t.Fatalf("ReadTraceList failed: %v", err)
	}
	if want := []uint64{0x400000, 0x400010, 0x400020}; !reflect.DeepEqual(got, want) {
		t.Errorf("Bare hex = %x, want %x", got, want)
	}

	if _, err := ReadTraceList(strings.NewReader("")); err == nil {
		t.Error("Expected error for empty trace list")
	}
}

func TestBatch(t *testing.T) {
	s := memory.New(64)
	mapCode(t, s, 0x1000, make([]byte, 0x1000), memory.PermRX)
	mapCode(t, s, 0x2000, make([]byte, 0x1000), memory.PermRX)
	mapCode(t, s, 0x8000, make([]byte, 0x100), memory.PermRX)

	batches := Batch(s, []uint64{0x2010, 0x1000, 0x1ff0, 0x8000, 0x5000, 0x1000, 0x2000})
	want := [][]uint64{
		{0x1000, 0x1ff0},
		{0x2000, 0x2010},
		{0x8000},
	}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("Batch = %x, want %x", batches, want)
	}
	if len(Batch(s, nil)) != 0 {
		t.Error("Expected no batches for empty input")
	}
}
