package lift

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/zboralski/liftbridge/internal/arch"
	"github.com/zboralski/liftbridge/internal/cache"
	"github.com/zboralski/liftbridge/internal/memory"
)

const (
	opAdd  = 0x8b010002 // ADD X2, X0, X1
	opRet  = 0xd65f03c0
	opNop  = 0xd503201f
	opBrk  = 0xd4200000
	opLdrX = 0x58000040 // LDR X0, pc+8
)

func bl(from, to uint64) uint32 { return 0x94000000 | uint32((to-from)/4)&0x3ffffff }
func b(from, to uint64) uint32  { return 0x14000000 | uint32((to-from)/4)&0x3ffffff }

func code(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func newSpace(t *testing.T, base uint64, data []byte) *memory.AddressSpace {
	t.Helper()
	s := memory.New(64)
	if _, err := s.MapBytes(base, data, "text", 0, memory.PermRX); err != nil {
		t.Fatalf("Failed to map code: %v", err)
	}
	return s
}

// callees returns the names of every function f calls.
func callees(f *ir.Func) map[string]int {
	out := make(map[string]int)
	for _, blk := range f.Blocks {
		for _, inst := range blk.Insts {
			if call, ok := inst.(*ir.InstCall); ok {
				if g, ok := call.Callee.(*ir.Func); ok {
					out[g.Name()]++
				}
			}
		}
	}
	return out
}

func definedTraces(m *ir.Module) []string {
	var names []string
	for _, f := range m.Funcs {
		if len(f.Blocks) > 0 && strings.HasPrefix(f.Name(), "sub_") {
			names = append(names, f.Name())
		}
	}
	return names
}

// 0x1000: add; bl 0x1010; ret; nop
// 0x1010: ldr x0, 0x1018; ret; .quad
func sampleSpace(t *testing.T) *memory.AddressSpace {
	data := code(opAdd, bl(0x1004, 0x1010), opRet, opNop, opLdrX, opRet, 0x11223344, 0x55667788)
	return newSpace(t, 0x1000, data)
}

func TestLiftTrace(t *testing.T) {
	space := sampleSpace(t)
	m := ir.NewModule()
	l := NewTraceLifter(arch.AArch64{}, space, m, map[uint64]bool{0x1000: true, 0x1010: true})

	fn, err := l.Lift(0x1000)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	if fn.Name() != "sub_1000" {
		t.Errorf("name = %s", fn.Name())
	}
	calls := callees(fn)
	for _, want := range []string{"SEM_ADD", "SEM_BL", "sub_1010", IntrinsicFunctionReturn} {
		if calls[want] == 0 {
			t.Errorf("sub_1000 does not call %s: %v", want, calls)
		}
	}

	again, err := l.Lift(0x1000)
	if err != nil || again != fn {
		t.Errorf("Second Lift returned %v, %v", again, err)
	}

	ldr, err := l.Lift(0x1010)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	calls = callees(ldr)
	if calls[ReadMemoryIntrinsic(64)] != 1 || calls["SEM_LDR_MEM64"] != 1 {
		t.Errorf("literal load not lifted through memory read: %v", calls)
	}
	if err := Verify(m); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestLiftUndecodable(t *testing.T) {
	space := newSpace(t, 0x1000, code(0xffffffff, opRet))
	m := ir.NewModule()
	l := NewTraceLifter(arch.AArch64{}, space, m, nil)

	if _, err := l.Lift(0x1000); err == nil {
		t.Fatal("Expected error for undecodable entry")
	}
	if _, err := l.Lift(0x9000); err == nil {
		t.Fatal("Expected error for unmapped entry")
	}
	if len(m.Funcs) != 0 {
		t.Errorf("Failed traces left %d functions", len(m.Funcs))
	}
}

func TestLiftMissingBlock(t *testing.T) {
	// add falls through into an undecodable word
	space := newSpace(t, 0x1000, code(opAdd, 0xffffffff))
	m := ir.NewModule()
	fn, err := NewTraceLifter(arch.AArch64{}, space, m, nil).Lift(0x1000)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	if callees(fn)[IntrinsicMissingBlock] != 1 {
		t.Errorf("Expected a missing block call: %v", callees(fn))
	}
}

func TestLiftTailCallToHead(t *testing.T) {
	// 0x2000: b 0x2008; brk; 0x2008: ret
	space := newSpace(t, 0x2000, code(b(0x2000, 0x2008), opBrk, opRet))

	m := ir.NewModule()
	fn, err := NewTraceLifter(arch.AArch64{}, space, m, map[uint64]bool{0x2000: true, 0x2008: true}).Lift(0x2000)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	calls := callees(fn)
	if calls["sub_2008"] != 1 || calls[IntrinsicFunctionReturn] != 0 {
		t.Errorf("Jump to head not lifted as tail call: %v", calls)
	}

	// not a head: inlined
	m = ir.NewModule()
	fn, err = NewTraceLifter(arch.AArch64{}, space, m, nil).Lift(0x2000)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	calls = callees(fn)
	if calls["sub_2008"] != 0 || calls[IntrinsicFunctionReturn] != 1 {
		t.Errorf("Jump not inlined: %v", calls)
	}
}

func TestLiftInstructionCap(t *testing.T) {
	space := newSpace(t, 0x1000, code(opAdd, opAdd, opAdd, opRet))
	m := ir.NewModule()
	l := NewTraceLifter(arch.AArch64{}, space, m, nil)
	l.MaxInstructions = 2

	fn, err := l.Lift(0x1000)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	calls := callees(fn)
	if calls["SEM_ADD"] != 2 || calls["sub_1008"] != 1 {
		t.Errorf("Cap not enforced: %v", calls)
	}
}

func TestEliminateDeadStores(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64)
	blk := f.NewBlock("entry")
	live := blk.NewAlloca(types.I64)
	unused := blk.NewAlloca(types.I64)
	blk.NewStore(constant.NewInt(types.I64, 1), live) // overwritten
	blk.NewStore(constant.NewInt(types.I64, 2), live)
	blk.NewStore(constant.NewInt(types.I64, 3), unused) // never read
	v := blk.NewLoad(types.I64, live)
	blk.NewStore(constant.NewInt(types.I64, 4), live) // live out
	blk.NewRet(v)

	stores, allocas := eliminateDeadStores(f)
	if stores != 2 || allocas != 1 {
		t.Errorf("removed %d stores, %d allocas; want 2, 1", stores, allocas)
	}
	var kept []int64
	for _, inst := range blk.Insts {
		if st, ok := inst.(*ir.InstStore); ok {
			kept = append(kept, st.Src.(*constant.Int).X.Int64())
		}
	}
	if len(kept) != 2 || kept[0] != 2 || kept[1] != 4 {
		t.Errorf("kept stores %v, want [2 4]", kept)
	}
}

func TestOptimizeRemovesDeadFuncs(t *testing.T) {
	m := ir.NewModule()
	used := m.NewFunc("used", types.Void)
	m.NewFunc("unused", types.Void)
	dead := m.NewFunc("dead_internal", types.Void)
	dead.Linkage = enum.LinkageInternal
	dead.NewBlock("").NewRet(nil)

	root := m.NewFunc("root", types.Void)
	blk := root.NewBlock("")
	blk.NewCall(used)
	blk.NewRet(nil)

	stats, err := Optimize(m, map[uint64]*ir.Func{0: root}, PreliftGuide)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if stats.DeadFuncs != 2 {
		t.Errorf("DeadFuncs = %d, want 2", stats.DeadFuncs)
	}
	for _, f := range m.Funcs {
		if f.Name() == "unused" || f.Name() == "dead_internal" {
			t.Errorf("%s not removed", f.Name())
		}
	}
}

func TestVerify(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64)
	f.NewBlock("open")
	if err := Verify(m); err == nil {
		t.Error("Expected error for block without terminator")
	}

	m = ir.NewModule()
	f = m.NewFunc("g", types.I64)
	f.NewBlock("entry").NewRet(constant.NewInt(types.I32, 0))
	if err := Verify(m); err == nil {
		t.Error("Expected error for mismatched return type")
	}
	if _, err := Optimize(m, nil, OptimizationGuide{VerifyInput: true}); err == nil {
		t.Error("Expected Optimize to verify input")
	}
}

func TestPoolRun(t *testing.T) {
	space := sampleSpace(t)
	dir := t.TempDir()
	pool := NewPool(arch.AArch64{}, space, dir)
	pool.Concurrency = 2

	batches := [][]uint64{
		{0x1010, 0x1000},
		{0x1000, 0x1010, 0x100c, 0x1ffc}, // 0x1ffc is unmapped
		nil,
	}
	workers, err := pool.Run(batches)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(workers))
	}

	w := workers[0]
	if len(w.Lifted) != 2 || len(w.Failed) != 0 {
		t.Errorf("worker 0 lifted %d, failed %v", len(w.Lifted), w.Failed)
	}
	if w.Path != cache.Path(dir, 0x1000, 0x1010) {
		t.Errorf("path = %s", w.Path)
	}
	if workers[1].ID == w.ID {
		t.Error("Workers share a job ID")
	}
	if len(workers[1].Lifted) != 3 || len(workers[1].Failed) != 1 || workers[1].Failed[0] != 0x1ffc {
		t.Errorf("worker 1 lifted %d, failed %x", len(workers[1].Lifted), workers[1].Failed)
	}

	for _, w := range workers {
		if _, err := os.Stat(w.Path); err != nil {
			t.Fatalf("cache file missing: %v", err)
		}
		m, err := cache.Load(w.Path)
		if err != nil {
			t.Fatalf("Failed to reload %s: %v", w.Path, err)
		}
		if got := definedTraces(m); len(got) != len(w.Lifted) {
			t.Errorf("%s defines %v, want %d traces", w.Path, got, len(w.Lifted))
		}
	}
}

func TestPoolRunReplacesCache(t *testing.T) {
	space := sampleSpace(t)
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("keep"), 0o644); err != nil {
		t.Fatalf("Failed to write notes: %v", err)
	}

	pool := NewPool(arch.AArch64{}, space, dir)
	if _, err := pool.Run([][]uint64{{0x1000, 0x1010}}); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	workers, err := pool.Run([][]uint64{{0x1000}})
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to list cache: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{cache.Name(0x1000, 0x1000), "notes.txt"}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Errorf("cache holds %v, want %v", names, want)
	}
	if workers[0].Path != filepath.Join(dir, want[0]) {
		t.Errorf("path = %s", workers[0].Path)
	}

	res, err := cache.Rehydrate(dir, space)
	if err != nil {
		t.Fatalf("Failed to rehydrate: %v", err)
	}
	if res.Loaded != 1 {
		t.Errorf("rehydrate = %+v, want 1 loaded", res)
	}
	m, ok := space.Module("text")
	if !ok {
		t.Fatal("no module registered for text")
	}
	if got := definedTraces(m); len(got) != 1 || got[0] != "sub_1000" {
		t.Errorf("rehydrated module defines %v, want [sub_1000]", got)
	}
}

func TestSemanticsModule(t *testing.T) {
	base := uint64(0x1000)
	space := newSpace(t, base, code(opAdd, opRet))

	m1 := ir.NewModule()
	l := NewTraceLifter(arch.AArch64{}, space, m1, map[uint64]bool{base: true})
	if _, err := l.Lift(base); err != nil {
		t.Fatalf("Failed to lift: %v", err)
	}
	m2 := ir.NewModule()
	m2.NewFunc(SemanticName("ADD"), types.I32) // conflicting signature, seen second

	sem := SemanticsModule(m1, nil, m2)
	names := make([]string, 0, len(sem.Funcs))
	for _, f := range sem.Funcs {
		if len(f.Blocks) != 0 {
			t.Errorf("%s has a body", f.Name())
		}
		names = append(names, f.Name())
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("functions not sorted and unique: %v", names)
		}
	}

	byName := make(map[string]*ir.Func)
	for _, f := range sem.Funcs {
		byName[f.Name()] = f
	}
	for _, want := range []string{TraceName(base), SemanticName("ADD"), IntrinsicFunctionReturn} {
		if byName[want] == nil {
			t.Errorf("missing %s in %v", want, names)
		}
	}
	if add := byName[SemanticName("ADD")]; add != nil && len(add.Params) != 3 {
		t.Errorf("%s kept the later signature", add.Name())
	}
	if len(Modules([]*Worker{{Module: m1}, {}})) != 1 {
		t.Error("Modules kept a worker without a module")
	}
}
