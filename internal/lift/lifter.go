// Package lift translates discovered traces into LLVM IR and runs the
// per-region lifting jobs that fill the prelift cache.
package lift

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zboralski/liftbridge/internal/arch"
	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
)

// DefaultMaxTraceInstructions bounds the instructions inlined into one trace.
const DefaultMaxTraceInstructions = 4096

// TraceLifter lifts traces into one module. Every trace becomes a function
//
//	i8* sub_<pc>(i8* %state, i64 %pc, i8* %memory)
//
// whose body calls one semantics function per instruction and hands
// control transfers it cannot resolve to the runtime intrinsics.
type TraceLifter struct {
	Arch       arch.Arch
	Space      *memory.AddressSpace
	Module     *ir.Module
	Intrinsics *IntrinsicTable

	// Heads are the trace entry points lifted as separate functions. A
	// direct jump to a head becomes a tail call instead of inlined code.
	Heads map[uint64]bool

	MaxInstructions int
	Log             *glog.Logger
}

// NewTraceLifter returns a lifter writing into m.
func NewTraceLifter(a arch.Arch, space *memory.AddressSpace, m *ir.Module, heads map[uint64]bool) *TraceLifter {
	if heads == nil {
		heads = make(map[uint64]bool)
	}
	return &TraceLifter{
		Arch:            a,
		Space:           space,
		Module:          m,
		Intrinsics:      NewIntrinsicTable(m),
		Heads:           heads,
		MaxInstructions: DefaultMaxTraceInstructions,
		Log:             glog.Get(),
	}
}

// traceBuilder holds the state of one Lift call.
type traceBuilder struct {
	l      *TraceLifter
	fn     *ir.Func
	entry  uint64
	state  value.Value
	pcSlot *ir.InstAlloca
	memory *ir.InstAlloca
	blocks map[uint64]*ir.Block
	work   []uint64
	count  int
	tails  int
}

// Lift lifts the trace at pc. Lifting an already defined trace returns the
// existing function. The trace is dropped if its first instruction cannot
// be read or decoded.
func (l *TraceLifter) Lift(pc uint64) (*ir.Func, error) {
	fn := l.Intrinsics.Trace(pc)
	if len(fn.Blocks) > 0 {
		return fn, nil
	}

	if _, err := l.decode(pc); err != nil {
		if !l.referenced(fn) {
			l.removeFunc(fn)
		}
		return nil, errors.Wrapf(err, "lift trace 0x%x", pc)
	}

	fn.Linkage = enum.LinkageInternal
	b := &traceBuilder{
		l:      l,
		fn:     fn,
		entry:  pc,
		state:  fn.Params[0],
		blocks: make(map[uint64]*ir.Block),
	}
	b.build()
	return fn, nil
}

func (l *TraceLifter) decode(pc uint64) (arch.Instruction, error) {
	n := l.Arch.MaxInstructionSize()
	code := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		c, ok := l.Space.LoadByte(pc + uint64(i))
		if !ok {
			break
		}
		code = append(code, c)
	}
	if len(code) == 0 {
		return arch.Instruction{}, fmt.Errorf("0x%x is not readable", pc)
	}
	return l.Arch.Decode(pc, code)
}

// referenced reports whether any instruction in the module calls f.
func (l *TraceLifter) referenced(f *ir.Func) bool {
	for _, g := range l.Module.Funcs {
		for _, blk := range g.Blocks {
			for _, inst := range blk.Insts {
				if call, ok := inst.(*ir.InstCall); ok && call.Callee == f {
					return true
				}
			}
		}
	}
	return false
}

func (l *TraceLifter) removeFunc(f *ir.Func) {
	funcs := l.Module.Funcs[:0]
	for _, g := range l.Module.Funcs {
		if g != f {
			funcs = append(funcs, g)
		}
	}
	l.Module.Funcs = funcs
	l.Intrinsics.remove(f.Name())
}

func (b *traceBuilder) build() {
	entry := b.fn.NewBlock("entry")
	b.pcSlot = entry.NewAlloca(types.I64)
	b.pcSlot.SetName("PC")
	b.memory = entry.NewAlloca(ptrType)
	b.memory.SetName("MEMORY")
	entry.NewStore(b.fn.Params[2], b.memory)
	entry.NewBr(b.block(b.entry))

	for len(b.work) > 0 {
		pc := b.work[len(b.work)-1]
		b.work = b.work[:len(b.work)-1]
		b.liftInstruction(pc, b.blocks[pc])
	}
}

// block returns the block for the instruction at pc, queueing it for
// lifting on first use.
func (b *traceBuilder) block(pc uint64) *ir.Block {
	if blk, ok := b.blocks[pc]; ok {
		return blk
	}
	blk := b.fn.NewBlock(fmt.Sprintf("inst_%x", pc))
	b.blocks[pc] = blk
	b.work = append(b.work, pc)
	return blk
}

// edge returns the block control should reach for a jump to target.
func (b *traceBuilder) edge(target uint64) *ir.Block {
	if target != b.entry && b.l.Heads[target] {
		b.tails++
		blk := b.fn.NewBlock(fmt.Sprintf("tail_%x_%d", target, b.tails))
		b.tailCall(blk, target)
		return blk
	}
	return b.block(target)
}

func (b *traceBuilder) tailCall(blk *ir.Block, target uint64) {
	callee := b.l.Intrinsics.Trace(target)
	mem := blk.NewLoad(ptrType, b.memory)
	ret := blk.NewCall(callee, b.state, i64(target), mem)
	blk.NewRet(ret)
}

// intrinsic emits a call to a control-flow intrinsic with the current PC.
func (b *traceBuilder) intrinsic(blk *ir.Block, name string) *ir.InstCall {
	pc := blk.NewLoad(types.I64, b.pcSlot)
	mem := blk.NewLoad(ptrType, b.memory)
	return blk.NewCall(b.l.Intrinsics.control(name), b.state, pc, mem)
}

func (b *traceBuilder) liftInstruction(pc uint64, blk *ir.Block) {
	blk.NewStore(i64(pc), b.pcSlot)

	inst, err := b.l.decode(pc)
	if err != nil {
		b.l.Log.Debug("missing block", glog.Ptr("trace", b.entry), glog.Addr(pc), zap.Error(err))
		blk.NewRet(b.intrinsic(blk, IntrinsicMissingBlock))
		return
	}

	b.count++
	if b.count > b.l.MaxInstructions {
		b.tailCall(blk, pc)
		return
	}

	mem := blk.NewLoad(ptrType, b.memory)
	var sem *ir.InstCall
	if inst.LoadWidth != 0 {
		val := blk.NewCall(b.l.Intrinsics.ReadMemory(inst.LoadWidth), mem, i64(inst.Load))
		sem = blk.NewCall(b.l.Intrinsics.SemanticLoad(inst.Mnemonic, inst.LoadWidth), mem, b.state, i64(pc), val)
	} else {
		sem = blk.NewCall(b.l.Intrinsics.Semantic(inst.Mnemonic), mem, b.state, i64(pc))
	}
	blk.NewStore(sem, b.memory)

	switch inst.Category {
	case arch.CategoryDirectJump:
		blk.NewStore(i64(inst.BranchTakenPC), b.pcSlot)
		blk.NewBr(b.edge(inst.BranchTakenPC))

	case arch.CategoryConditionalBranch:
		taken := blk.NewCall(b.l.Intrinsics.BranchTaken(), b.state)
		blk.NewCondBr(taken,
			b.edge(inst.BranchTakenPC),
			b.edge(inst.BranchNotTakenPC))

	case arch.CategoryDirectFunctionCall:
		callee := b.l.Intrinsics.Trace(inst.BranchTakenPC)
		cur := blk.NewLoad(ptrType, b.memory)
		ret := blk.NewCall(callee, b.state, i64(inst.BranchTakenPC), cur)
		blk.NewStore(ret, b.memory)
		blk.NewBr(b.block(inst.NextPC))

	case arch.CategoryIndirectFunctionCall:
		blk.NewStore(b.intrinsic(blk, IntrinsicFunctionCall), b.memory)
		blk.NewBr(b.block(inst.NextPC))

	case arch.CategoryAsyncHyperCall:
		blk.NewStore(b.intrinsic(blk, IntrinsicAsyncHyperCall), b.memory)
		blk.NewBr(b.block(inst.NextPC))

	case arch.CategoryIndirectJump:
		blk.NewRet(b.intrinsic(blk, IntrinsicJump))

	case arch.CategoryFunctionReturn:
		blk.NewRet(b.intrinsic(blk, IntrinsicFunctionReturn))

	case arch.CategoryError:
		blk.NewRet(b.intrinsic(blk, IntrinsicError))

	default:
		blk.NewBr(b.block(inst.NextPC))
	}
}

func i64(v uint64) *constant.Int {
	return constant.NewInt(types.I64, int64(v))
}
