package lift

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

// Names of the runtime intrinsics lifted code calls into.
const (
	IntrinsicError          = "__remill_error"
	IntrinsicFunctionCall   = "__remill_function_call"
	IntrinsicFunctionReturn = "__remill_function_return"
	IntrinsicJump           = "__remill_jump"
	IntrinsicMissingBlock   = "__remill_missing_block"
	IntrinsicAsyncHyperCall = "__remill_async_hyper_call"
	IntrinsicBranchTaken    = "__remill_branch_taken"
)

// ReadMemoryIntrinsic returns the name of the width-bit read intrinsic.
func ReadMemoryIntrinsic(width uint) string {
	return fmt.Sprintf("__remill_read_memory_%d", width)
}

// WriteMemoryIntrinsic returns the name of the width-bit write intrinsic.
func WriteMemoryIntrinsic(width uint) string {
	return fmt.Sprintf("__remill_write_memory_%d", width)
}

// TraceName returns the IR function name of the trace at pc.
func TraceName(pc uint64) string {
	return fmt.Sprintf("sub_%x", pc)
}

var (
	ptrType = types.NewPointer(types.I8)
)

// IntrinsicTable declares runtime intrinsics and instruction semantics in
// one module on demand. It is owned by a single worker.
type IntrinsicTable struct {
	m     *ir.Module
	funcs map[string]*ir.Func
}

// NewIntrinsicTable indexes the functions already present in m.
func NewIntrinsicTable(m *ir.Module) *IntrinsicTable {
	t := &IntrinsicTable{m: m, funcs: make(map[string]*ir.Func)}
	for _, f := range m.Funcs {
		t.funcs[f.Name()] = f
	}
	return t
}

// Lookup returns the function named name, if declared.
func (t *IntrinsicTable) Lookup(name string) (*ir.Func, bool) {
	f, ok := t.funcs[name]
	return f, ok
}

func (t *IntrinsicTable) declare(name string, ret types.Type, params ...*ir.Param) *ir.Func {
	if f, ok := t.funcs[name]; ok {
		return f
	}
	f := t.m.NewFunc(name, ret, params...)
	t.funcs[name] = f
	return f
}

// Trace declares (or returns) the function for the trace at pc. A trace
// function has the same signature as the control-flow intrinsics.
func (t *IntrinsicTable) Trace(pc uint64) *ir.Func {
	return t.control(TraceName(pc))
}

// control declares a control-flow intrinsic: (state, pc, memory) -> memory.
func (t *IntrinsicTable) control(name string) *ir.Func {
	return t.declare(name, ptrType,
		ir.NewParam("state", ptrType),
		ir.NewParam("pc", types.I64),
		ir.NewParam("memory", ptrType),
	)
}

// BranchTaken declares the intrinsic that evaluates a conditional branch.
func (t *IntrinsicTable) BranchTaken() *ir.Func {
	return t.declare(IntrinsicBranchTaken, types.I1, ir.NewParam("state", ptrType))
}

// Semantic declares the semantics function for an instruction mnemonic:
// (memory, state, pc) -> memory.
func (t *IntrinsicTable) Semantic(mnemonic string) *ir.Func {
	return t.declare(SemanticName(mnemonic), ptrType,
		ir.NewParam("memory", ptrType),
		ir.NewParam("state", ptrType),
		ir.NewParam("pc", types.I64),
	)
}

// SemanticLoad declares the semantics function for an instruction whose
// memory operand was read ahead of time: (memory, state, pc, iN) -> memory.
func (t *IntrinsicTable) SemanticLoad(mnemonic string, width uint) *ir.Func {
	return t.declare(fmt.Sprintf("%s_MEM%d", SemanticName(mnemonic), width), ptrType,
		ir.NewParam("memory", ptrType),
		ir.NewParam("state", ptrType),
		ir.NewParam("pc", types.I64),
		ir.NewParam("value", types.NewInt(uint64(width))),
	)
}

// ReadMemory declares the width-bit read intrinsic: (memory, addr) -> iN.
func (t *IntrinsicTable) ReadMemory(width uint) *ir.Func {
	return t.declare(ReadMemoryIntrinsic(width), types.NewInt(uint64(width)),
		ir.NewParam("memory", ptrType),
		ir.NewParam("addr", types.I64),
	)
}

// remove forgets a function removed from the module.
func (t *IntrinsicTable) remove(name string) {
	delete(t.funcs, name)
}

// SemanticName returns the semantics function name for a mnemonic.
func SemanticName(mnemonic string) string {
	if mnemonic == "" {
		mnemonic = "UNKNOWN"
	}
	r := strings.NewReplacer(".", "_", " ", "_", "{", "", "}", "")
	return "SEM_" + r.Replace(strings.ToUpper(mnemonic))
}
