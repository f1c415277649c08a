package arch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// AMD64 decodes x86-64 instructions.
type AMD64 struct{}

func (AMD64) Name() string            { return "amd64" }
func (AMD64) AddressBits() uint       { return 64 }
func (AMD64) MaxInstructionSize() int { return 15 }

// Decode decodes the instruction at pc from code.
func (AMD64) Decode(pc uint64, code []byte) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w at 0x%x: %v", ErrInvalid, pc, err)
	}

	next := pc + uint64(inst.Len)
	text := x86asm.GNUSyntax(inst, pc, nil)
	out := Instruction{
		PC:       pc,
		NextPC:   next,
		Size:     inst.Len,
		Category: CategoryNormal,
		Mnemonic: inst.Op.String(),
		Text:     text,
		Bytes:    append([]byte(nil), code[:inst.Len]...),
	}

	rel, direct := inst.Args[0].(x86asm.Rel)
	target := next + uint64(int64(rel))

	switch inst.Op {
	case x86asm.CALL:
		if direct {
			out.Category = CategoryDirectFunctionCall
			out.BranchTakenPC = target
		} else {
			out.Category = CategoryIndirectFunctionCall
		}
	case x86asm.JMP:
		if direct {
			out.Category = CategoryDirectJump
			out.BranchTakenPC = target
		} else {
			out.Category = CategoryIndirectJump
		}
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		out.Category = CategoryConditionalBranch
		out.BranchTakenPC = target
		out.BranchNotTakenPC = next
	case x86asm.RET, x86asm.LRET:
		out.Category = CategoryFunctionReturn
	case x86asm.NOP:
		out.Category = CategoryNoOp
	case x86asm.SYSCALL, x86asm.SYSENTER, x86asm.INT:
		out.Category = CategoryAsyncHyperCall
	case x86asm.HLT, x86asm.UD1, x86asm.UD2, x86asm.IRETQ:
		out.Category = CategoryError
	}
	return out, nil
}
