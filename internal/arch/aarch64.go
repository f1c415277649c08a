package arch

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// AArch64 decodes 64-bit ARM instructions.
type AArch64 struct{}

func (AArch64) Name() string            { return "aarch64" }
func (AArch64) AddressBits() uint       { return 64 }
func (AArch64) MaxInstructionSize() int { return 4 }

// Decode decodes the instruction at pc from code.
func (AArch64) Decode(pc uint64, code []byte) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, fmt.Errorf("%w at 0x%x: truncated", ErrInvalid, pc)
	}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return Instruction{}, fmt.Errorf("%w at 0x%x: .word 0x%08x: %v",
			ErrInvalid, pc, binary.LittleEndian.Uint32(code), err)
	}

	text := inst.String()
	out := Instruction{
		PC:       pc,
		NextPC:   pc + 4,
		Size:     4,
		Category: CategoryNormal,
		Mnemonic: mnemonic(text),
		Text:     text,
		Bytes:    append([]byte(nil), code[:4]...),
	}

	target, hasTarget := arm64Target(pc, inst)
	switch inst.Op {
	case arm64asm.B:
		if _, ok := inst.Args[0].(arm64asm.Cond); ok {
			out.Category = CategoryConditionalBranch
			out.BranchNotTakenPC = out.NextPC
		} else {
			out.Category = CategoryDirectJump
		}
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		out.Category = CategoryConditionalBranch
		out.BranchNotTakenPC = out.NextPC
	case arm64asm.BL:
		out.Category = CategoryDirectFunctionCall
	case arm64asm.BLR:
		out.Category = CategoryIndirectFunctionCall
	case arm64asm.BR:
		out.Category = CategoryIndirectJump
	case arm64asm.RET:
		out.Category = CategoryFunctionReturn
	case arm64asm.NOP:
		out.Category = CategoryNoOp
	case arm64asm.SVC:
		out.Category = CategoryAsyncHyperCall
	case arm64asm.BRK, arm64asm.HLT, arm64asm.ERET:
		out.Category = CategoryError
	case arm64asm.LDR:
		// literal pool load
		r, ok := inst.Args[0].(arm64asm.Reg)
		if !hasTarget || !ok {
			return out, nil
		}
		switch name := r.String(); {
		case strings.HasPrefix(name, "X"):
			out.Load, out.LoadWidth = target, 64
		case strings.HasPrefix(name, "W"):
			out.Load, out.LoadWidth = target, 32
		}
		return out, nil
	}
	if hasTarget && out.Category != CategoryNormal {
		out.BranchTakenPC = target
	}
	return out, nil
}

// arm64Target returns the PC-relative branch target of inst, if any.
func arm64Target(pc uint64, inst arm64asm.Inst) (uint64, bool) {
	for _, a := range inst.Args {
		if rel, ok := a.(arm64asm.PCRel); ok {
			return pc + uint64(int64(rel)), true
		}
	}
	return 0, false
}
