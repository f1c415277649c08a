// Package arch decodes machine instructions into the control-flow
// categories used by discovery and lifting.
package arch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is returned when bytes do not decode to an instruction.
var ErrInvalid = errors.New("invalid instruction")

// Category classifies an instruction by its effect on control flow.
type Category uint8

const (
	CategoryInvalid Category = iota
	CategoryNormal
	CategoryNoOp
	CategoryError
	CategoryDirectJump
	CategoryIndirectJump
	CategoryConditionalBranch
	CategoryDirectFunctionCall
	CategoryIndirectFunctionCall
	CategoryFunctionReturn
	CategoryAsyncHyperCall
)

var categoryNames = [...]string{
	CategoryInvalid:              "invalid",
	CategoryNormal:               "normal",
	CategoryNoOp:                 "nop",
	CategoryError:                "error",
	CategoryDirectJump:           "jump",
	CategoryIndirectJump:         "indirect-jump",
	CategoryConditionalBranch:    "cond-branch",
	CategoryDirectFunctionCall:   "call",
	CategoryIndirectFunctionCall: "indirect-call",
	CategoryFunctionReturn:       "return",
	CategoryAsyncHyperCall:       "hypercall",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category<%d>", int(c))
}

// IsControlFlow reports whether c ends a straight-line run of code.
func (c Category) IsControlFlow() bool {
	switch c {
	case CategoryDirectJump, CategoryIndirectJump, CategoryConditionalBranch,
		CategoryDirectFunctionCall, CategoryIndirectFunctionCall, CategoryFunctionReturn:
		return true
	}
	return false
}

// Instruction is one decoded instruction.
type Instruction struct {
	PC       uint64
	NextPC   uint64
	Size     int
	Category Category

	// BranchTakenPC is the target of direct jumps, calls and conditional
	// branches. BranchNotTakenPC is the fall-through of conditional branches.
	BranchTakenPC    uint64
	BranchNotTakenPC uint64

	// Load is the address of a statically known memory read, such as a
	// literal pool load, and LoadWidth its size in bits. Zero if none.
	Load      uint64
	LoadWidth uint

	Mnemonic string // upper case, e.g. "ADD", "B.EQ"
	Text     string // full disassembly
	Bytes    []byte
}

func (i Instruction) String() string {
	return fmt.Sprintf("0x%x: %s", i.PC, i.Text)
}

// Arch decodes instructions for one instruction set.
type Arch interface {
	Name() string
	AddressBits() uint
	MaxInstructionSize() int
	Decode(pc uint64, code []byte) (Instruction, error)
}

// Get returns the decoder for an architecture name.
func Get(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "aarch64", "arm64":
		return AArch64{}, nil
	case "amd64", "x86_64", "x86-64":
		return AMD64{}, nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}

func mnemonic(text string) string {
	f := strings.Fields(text)
	if len(f) == 0 {
		return ""
	}
	return strings.ToUpper(f[0])
}
