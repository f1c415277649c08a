// Package expr is the small symbolic value model shared by the memory model
// and the bridge. It is not a solver: it only carries values written by
// translated code so they can be read back without concretization.
package expr

import (
	"fmt"
)

// Common widths in bits.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

// Expr represents a concrete or symbolic value of a fixed bit width.
type Expr interface {
	Width() uint
	String() string
	expr()
}

func (*Constant) expr() {}
func (*Array) expr()    {}
func (*Read) expr()     {}
func (*Binary) expr()   {}
func (*Extract) expr()  {}
func (*ZExt) expr()     {}
func (*Concat) expr()   {}

// Constant is a concrete value of up to 64 bits.
type Constant struct {
	Value uint64
	W     uint
}

// NewConstant returns a constant truncated to width bits.
func NewConstant(value uint64, width uint) *Constant {
	return &Constant{Value: value & Mask(width), W: width}
}

// AllOnes returns the all-ones constant of the given width.
func AllOnes(width uint) *Constant {
	return NewConstant(^uint64(0), width)
}

func (c *Constant) Width() uint    { return c.W }
func (c *Constant) String() string { return fmt.Sprintf("(w%d 0x%x)", c.W, c.Value) }

// Array is a named symbolic byte array, the root of every symbolic value.
type Array struct {
	Name string
	Size uint64
}

// NewArray returns a new symbolic array.
func NewArray(name string, size uint64) *Array {
	return &Array{Name: name, Size: size}
}

func (a *Array) Width() uint    { return Width8 }
func (a *Array) String() string { return a.Name }

// Read is one byte of an Array at Index.
type Read struct {
	Array *Array
	Index Expr
}

// NewRead returns a byte read of arr at a constant index.
func NewRead(arr *Array, index uint64) *Read {
	return &Read{Array: arr, Index: NewConstant(index, Width32)}
}

func (r *Read) Width() uint    { return Width8 }
func (r *Read) String() string { return fmt.Sprintf("(read %s %s)", r.Array.Name, r.Index) }

// BinaryOp represents a binary expression operation.
type BinaryOp int

// Binary operations.
const (
	Add BinaryOp = iota
	Sub
	And
	Or
	Xor
	Shl
	LShr
)

var binaryOps = [...]string{
	Add:  "add",
	Sub:  "sub",
	And:  "and",
	Or:   "or",
	Xor:  "xor",
	Shl:  "shl",
	LShr: "lshr",
}

// String returns the string representation of the operation.
func (op BinaryOp) String() string {
	if op >= 0 && int(op) < len(binaryOps) {
		return binaryOps[op]
	}
	return fmt.Sprintf("BinaryOp<%d>", int(op))
}

// Binary applies Op to two operands of equal width.
type Binary struct {
	Op  BinaryOp
	LHS Expr
	RHS Expr
}

// NewBinary returns op(lhs, rhs), folded when both sides are constant.
func NewBinary(op BinaryOp, lhs, rhs Expr) Expr {
	l, lok := lhs.(*Constant)
	r, rok := rhs.(*Constant)
	if lok && rok {
		return NewConstant(fold(op, l.Value, r.Value, l.W), l.W)
	}
	return &Binary{Op: op, LHS: lhs, RHS: rhs}
}

func fold(op BinaryOp, a, b uint64, width uint) uint64 {
	switch op {
	case Add:
		return a + b
	case Sub:
		return a - b
	case And:
		return a & b
	case Or:
		return a | b
	case Xor:
		return a ^ b
	case Shl:
		if b >= uint64(width) {
			return 0
		}
		return a << b
	case LShr:
		if b >= uint64(width) {
			return 0
		}
		return a >> b
	}
	panic(fmt.Sprintf("expr: unknown op %d", int(op)))
}

func (b *Binary) Width() uint { return b.LHS.Width() }
func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Op, b.LHS, b.RHS)
}

// Extract selects Width bits of Expr starting at bit Offset.
type Extract struct {
	Expr   Expr
	Offset uint
	W      uint
}

// NewExtract returns bits [offset, offset+width) of e.
func NewExtract(e Expr, offset, width uint) Expr {
	if c, ok := e.(*Constant); ok {
		return NewConstant(c.Value>>offset, width)
	}
	if offset == 0 && width == e.Width() {
		return e
	}
	return &Extract{Expr: e, Offset: offset, W: width}
}

func (e *Extract) Width() uint { return e.W }
func (e *Extract) String() string {
	return fmt.Sprintf("(extract %d %d %s)", e.Offset, e.W, e.Expr)
}

// ZExt zero-extends Expr to W bits.
type ZExt struct {
	Expr Expr
	W    uint
}

// NewZExt returns e zero-extended to width bits.
func NewZExt(e Expr, width uint) Expr {
	if c, ok := e.(*Constant); ok {
		return NewConstant(c.Value, width)
	}
	if e.Width() == width {
		return e
	}
	return &ZExt{Expr: e, W: width}
}

func (z *ZExt) Width() uint    { return z.W }
func (z *ZExt) String() string { return fmt.Sprintf("(zext %d %s)", z.W, z.Expr) }

// Concat joins MSB above LSB.
type Concat struct {
	MSB Expr
	LSB Expr
}

// NewConcat returns msb:lsb, folded when both halves are constant.
func NewConcat(msb, lsb Expr) Expr {
	m, mok := msb.(*Constant)
	l, lok := lsb.(*Constant)
	if mok && lok && m.W+l.W <= Width64 {
		return NewConstant(m.Value<<l.W|l.Value, m.W+l.W)
	}
	return &Concat{MSB: msb, LSB: lsb}
}

func (c *Concat) Width() uint    { return c.MSB.Width() + c.LSB.Width() }
func (c *Concat) String() string { return fmt.Sprintf("(concat %s %s)", c.MSB, c.LSB) }

// IsConstant reports whether e is a concrete value.
func IsConstant(e Expr) bool {
	_, ok := e.(*Constant)
	return ok
}

// Root returns the first symbolic array e depends on.
func Root(e Expr) (*Array, bool) {
	switch e := e.(type) {
	case *Array:
		return e, true
	case *Read:
		return e.Array, true
	case *Binary:
		if a, ok := Root(e.LHS); ok {
			return a, true
		}
		return Root(e.RHS)
	case *Extract:
		return Root(e.Expr)
	case *ZExt:
		return Root(e.Expr)
	case *Concat:
		if a, ok := Root(e.MSB); ok {
			return a, true
		}
		return Root(e.LSB)
	}
	return nil, false
}

// Mask returns a mask of the low width bits.
func Mask(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}
