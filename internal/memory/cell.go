package memory

import (
	"github.com/zboralski/liftbridge/internal/expr"
)

// Cell is the symbolic overlay of one byte. Once a byte has a cell, reads
// of that byte are served from it instead of the region bytes.
//
// Whole is the value whose byte Index the cell holds, so a read covering
// exactly the bytes of one write returns that write's expression. A
// concrete store into the byte clears Whole.
type Cell struct {
	Addr   uint64
	Symbol string
	Value  expr.Expr // 8 bits
	Whole  expr.Expr
	Index  uint
}

// WriteSymbolic stores value over the bytes [addr, addr+width/8) in the
// overlays named symbol, creating them on first use. Values narrower than
// a byte are zero-extended. It returns the cell of the first byte.
func (s *AddressSpace) WriteSymbolic(addr uint64, symbol string, value expr.Expr) *Cell {
	if value.Width() < expr.Width8 {
		value = expr.NewZExt(value, expr.Width8)
	}
	n := value.Width() / 8
	var first *Cell
	for i := uint(0); i < n; i++ {
		c := s.putCell(s.Mask(addr+uint64(i)), symbol)
		c.Value = expr.NewExtract(value, 8*i, expr.Width8)
		c.Whole = value
		c.Index = i
		if i == 0 {
			first = c
		}
	}
	return first
}

// putCell returns the cell for (addr, symbol), moved to the top of the
// byte's overlay stack.
func (s *AddressSpace) putCell(addr uint64, symbol string) *Cell {
	cells := s.cells[addr]
	for i, c := range cells {
		if c.Symbol == symbol {
			copy(cells[i:], cells[i+1:])
			cells[len(cells)-1] = c
			return c
		}
	}
	c := &Cell{Addr: addr, Symbol: symbol}
	s.cells[addr] = append(cells, c)
	return c
}

// Overlay returns the most recently written cell at addr.
func (s *AddressSpace) Overlay(addr uint64) (*Cell, bool) {
	cells := s.cells[s.Mask(addr)]
	if len(cells) == 0 {
		return nil, false
	}
	return cells[len(cells)-1], true
}

// OverlayFunc returns the most recently written cell at addr whose symbol
// accept reports. A nil accept takes any cell.
func (s *AddressSpace) OverlayFunc(addr uint64, accept func(symbol string) bool) (*Cell, bool) {
	cells := s.cells[s.Mask(addr)]
	for i := len(cells) - 1; i >= 0; i-- {
		if accept == nil || accept(cells[i].Symbol) {
			return cells[i], true
		}
	}
	return nil, false
}

// Cells returns every overlay at addr, oldest first.
func (s *AddressSpace) Cells(addr uint64) []*Cell {
	return append([]*Cell(nil), s.cells[s.Mask(addr)]...)
}

// CopyCells duplicates the overlays of [src, src+n) onto [dst, dst+n).
func (s *AddressSpace) CopyCells(dst, src, n uint64) {
	for i := uint64(0); i < n; i++ {
		for _, c := range s.cells[s.Mask(src+i)] {
			d := s.putCell(s.Mask(dst+i), c.Symbol)
			d.Value, d.Whole, d.Index = c.Value, c.Whole, c.Index
		}
	}
}

// storeConcrete makes the overlays of each written byte hold the new
// concrete byte.
func (s *AddressSpace) storeConcrete(addr uint64, data []byte) {
	if len(s.cells) == 0 {
		return
	}
	for i, b := range data {
		for _, c := range s.cells[s.Mask(addr+uint64(i))] {
			c.Value = expr.NewConstant(uint64(b), expr.Width8)
			c.Whole = nil
			c.Index = 0
		}
	}
}

// dropCells deletes the overlays in [base, end).
func (s *AddressSpace) dropCells(base, end uint64) {
	for addr := range s.cells {
		if addr >= base && addr < end {
			delete(s.cells, addr)
		}
	}
}
