package memory

import (
	"testing"

	"github.com/llir/llvm/ir"

	"github.com/zboralski/liftbridge/internal/expr"
)

func mustMap(t *testing.T, s *AddressSpace, base, size uint64, name string) *Region {
	t.Helper()
	r, err := s.AddMap(base, size, name, 0)
	if err != nil {
		t.Fatalf("Failed to map %s: %v", name, err)
	}
	return r
}

func TestAddMapReplacesOverlap(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x3000, "a")
	mustMap(t, s, 0x2000, 0x1000, "b")

	regions := s.Regions()
	if len(regions) != 3 {
		t.Fatalf("Expected 3 regions, got %d: %v", len(regions), regions)
	}
	want := []struct {
		base, limit uint64
		name        string
	}{
		{0x1000, 0x2000, "a"},
		{0x2000, 0x3000, "b"},
		{0x3000, 0x4000, "a"},
	}
	for i, w := range want {
		r := regions[i]
		if r.Base != w.base || r.Limit != w.limit || r.Name != w.name {
			t.Errorf("Region %d = %v, want %s [0x%x, 0x%x)", i, r, w.name, w.base, w.limit)
		}
	}
	if got := regions[2].Offset; got != 0x2000 {
		t.Errorf("Split region offset = 0x%x, want 0x2000", got)
	}
}

func TestRemoveMapSplits(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x3000, "a")
	if !s.RemoveMap(0x2000, 0x1000) {
		t.Fatal("RemoveMap reported nothing removed")
	}
	if s.IsMapped(0x2000) || s.IsMapped(0x2fff) {
		t.Error("Removed range still mapped")
	}
	if !s.IsMapped(0x1fff) || !s.IsMapped(0x3000) {
		t.Error("Neighbours of removed range were unmapped")
	}
	if s.RemoveMap(0x8000, 0x1000) {
		t.Error("RemoveMap of unmapped range reported removal")
	}
}

func TestSetPermissions(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x3000, "a")
	if !s.SetPermissions(0x2000, 0x1000, PermRead) {
		t.Fatal("SetPermissions reported nothing changed")
	}
	if !s.CanWrite(0x1000) || !s.CanWrite(0x3000) {
		t.Error("Permissions changed outside range")
	}
	if s.CanWrite(0x2000) || !s.CanRead(0x2000) {
		t.Error("Permissions not applied inside range")
	}
	if s.TryWrite(0x2000, 32, 1) {
		t.Error("Write to read-only memory succeeded")
	}
	if s.SetPermissions(0x9000, 0x10, PermRWX) {
		t.Error("SetPermissions on unmapped range reported change")
	}
}

func TestTryReadWrite(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x1000, "data")
	mustMap(t, s, 0x2000, 0x1000, "next")

	for _, width := range []uint{8, 16, 32, 64} {
		val := uint64(0x1122334455667788) & expr.Mask(width)
		if !s.TryWrite(0x1800, width, val) {
			t.Fatalf("Write%d failed", width)
		}
		got, ok := s.TryRead(0x1800, width)
		if !ok || got != val {
			t.Errorf("Read%d = 0x%x, %v; want 0x%x", width, got, ok, val)
		}
	}

	// spans two regions
	if !s.TryWrite(0x1ffc, 64, 0xdeadbeefcafebabe) {
		t.Fatal("Spanning write failed")
	}
	if got, ok := s.TryRead(0x1ffc, 64); !ok || got != 0xdeadbeefcafebabe {
		t.Errorf("Spanning read = 0x%x, %v", got, ok)
	}

	if _, ok := s.TryRead(0x2ffc, 64); ok {
		t.Error("Read past end of mapping succeeded")
	}
	if s.TryWrite(0x2ffc, 64, 0) {
		t.Error("Write past end of mapping succeeded")
	}
	if got, _ := s.TryRead(0x2ff8, 32); got != 0 {
		t.Errorf("Failed write modified memory: 0x%x", got)
	}
}

func TestAddrMask(t *testing.T) {
	s := New(32)
	mustMap(t, s, 0x1000, 0x1000, "low")
	if !s.IsMapped(0xffffffff00001000) {
		t.Error("High bits not masked")
	}
	if s.AddrMask() != 0xffffffff {
		t.Errorf("AddrMask = 0x%x", s.AddrMask())
	}
}

func TestIsSameMappedRange(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x1000, "a")
	mustMap(t, s, 0x2000, 0x1000, "b")
	if !s.IsSameMappedRange(0x1000, 0x1fff) {
		t.Error("Expected same range")
	}
	if s.IsSameMappedRange(0x1fff, 0x2000) {
		t.Error("Adjacent regions reported as same range")
	}
	if s.IsSameMappedRange(0x5000, 0x5000) {
		t.Error("Unmapped address reported as same range")
	}
}

func TestFindHoleExhaustive(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x10, 0x8, "a")
	mustMap(t, s, 0x1c, 0x4, "b")
	mustMap(t, s, 0x30, 0x10, "c")

	// brute force over a small space
	free := func(a, size uint64) bool {
		for x := a; x < a+size; x++ {
			if s.IsMapped(x) {
				return false
			}
		}
		return true
	}
	for base := uint64(0); base < 0x48; base++ {
		for limit := base; limit <= 0x48; limit++ {
			for size := uint64(1); size <= 0x20; size++ {
				want, wantOK := uint64(0), false
				for a := base; a+size <= limit; a++ {
					if free(a, size) {
						want, wantOK = a, true
						break
					}
				}
				got, ok := s.FindHole(base, limit, size)
				if ok != wantOK || (ok && got != want) {
					t.Fatalf("FindHole(0x%x, 0x%x, 0x%x) = 0x%x, %v; want 0x%x, %v",
						base, limit, size, got, ok, want, wantOK)
				}
			}
		}
	}
}

func TestSymbolicOverlay(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x1000, "data")

	arr := expr.NewArray("input", 8)
	sym := expr.NewZExt(expr.NewRead(arr, 0), 64)

	c1 := s.WriteSymbolic(0x1010, arr.Name, sym)
	c2 := s.WriteSymbolic(0x1010, arr.Name, sym)
	if c1 != c2 {
		t.Error("Expected one overlay per (address, symbol)")
	}
	for addr := uint64(0x1010); addr < 0x1018; addr++ {
		cells := s.Cells(addr)
		if len(cells) != 1 {
			t.Fatalf("Expected 1 cell at 0x%x, got %d", addr, len(cells))
		}
		c := cells[0]
		if c.Whole != expr.Expr(sym) || c.Index != uint(addr-0x1010) || c.Value.Width() != expr.Width8 {
			t.Errorf("cell at 0x%x = %+v", addr, c)
		}
	}
	if _, ok := s.Overlay(0x1018); ok {
		t.Error("Overlay past the written bytes")
	}

	other := expr.NewArray("other", 1)
	s.WriteSymbolic(0x1010, other.Name, expr.NewRead(other, 0))
	if cell, _ := s.Overlay(0x1010); cell.Symbol != "other" {
		t.Errorf("Most recent overlay = %s, want other", cell.Symbol)
	}
	if cell, ok := s.OverlayFunc(0x1010, func(name string) bool { return name == "input" }); !ok || cell.Symbol != "input" {
		t.Errorf("OverlayFunc = %v, %v; want the input cell", cell, ok)
	}

	// a concrete store flows into the overlays of every byte it covers
	if !s.TryWrite(0x1010, 16, 0x4342) {
		t.Fatal("Concrete write failed")
	}
	for addr, want := range map[uint64]uint64{0x1010: 0x42, 0x1011: 0x43} {
		for _, cell := range s.Cells(addr) {
			c, ok := cell.Value.(*expr.Constant)
			if !ok || c.Value != want || cell.Whole != nil {
				t.Errorf("%s cell at 0x%x after concrete write = %v", cell.Symbol, addr, cell.Value)
			}
		}
	}
	if cell, _ := s.Overlay(0x1012); cell.Whole != expr.Expr(sym) {
		t.Error("Concrete write touched a byte past its width")
	}

	s.RemoveMap(0x1000, 0x1000)
	if _, ok := s.Overlay(0x1010); ok {
		t.Error("Overlay survived unmap")
	}
}

func TestMapDropsOverlays(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x1000, "data")
	s.WriteSymbolic(0x1100, "x", expr.NewRead(expr.NewArray("x", 1), 0))

	mustMap(t, s, 0x1000, 0x1000, "fresh")
	if _, ok := s.Overlay(0x1100); ok {
		t.Error("Overlay survived a remap of its range")
	}
}

func TestCopyCells(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x1000, "data")
	v := expr.NewZExt(expr.NewRead(expr.NewArray("k", 2), 0), 16)
	s.WriteSymbolic(0x1000, "k", v)

	s.CopyCells(0x1800, 0x1000, 4)
	for i := uint64(0); i < 2; i++ {
		c, ok := s.Overlay(0x1800 + i)
		if !ok || c.Whole != v || c.Index != uint(i) || c.Addr != 0x1800+i {
			t.Errorf("copied cell %d = %+v", i, c)
		}
	}
	if _, ok := s.Overlay(0x1802); ok {
		t.Error("CopyCells created a cell for a concrete byte")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New(64)
	mustMap(t, s, 0x1000, 0x1000, "data")
	s.TryWrite(0x1000, 32, 7)
	s.SetModule("data", ir.NewModule())

	c := s.Clone()
	c.TryWrite(0x1000, 32, 9)
	c.RemoveMap(0x1800, 0x800)

	if v, _ := s.TryRead(0x1000, 32); v != 7 {
		t.Errorf("Original modified through clone: %d", v)
	}
	if !s.IsMapped(0x1800) {
		t.Error("Original unmapped through clone")
	}
	if _, ok := c.Module("data"); !ok {
		t.Error("Clone lost module table")
	}
}

func TestParsePerms(t *testing.T) {
	tests := map[string]Perms{
		"r-x":  PermRX,
		"rw-":  PermRW,
		"rwxp": PermRWX,
		"---":  PermNone,
	}
	for in, want := range tests {
		got, err := ParsePerms(in)
		if err != nil || got != want {
			t.Errorf("ParsePerms(%q) = %v, %v; want %v", in, got, err, want)
		}
		if in != "rwxp" && got.String() != in {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), in)
		}
	}
	if _, err := ParsePerms("rwz"); err == nil {
		t.Error("Expected error for invalid permission")
	}
}
