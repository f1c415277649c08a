package emulator

import (
	"errors"
	"testing"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/liftbridge/internal/memory"
)

const codeBase = 0x10000

// MOV X0, #5; B +8; RET; MOV X1, #3; RET
var branchCode = []byte{
	0xa0, 0x00, 0x80, 0xd2, // 0x10000 MOV X0, #5
	0x02, 0x00, 0x00, 0x14, // 0x10004 B 0x1000c
	0xc0, 0x03, 0x5f, 0xd6, // 0x10008 RET (skipped)
	0x61, 0x00, 0x80, 0xd2, // 0x1000c MOV X1, #3
	0xc0, 0x03, 0x5f, 0xd6, // 0x10010 RET
}

// LDR X0, [X1]; RET
var faultCode = []byte{
	0x20, 0x00, 0x40, 0xf9,
	0xc0, 0x03, 0x5f, 0xd6,
}

func newSpace(t *testing.T, code []byte) *memory.AddressSpace {
	t.Helper()
	space := memory.New(64)
	if _, err := space.MapBytes(codeBase, code, "text", 0, memory.PermRX); err != nil {
		t.Fatalf("Failed to map code: %v", err)
	}
	if _, err := space.AddMap(codeBase+0x1000, 0x800, "data", 0); err != nil {
		t.Fatalf("Failed to map data: %v", err)
	}
	return space
}

func TestCollectBlocks(t *testing.T) {
	emu, err := New("aarch64", newSpace(t, branchCode))
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	blocks, err := emu.CollectBlocks(codeBase, 0)
	if err != nil {
		t.Fatalf("Failed to collect blocks: %v", err)
	}
	want := []uint64{codeBase, codeBase + 0xc}
	if len(blocks) != len(want) {
		t.Fatalf("Expected blocks %x, got %x", want, blocks)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d: expected 0x%x, got 0x%x", i, want[i], blocks[i])
		}
	}
	if emu.Fault() != nil {
		t.Errorf("Unexpected fault: %v", emu.Fault())
	}
	if emu.PC() != emu.Sentinel() {
		t.Errorf("Expected to stop at sentinel 0x%x, PC=0x%x", emu.Sentinel(), emu.PC())
	}
}

func TestCollectBlocksLimit(t *testing.T) {
	emu, err := New("aarch64", newSpace(t, branchCode))
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	blocks, err := emu.CollectBlocks(codeBase, 1)
	if err != nil {
		t.Fatalf("Failed to collect blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != codeBase {
		t.Errorf("Expected [0x%x], got %x", codeBase, blocks)
	}
}

func TestCollectBlocksStopsOnFault(t *testing.T) {
	emu, err := New("aarch64", newSpace(t, faultCode))
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	blocks, err := emu.CollectBlocks(codeBase, 0)
	if err != nil {
		t.Fatalf("Fault should end collection without error: %v", err)
	}
	if len(blocks) != 1 {
		t.Errorf("Expected 1 block, got %x", blocks)
	}
	f := emu.Fault()
	if f == nil || f.Addr != 0 {
		t.Errorf("Expected fault at 0, got %v", f)
	}
	if err := emu.Run(codeBase); !errors.As(err, &f) {
		t.Errorf("Run should report the fault, got %v", err)
	}
}

func TestMemoryMirrorsSpace(t *testing.T) {
	space := newSpace(t, branchCode)
	space.WriteBytes(codeBase+0x1010, []byte{0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0})

	emu, err := New("aarch64", space)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	v, err := emu.MemReadU64(codeBase + 0x1010)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("Expected 0xdeadbeef, got 0x%x", v)
	}

	// the tail of the data page is mapped even though the region is not
	if err := emu.MemWriteU64(codeBase+0x1ff0, 1); err != nil {
		t.Errorf("Failed to write page tail: %v", err)
	}
}

func TestSpans(t *testing.T) {
	space := memory.New(64)
	space.MapBytes(0x1000, make([]byte, 0x800), "a", 0, memory.PermRead)
	space.MapBytes(0x1800, make([]byte, 0x900), "b", 0, memory.PermRW)
	space.MapBytes(0x5000, make([]byte, 0x10), "c", 0, memory.PermExec)

	got := spans(space.Regions())
	want := []span{
		{0x1000, 0x3000, uc.PROT_READ | uc.PROT_WRITE},
		{0x5000, 0x6000, uc.PROT_EXEC},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d spans, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("span %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestUnsupportedArch(t *testing.T) {
	if _, err := New("mips", memory.New(32)); err == nil {
		t.Error("Expected error for unsupported architecture")
	}
}
