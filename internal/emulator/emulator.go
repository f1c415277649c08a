// Package emulator runs snapshotted code under Unicorn Engine and records
// the basic blocks it reaches, to seed trace discovery.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sort"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"

	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
)

// Memory layout constants
const (
	PageSize  = 0x1000
	StackSize = 0x00100000 // 1MB stack

	// The stack and the return sentinel page are placed in the first hole
	// of this window.
	ReserveBase  = 0x70000000
	ReserveLimit = 0xf0000000

	stackRedZone = 0x100
)

// Fault describes the invalid memory access that ended a run.
type Fault struct {
	Access int
	Addr   uint64
	Size   int
}

func (f *Fault) Error() string {
	return fmt.Sprintf("invalid memory access %s at 0x%x (size %d)", accessName(f.Access), f.Addr, f.Size)
}

func accessName(access int) string {
	switch access {
	case uc.MEM_READ_UNMAPPED:
		return "read unmapped"
	case uc.MEM_WRITE_UNMAPPED:
		return "write unmapped"
	case uc.MEM_FETCH_UNMAPPED:
		return "fetch unmapped"
	case uc.MEM_READ_PROT:
		return "read protected"
	case uc.MEM_WRITE_PROT:
		return "write protected"
	case uc.MEM_FETCH_PROT:
		return "fetch protected"
	}
	return fmt.Sprintf("type %d", access)
}

// BlockHookFunc is called for each basic block entered.
type BlockHookFunc func(emu *Emulator, addr uint64, size uint32)

// Emulator wraps Unicorn over a copy of an AddressSpace.
type Emulator struct {
	mu   uc.Unicorn
	arch string
	Log  *glog.Logger

	stackBase uint64
	sentinel  uint64

	blockHooks []BlockHookFunc
	fault      *Fault

	// per-run block collection
	blocks []uint64
	seen   map[uint64]bool
	max    int
}

// New creates an emulator for arch ("aarch64" or "amd64") with every
// region of space mapped.
func New(arch string, space *memory.AddressSpace) (*Emulator, error) {
	var (
		mu  uc.Unicorn
		err error
	)
	switch arch {
	case "aarch64":
		mu, err = uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	case "amd64":
		mu, err = uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	default:
		return nil, fmt.Errorf("emulator: unsupported architecture %q", arch)
	}
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:   mu,
		arch: arch,
		Log:  glog.Get().WithCategory("emulator"),
	}
	if err := emu.mapSpace(space); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.mapStack(space); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

func pageDown(a uint64) uint64 { return a &^ (PageSize - 1) }
func pageUp(a uint64) uint64   { return (a + PageSize - 1) &^ (PageSize - 1) }

func prot(p memory.Perms) int {
	var out int
	if p&memory.PermRead != 0 {
		out |= uc.PROT_READ
	}
	if p&memory.PermWrite != 0 {
		out |= uc.PROT_WRITE
	}
	if p&memory.PermExec != 0 {
		out |= uc.PROT_EXEC
	}
	return out
}

// span is a page-aligned range to map.
type span struct {
	base, limit uint64
	prot        int
}

// spans widens each region to page boundaries. Regions sharing a page are
// merged and get the union of their protections.
func spans(regions []*memory.Region) []span {
	sorted := append([]*memory.Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	var out []span
	for _, r := range sorted {
		s := span{base: pageDown(r.Base), limit: pageUp(r.Limit), prot: prot(r.Perms)}
		if n := len(out); n > 0 && s.base < out[n-1].limit {
			last := &out[n-1]
			last.limit = max(last.limit, s.limit)
			last.prot |= s.prot
			continue
		}
		out = append(out, s)
	}
	return out
}

// mapSpace maps the regions of space and copies their contents.
func (e *Emulator) mapSpace(space *memory.AddressSpace) error {
	for _, s := range spans(space.Regions()) {
		if err := e.mu.MemMapProt(s.base, s.limit-s.base, s.prot); err != nil {
			return fmt.Errorf("map 0x%x-0x%x: %w", s.base, s.limit, err)
		}
	}
	for _, r := range space.Regions() {
		data := r.Data()
		if len(data) == 0 {
			continue
		}
		if err := e.mu.MemWrite(r.Base, data); err != nil {
			return fmt.Errorf("write %s: %w", r.Name, err)
		}
	}
	return nil
}

// mapStack reserves the stack and, right above it, the sentinel page that
// entry functions return to.
func (e *Emulator) mapStack(space *memory.AddressSpace) error {
	need := uint64(StackSize + PageSize)
	hole, ok := space.FindHole(ReserveBase, ReserveLimit, need+PageSize)
	if !ok {
		return fmt.Errorf("no room for a 0x%x byte stack in [0x%x, 0x%x)", StackSize, ReserveBase, ReserveLimit)
	}
	e.stackBase = pageUp(hole)
	e.sentinel = e.stackBase + StackSize

	if err := e.mu.MemMapProt(e.stackBase, StackSize, uc.PROT_READ|uc.PROT_WRITE); err != nil {
		return fmt.Errorf("map stack (0x%x): %w", e.stackBase, err)
	}
	if err := e.mu.MemMapProt(e.sentinel, PageSize, uc.PROT_READ|uc.PROT_EXEC); err != nil {
		return fmt.Errorf("map sentinel (0x%x): %w", e.sentinel, err)
	}
	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	if _, err := e.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
		for _, h := range e.blockHooks {
			h(e, addr, size)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("register block hook: %w", err)
	}

	if _, err := e.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		e.fault = &Fault{Access: access, Addr: addr, Size: size}
		e.Log.Debug("invalid access", zap.String("access", accessName(access)), glog.Addr(addr), zap.Int("size", size))
		return false
	}, 1, 0); err != nil {
		return fmt.Errorf("register invalid memory hook: %w", err)
	}
	return nil
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Arch returns the emulated architecture name.
func (e *Emulator) Arch() string { return e.arch }

// Sentinel returns the address entry functions return to.
func (e *Emulator) Sentinel() uint64 { return e.sentinel }

// StackTop returns the initial stack pointer.
func (e *Emulator) StackTop() uint64 {
	return e.stackBase + StackSize - stackRedZone
}

// Fault returns the invalid access that ended the last run, if any.
func (e *Emulator) Fault() *Fault { return e.fault }

// HookBlock adds a hook called for every basic block.
func (e *Emulator) HookBlock(fn BlockHookFunc) {
	e.blockHooks = append(e.blockHooks, fn)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	reg := uc.ARM64_REG_PC
	if e.arch == "amd64" {
		reg = uc.X86_REG_RIP
	}
	pc, _ := e.mu.RegRead(reg)
	return pc
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	reg := uc.ARM64_REG_SP
	if e.arch == "amd64" {
		reg = uc.X86_REG_RSP
	}
	sp, _ := e.mu.RegRead(reg)
	return sp
}

// resetFrame points the stack at a fresh frame whose return address is
// the sentinel.
func (e *Emulator) resetFrame() error {
	sp := e.StackTop()
	switch e.arch {
	case "aarch64":
		if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
			return fmt.Errorf("set SP: %w", err)
		}
		if err := e.mu.RegWrite(uc.ARM64_REG_LR, e.sentinel); err != nil {
			return fmt.Errorf("set LR: %w", err)
		}
	case "amd64":
		sp -= 8
		if err := e.MemWriteU64(sp, e.sentinel); err != nil {
			return fmt.Errorf("push return address: %w", err)
		}
		if err := e.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
			return fmt.Errorf("set RSP: %w", err)
		}
	}
	return nil
}

// Run starts emulation at start with a fresh frame and stops on return
// to the sentinel, an invalid access or Stop.
func (e *Emulator) Run(start uint64) error {
	e.fault = nil
	if err := e.resetFrame(); err != nil {
		return err
	}
	err := e.mu.Start(start, e.sentinel)
	if e.fault != nil {
		return e.fault
	}
	return err
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.mu.Stop()
}

// CollectBlocks runs from entry and returns the addresses of the distinct
// basic blocks entered, in first-seen order. Collection ends after max
// blocks (0 means no limit), on return to the sentinel, or at the first
// invalid access; none of these is an error.
func (e *Emulator) CollectBlocks(entry uint64, maxBlocks int) ([]uint64, error) {
	e.blocks = nil
	e.seen = make(map[uint64]bool)
	e.max = maxBlocks
	e.HookBlock(e.collect)
	defer func() { e.blockHooks = e.blockHooks[:len(e.blockHooks)-1] }()

	err := e.Run(entry)
	if f := e.Fault(); f != nil {
		e.Log.Info("emulation stopped", zap.Error(f), zap.Int("blocks", len(e.blocks)))
		err = nil
	}
	if err != nil && len(e.blocks) == 0 {
		return nil, fmt.Errorf("emulate from 0x%x: %w", entry, err)
	}
	if err != nil {
		e.Log.Info("emulation stopped", zap.Error(err), zap.Int("blocks", len(e.blocks)))
	}
	return e.blocks, nil
}

func (e *Emulator) collect(emu *Emulator, addr uint64, size uint32) {
	if addr == e.sentinel {
		return
	}
	if !e.seen[addr] {
		e.seen[addr] = true
		e.blocks = append(e.blocks, addr)
	}
	if e.max > 0 && len(e.blocks) >= e.max {
		emu.Stop()
	}
}
