package workspace

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zboralski/liftbridge/internal/memory"
)

// LoadELFBase is the base used for position-independent images.
const LoadELFBase = 0x40000000

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path     string
	Machine  elf.Machine
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address
	Segments []Segment
	BaseAddr uint64
	EndAddr  uint64

	// CodePointers are relocated pointers into executable segments.
	CodePointers []uint64
}

// Segment is a loadable ELF segment.
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // file size
	MemSz  uint64 // may exceed Size for .bss
	Flags  elf.ProgFlag
	Data   []byte
}

// Perms converts the segment flags.
func (s *Segment) Perms() memory.Perms {
	var p memory.Perms
	if s.Flags&elf.PF_R != 0 {
		p |= memory.PermRead
	}
	if s.Flags&elf.PF_W != 0 {
		p |= memory.PermWrite
	}
	if s.Flags&elf.PF_X != 0 {
		p |= memory.PermExec
	}
	return p
}

// ArchName returns the decoder name for an ELF machine.
func ArchName(m elf.Machine) (string, error) {
	switch m {
	case elf.EM_AARCH64:
		return "aarch64", nil
	case elf.EM_X86_64:
		return "amd64", nil
	}
	return "", fmt.Errorf("unsupported machine %v", m)
}

// LoadELF parses the PT_LOAD segments and symbols of path. If loadBase is 0,
// images linked at a low address are relocated to LoadELFBase; otherwise
// the image is placed at loadBase.
func LoadELF(path string, loadBase uint64) (*ELFInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if _, err := ArchName(f.Machine); err != nil {
		return nil, err
	}

	fileBase := ^uint64(0)
	fileEnd := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		fileBase = min(fileBase, prog.Vaddr)
		fileEnd = max(fileEnd, prog.Vaddr+prog.Memsz)
	}
	if fileBase == ^uint64(0) {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	var reloc uint64
	switch {
	case loadBase != 0:
		reloc = loadBase - fileBase
	case fileBase < 0x10000:
		reloc = LoadELFBase - fileBase
	}

	info := &ELFInfo{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + reloc,
		Symbols:  make(map[string]uint64),
		BaseAddr: fileBase + reloc,
		EndAddr:  fileEnd + reloc,
	}

	// strip version suffixes (name@@VER, name@VER)
	if syms, err := f.DynamicSymbols(); err == nil {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" {
				continue
			}
			name := sym.Name
			if i := strings.Index(name, "@"); i != -1 {
				name = name[:i]
			}
			info.Symbols[name] = sym.Value + reloc
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" && elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
				info.Symbols[sym.Name] = sym.Value + reloc
			}
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		seg := Segment{
			VAddr:  prog.Vaddr + reloc,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(raw)) {
			seg.Data = raw[prog.Off : prog.Off+prog.Filesz]
		}
		info.Segments = append(info.Segments, seg)
	}
	info.CodePointers = codePointers(f, reloc, info.Segments)
	return info, nil
}

// Map maps every segment of info into space. Regions are named after the
// image file and the segment index.
func (info *ELFInfo) Map(space *memory.AddressSpace) error {
	name := filepath.Base(info.Path)
	for i, seg := range info.Segments {
		data := make([]byte, seg.MemSz)
		copy(data, seg.Data)
		if _, err := space.MapBytes(seg.VAddr, data, fmt.Sprintf("%s:%d", name, i), seg.Offset, seg.Perms()); err != nil {
			return fmt.Errorf("map segment %d: %w", i, err)
		}
	}
	return nil
}

// SnapshotELF maps the image at path into a fresh address space and writes
// it to the workspace.
func (w *Workspace) SnapshotELF(path string, loadBase uint64) (*Manifest, *memory.AddressSpace, error) {
	info, err := LoadELF(path, loadBase)
	if err != nil {
		return nil, nil, err
	}
	archName, _ := ArchName(info.Machine)

	space := memory.New(64)
	if err := info.Map(space); err != nil {
		return nil, nil, err
	}

	m := &Manifest{
		Arch:    archName,
		Entry:   Hex(info.Entry),
		Symbols: make(map[string]Hex, len(info.Symbols)),
	}
	for name, addr := range info.Symbols {
		m.Symbols[name] = Hex(addr)
	}
	for _, p := range info.CodePointers {
		m.Seeds = append(m.Seeds, Hex(p))
	}
	if err := w.SaveSpace(space, m); err != nil {
		return nil, nil, err
	}
	return m, space, nil
}
