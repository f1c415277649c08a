package workspace

import (
	"debug/elf"
	"sort"
)

const relaEntSize = 24

// relocTarget resolves a 64-bit RELA entry the way the dynamic linker
// would. ok is false for types that do not produce an absolute pointer.
func relocTarget(m elf.Machine, typ uint32, sym *elf.Symbol, addend int64, reloc uint64) (uint64, bool) {
	symValue := func() (uint64, bool) {
		if sym == nil || sym.Value == 0 {
			return 0, false
		}
		return sym.Value + reloc, true
	}

	switch m {
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_RELATIVE:
			return reloc + uint64(addend), true
		case elf.R_AARCH64_ABS64:
			if v, ok := symValue(); ok {
				return v + uint64(addend), true
			}
			return reloc + uint64(addend), true
		case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
			return symValue()
		}
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_RELATIVE:
			return reloc + uint64(addend), true
		case elf.R_X86_64_64:
			if v, ok := symValue(); ok {
				return v + uint64(addend), true
			}
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			return symValue()
		}
	}
	return 0, false
}

// codePointers returns the distinct relocation targets that land in an
// executable segment: vtable slots, function pointer tables and GOT
// entries. These are reached only through indirect branches, so recursive
// descent from the entry point never sees them.
func codePointers(f *elf.File, reloc uint64, segs []Segment) []uint64 {
	if f.Class != elf.ELFCLASS64 {
		return nil
	}
	inCode := func(addr uint64) bool {
		for _, s := range segs {
			if s.Flags&elf.PF_X != 0 && addr >= s.VAddr && addr < s.VAddr+s.MemSz {
				return true
			}
		}
		return false
	}

	// ELF symbol indices are 1-based; 0 is STN_UNDEF.
	dynSyms, _ := f.DynamicSymbols()
	symAt := func(i int) *elf.Symbol {
		if i <= 0 || i > len(dynSyms) {
			return nil
		}
		return &dynSyms[i-1]
	}

	seen := make(map[uint64]bool)
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		for i := 0; i+relaEntSize <= len(data); i += relaEntSize {
			info := f.ByteOrder.Uint64(data[i+8:])
			addend := int64(f.ByteOrder.Uint64(data[i+16:]))

			target, ok := relocTarget(f.Machine, uint32(info), symAt(int(info>>32)), addend, reloc)
			if ok && inCode(target) {
				seen[target] = true
			}
		}
	}

	out := make([]uint64, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
