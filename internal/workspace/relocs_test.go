package workspace

import (
	"debug/elf"
	"testing"
)

func TestRelocTarget(t *testing.T) {
	fn := &elf.Symbol{Name: "handler", Value: 0x1200}
	undef := &elf.Symbol{Name: "puts"}

	tests := []struct {
		name    string
		machine elf.Machine
		typ     uint32
		sym     *elf.Symbol
		addend  int64
		want    uint64
		ok      bool
	}{
		{"arm64 relative", elf.EM_AARCH64, uint32(elf.R_AARCH64_RELATIVE), nil, 0x1100, 0x40001100, true},
		{"arm64 abs64 symbol", elf.EM_AARCH64, uint32(elf.R_AARCH64_ABS64), fn, 8, 0x40001208, true},
		{"arm64 abs64 no symbol", elf.EM_AARCH64, uint32(elf.R_AARCH64_ABS64), nil, 0x10, 0x40000010, true},
		{"arm64 jump slot", elf.EM_AARCH64, uint32(elf.R_AARCH64_JUMP_SLOT), fn, 0, 0x40001200, true},
		{"arm64 glob dat undefined", elf.EM_AARCH64, uint32(elf.R_AARCH64_GLOB_DAT), undef, 0, 0, false},
		{"arm64 copy", elf.EM_AARCH64, uint32(elf.R_AARCH64_COPY), fn, 0, 0, false},
		{"amd64 relative", elf.EM_X86_64, uint32(elf.R_X86_64_RELATIVE), nil, 0x2000, 0x40002000, true},
		{"amd64 64 symbol", elf.EM_X86_64, uint32(elf.R_X86_64_64), fn, 0, 0x40001200, true},
		{"amd64 64 no symbol", elf.EM_X86_64, uint32(elf.R_X86_64_64), nil, 0x10, 0, false},
		{"amd64 jmp slot", elf.EM_X86_64, uint32(elf.R_X86_64_JMP_SLOT), fn, 0, 0x40001200, true},
		{"other machine", elf.EM_386, 8, nil, 0x10, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := relocTarget(tt.machine, tt.typ, tt.sym, tt.addend, 0x40000000)
			if ok != tt.ok || got != tt.want {
				t.Errorf("relocTarget = 0x%x, %v; want 0x%x, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
