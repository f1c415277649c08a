// Package memory models the address space of the process under analysis:
// permission-checked regions with concrete byte backing, per-address
// symbolic cells, and the table of lifted IR modules keyed by region name.
package memory

import (
	"fmt"
	"strings"
)

// Perms is a set of region permission bits.
type Perms uint8

// Permission bits.
const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec

	PermNone Perms = 0
	PermRW         = PermRead | PermWrite
	PermRX         = PermRead | PermExec
	PermRWX        = PermRead | PermWrite | PermExec
)

// String returns the permissions in "rwx" notation.
func (p Perms) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerms parses "rwx" notation; '-' or a missing letter clears a bit.
func ParsePerms(s string) (Perms, error) {
	var p Perms
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-', 'p', 's':
		default:
			return 0, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	return p, nil
}

// Region is one mapped range [Base, Limit) of the address space.
type Region struct {
	Base   uint64
	Limit  uint64
	Name   string
	Offset uint64 // file offset the range was mapped from
	Perms  Perms

	data []byte
}

// Size returns the length of the region in bytes.
func (r *Region) Size() uint64 {
	return r.Limit - r.Base
}

// Contains reports whether addr lies within the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Limit
}

// Readable reports whether the region can be read.
func (r *Region) Readable() bool { return r.Perms&PermRead != 0 }

// Writable reports whether the region can be written.
func (r *Region) Writable() bool { return r.Perms&PermWrite != 0 }

// Executable reports whether the region holds code.
func (r *Region) Executable() bool { return r.Perms&PermExec != 0 }

// Data returns the concrete backing store of the region.
func (r *Region) Data() []byte {
	return r.data
}

func (r *Region) String() string {
	return fmt.Sprintf("%s [0x%x, 0x%x) %s", r.Name, r.Base, r.Limit, r.Perms)
}

// slice returns the part of r covering [from, to), sharing its backing store.
func (r *Region) slice(from, to uint64) *Region {
	return &Region{
		Base:   from,
		Limit:  to,
		Name:   r.Name,
		Offset: r.Offset + (from - r.Base),
		Perms:  r.Perms,
		data:   r.data[from-r.Base : to-r.Base],
	}
}

func (r *Region) clone() *Region {
	c := *r
	c.data = append([]byte(nil), r.data...)
	return &c
}
