// Package workspace lays out the on-disk state of one analysis: the memory
// snapshot, the trace list, the prelift cache and the semantics cache.
package workspace

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/liftbridge/internal/memory"
)

// Workspace is a directory holding one analysis.
type Workspace struct {
	Dir string
}

// New returns the workspace rooted at dir.
func New(dir string) *Workspace {
	return &Workspace{Dir: dir}
}

func (w *Workspace) MemoryDir() string        { return filepath.Join(w.Dir, "memory") }
func (w *Workspace) ManifestPath() string     { return filepath.Join(w.MemoryDir(), "memory.yaml") }
func (w *Workspace) TraceListPath() string    { return filepath.Join(w.Dir, "trace_list") }
func (w *Workspace) PreliftDir() string       { return filepath.Join(w.Dir, "prelift_traces") }
func (w *Workspace) BitcodeCachePath() string { return filepath.Join(w.Dir, "bitcode_cache.ll") }

// Create makes the workspace directories.
func (w *Workspace) Create() error {
	for _, dir := range []string{w.MemoryDir(), w.PreliftDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}
	return nil
}

// Hex is a number written to the manifest as a 0x-prefixed string.
type Hex uint64

func (h Hex) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("0x%x", uint64(h)), nil
}

func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return fmt.Errorf("line %d: bad number %q", value.Line, value.Value)
	}
	*h = Hex(v)
	return nil
}

// RegionSpec describes one snapshotted region.
type RegionSpec struct {
	Name   string `yaml:"name"`
	Base   Hex    `yaml:"base"`
	Size   Hex    `yaml:"size"`
	Perms  string `yaml:"perms"`
	File   string `yaml:"file,omitempty"` // relative to the memory dir; empty means zero-filled
	Offset Hex    `yaml:"offset"`
}

// Manifest describes the memory snapshot of a workspace.
type Manifest struct {
	Arch     string         `yaml:"arch"`
	Entry    Hex            `yaml:"entry"`
	AddrMask Hex            `yaml:"addr_mask"`
	Symbols  map[string]Hex `yaml:"symbols,omitempty"`
	Seeds    []Hex          `yaml:"seeds,omitempty"`
	Regions  []RegionSpec   `yaml:"regions"`
}

// AddrBits returns the address width implied by the mask.
func (m *Manifest) AddrBits() uint {
	if m.AddrMask == 0 {
		return 64
	}
	return uint(bits.Len64(uint64(m.AddrMask)))
}

// ReadManifest reads the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// WriteManifest writes m to path.
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Manifest reads the workspace manifest.
func (w *Workspace) Manifest() (*Manifest, error) {
	return ReadManifest(w.ManifestPath())
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RegionFile returns the data file name used for a region.
func RegionFile(base uint64, name string, perms memory.Perms) string {
	return fmt.Sprintf("%x_%s_%s.bin", base, unsafeChars.ReplaceAllString(name, "_"), perms)
}

// SaveSpace writes every region of space and a manifest describing them.
// Fields of m other than Regions and AddrMask are kept.
func (w *Workspace) SaveSpace(space *memory.AddressSpace, m *Manifest) error {
	if err := w.Create(); err != nil {
		return err
	}
	m.AddrMask = Hex(space.AddrMask())
	m.Regions = m.Regions[:0]
	for _, r := range space.Regions() {
		rs := RegionSpec{
			Name:   r.Name,
			Base:   Hex(r.Base),
			Size:   Hex(r.Size()),
			Perms:  r.Perms.String(),
			Offset: Hex(r.Offset),
		}
		if !allZero(r.Data()) {
			rs.File = RegionFile(r.Base, r.Name, r.Perms)
			if err := os.WriteFile(filepath.Join(w.MemoryDir(), rs.File), r.Data(), 0o644); err != nil {
				return fmt.Errorf("write region %s: %w", r, err)
			}
		}
		m.Regions = append(m.Regions, rs)
	}
	return WriteManifest(w.ManifestPath(), m)
}

// LoadSpace rebuilds the address space described by the workspace manifest.
func (w *Workspace) LoadSpace() (*memory.AddressSpace, *Manifest, error) {
	m, err := w.Manifest()
	if err != nil {
		return nil, nil, err
	}
	space := memory.New(m.AddrBits())
	for _, rs := range m.Regions {
		perms, err := memory.ParsePerms(rs.Perms)
		if err != nil {
			return nil, nil, fmt.Errorf("region %s: %w", rs.Name, err)
		}
		data := make([]byte, rs.Size)
		if rs.File != "" {
			raw, err := os.ReadFile(filepath.Join(w.MemoryDir(), rs.File))
			if err != nil {
				return nil, nil, fmt.Errorf("region %s: %w", rs.Name, err)
			}
			copy(data, raw)
		}
		if _, err := space.MapBytes(uint64(rs.Base), data, rs.Name, uint64(rs.Offset), perms); err != nil {
			return nil, nil, err
		}
	}
	return space, m, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
