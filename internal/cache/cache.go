// Package cache stores lifted trace modules on disk and loads them back
// into an address space.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
	"github.com/zboralski/liftbridge/internal/workspace"
)

// Name returns the cache file name of the batch [start, end].
func Name(start, end uint64) string {
	return fmt.Sprintf("0x%x-0x%x", start, end)
}

// Path returns the cache file path of the batch [start, end] under dir.
func Path(dir string, start, end uint64) string {
	return filepath.Join(dir, Name(start, end))
}

// ParseName parses a cache file name. Only the leading address is
// required; the end address is 0 if missing.
func ParseName(name string) (start, end uint64, err error) {
	if !strings.HasPrefix(name, "0x") {
		return 0, 0, errors.Errorf("cache name %q: missing 0x prefix", name)
	}
	first, rest, _ := strings.Cut(name[2:], "-")
	start, err = strconv.ParseUint(first, 16, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "cache name %q", name)
	}
	if strings.HasPrefix(rest, "0x") {
		end, err = strconv.ParseUint(rest[2:], 16, 64)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "cache name %q", name)
		}
	}
	return start, end, nil
}

// Clear removes the cache files in dir and returns how many it removed.
// Other files are left alone. A missing dir is empty.
func Clear(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "scan cache")
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, err := ParseName(e.Name()); err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return n, errors.Wrap(err, "remove stale cache file")
		}
		n++
	}
	return n, nil
}

// Store writes m to path in textual IR. The file appears atomically.
func Store(m *ir.Module, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrap(err, "create cache file")
	}
	if _, err := tmp.WriteString(m.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "close %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "rename %s", path)
	}
	return nil
}

// Load parses the module at path.
func Load(path string) (*ir.Module, error) {
	m, err := asm.ParseFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return m, nil
}

// Result reports what Rehydrate did.
type Result struct {
	Loaded  int
	Skipped int
}

// Rehydrate loads every cache file in dir and registers it in space under
// the name of the region containing the file's start address. Files are
// visited in name order, so for a given region the last file wins.
// Scanning the same directory again yields the same module table.
func Rehydrate(dir string, space *memory.AddressSpace) (Result, error) {
	var res Result
	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, errors.Wrap(err, "scan cache")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "0x") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	logger := glog.Get()
	for _, name := range names {
		start, _, err := ParseName(name)
		if err != nil {
			logger.Warn("skipping cache file", zap.String("file", name), zap.Error(err))
			res.Skipped++
			continue
		}
		r := space.FindRange(start)
		if r == nil {
			logger.Warn("cache file outside mapped memory", zap.String("file", name), glog.Addr(start))
			res.Skipped++
			continue
		}
		m, err := Load(filepath.Join(dir, name))
		if err != nil {
			return res, err
		}
		space.SetModule(r.Name, m)
		res.Loaded++
		logger.Debug("rehydrated", zap.String("file", name), zap.String("region", r.Name),
			zap.Int("funcs", len(m.Funcs)))
	}
	return res, nil
}

// WriteToWorkspace stores m as the workspace semantics cache.
func WriteToWorkspace(ws *workspace.Workspace, m *ir.Module) error {
	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	return Store(m, ws.BitcodeCachePath())
}

// ReadFromWorkspace loads the workspace semantics cache.
func ReadFromWorkspace(ws *workspace.Workspace) (*ir.Module, error) {
	return Load(ws.BitcodeCachePath())
}
