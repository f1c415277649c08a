package bridge

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zboralski/liftbridge/internal/expr"
	"github.com/zboralski/liftbridge/internal/memory"
)

var (
	// ErrUnknownIntrinsic is returned by Dispatch for unregistered names.
	ErrUnknownIntrinsic = errors.New("unknown intrinsic")

	// ErrSymbolicArgument is returned when a handler needs a concrete
	// argument and gets a symbolic one.
	ErrSymbolicArgument = errors.New("symbolic argument")

	// ErrBadHandle is returned when a handle does not name an address space.
	ErrBadHandle = errors.New("bad address space handle")

	// ErrFallback tells the caller to run the host implementation of the
	// intercepted call instead.
	ErrFallback = errors.New("fall back to host implementation")
)

// AbortError terminates the execution state that raised it.
type AbortError struct {
	Call   string
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s: abort: %s", e.Call, e.Reason)
}

// StatFields is the number of fields kept from a stat result: dev, ino,
// mode, nlink, uid, gid, rdev, size, blksize, blocks.
const StatFields = 10

// StatBuffer holds the last stat result.
type StatBuffer struct {
	Fields [StatFields]uint64
	Valid  bool
}

// Dirent holds the last directory entry read.
type Dirent struct {
	Ino    uint64
	Off    int64
	Reclen uint16
	Type   uint8
	Name   string
	Valid  bool
}

// DirStream is an open host directory.
type DirStream struct {
	FD   int
	Path string
	Buf  []byte
	Pos  int
	End  int
	EOF  bool
}

// Allocator is a heap carved out of the modeled address space. Results
// are addresses or the sentinels of the implementing package.
type Allocator interface {
	Malloc(space *memory.AddressSpace, size uint64) uint64
	Calloc(space *memory.AddressSpace, size uint64) uint64
	Realloc(space *memory.AddressSpace, ptr, size uint64) uint64
	Free(space *memory.AddressSpace, ptr uint64) bool
	UsableSize(ptr uint64) uint64
	Clone() Allocator
}

// State is the bridge-side record of one execution state. Its stat and
// dirent buffers are single slots: each call overwrites the previous
// result.
type State struct {
	ID     uuid.UUID
	Bridge *Bridge
	Memory Handle

	Errno  int
	Stat   StatBuffer
	Dirent Dirent

	// Dirs maps the directory pointer handed to lifted code to its stream.
	Dirs    map[uint64]*DirStream
	nextDir uint64

	Heap Allocator

	// Symbolics are the arrays this state tracks, by name.
	Symbolics map[string]*expr.Array

	Terminated error

	// Registry is the registry dispatching the current call; handler
	// events are logged to it.
	Registry *Registry
}

// NewState registers space with b and returns a state using it.
func NewState(b *Bridge, space *memory.AddressSpace) *State {
	return &State{
		ID:        uuid.New(),
		Bridge:    b,
		Memory:    b.Register(space),
		Dirs:      make(map[uint64]*DirStream),
		Symbolics: make(map[string]*expr.Array),
	}
}

// Space returns the state's address space.
func (s *State) Space() (*memory.AddressSpace, error) {
	space, ok := s.Bridge.Space(s.Memory)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, s.Memory)
	}
	return space, nil
}

// Fork returns a copy of s with its own address space and handle. Open
// directory streams are shared with the parent.
func (s *State) Fork() (*State, error) {
	space, err := s.Space()
	if err != nil {
		return nil, err
	}
	child := &State{
		ID:        uuid.New(),
		Bridge:    s.Bridge,
		Memory:    s.Bridge.Register(space.Clone()),
		Errno:     s.Errno,
		Stat:      s.Stat,
		Dirent:    s.Dirent,
		Dirs:      make(map[uint64]*DirStream, len(s.Dirs)),
		nextDir:   s.nextDir,
		Symbolics: make(map[string]*expr.Array, len(s.Symbolics)),
		Registry:  s.Registry,
	}
	for k, v := range s.Dirs {
		child.Dirs[k] = v
	}
	for k, v := range s.Symbolics {
		child.Symbolics[k] = v
	}
	if s.Heap != nil {
		child.Heap = s.Heap.Clone()
	}
	return child, nil
}

// NewSymbol creates and tracks a fresh array. The name gets a numeric
// suffix if it is already in use.
func (s *State) NewSymbol(name string, size uint64) *expr.Array {
	unique := name
	for i := 1; s.Symbolics[unique] != nil; i++ {
		unique = fmt.Sprintf("%s_%d", name, i)
	}
	arr := expr.NewArray(unique, size)
	s.Symbolics[unique] = arr
	return arr
}

// Tracked reports whether the state tracks the symbol called name.
func (s *State) Tracked(name string) bool {
	_, ok := s.Symbolics[name]
	return ok
}

// Read reads through the state's view: overlays of untracked symbols are
// ignored.
func (s *State) Read(h Handle, addr uint64, width uint) (expr.Expr, bool) {
	return s.Bridge.read(h, addr, width, s.Tracked)
}

// Write writes value; the root symbol of a symbolic value becomes tracked.
func (s *State) Write(h Handle, addr uint64, width uint, value expr.Expr) Handle {
	if arr, ok := expr.Root(value); ok && !s.Tracked(arr.Name) {
		s.Symbolics[arr.Name] = arr
	}
	return s.Bridge.Write(h, addr, width, value)
}

// OpenDir records a stream and returns the pointer lifted code sees.
func (s *State) OpenDir(d *DirStream) uint64 {
	s.nextDir++
	ptr := s.nextDir<<4 | 0xd000000000000000
	s.Dirs[ptr] = d
	return ptr
}

// Log reports a handler event to the registry dispatching the current
// call, or to DefaultRegistry outside a dispatch.
func (s *State) Log(category, name, detail string) {
	r := s.Registry
	if r == nil {
		r = DefaultRegistry
	}
	r.Log(category, name, detail)
}

// Terminate marks the state as finished with err.
func (s *State) Terminate(err error) {
	if s.Terminated == nil {
		s.Terminated = err
	}
}
