package intercepts

import (
	"fmt"

	"github.com/zboralski/liftbridge/internal/bridge"
	"github.com/zboralski/liftbridge/internal/expr"
	"github.com/zboralski/liftbridge/internal/memory"
)

func init() {
	bridge.RegisterFunc("heap", "malloc", 1, interceptMalloc)
	bridge.RegisterFunc("heap", "calloc", 2, interceptCalloc)
	bridge.RegisterFunc("heap", "realloc", 2, interceptRealloc)
	bridge.RegisterFunc("heap", "free", 1, interceptFree)
	bridge.RegisterFunc("heap", "memalign", 2, interceptMemalign)
	bridge.RegisterFunc("heap", "malloc_usable_size", 1, interceptUsableSize)
}

// heapOf returns the state's allocator, creating the default heap on
// first use.
func heapOf(s *bridge.State) (bridge.Allocator, *memory.AddressSpace, error) {
	space, err := s.Space()
	if err != nil {
		return nil, nil, err
	}
	if s.Heap == nil {
		s.Heap = NewHeap(DefaultHeapBase, DefaultHeapLimit)
	}
	return s.Heap, space, nil
}

func logHeap(s *bridge.State, name, format string, args ...interface{}) {
	s.Log("heap", name, fmt.Sprintf(format, args...))
}

func malloc(s *bridge.State, name string, size uint64) (expr.Expr, error) {
	if size == 0 {
		logHeap(s, name, "size=0 ptr=0")
		return bridge.Int64(0), nil
	}
	heap, space, err := heapOf(s)
	if err != nil {
		return nil, err
	}
	switch ptr := heap.Malloc(space, size); ptr {
	case BadAddr:
		logHeap(s, name, "falling back to host for size=0x%x", size)
		return nil, bridge.ErrFallback
	case MallocTooBig:
		logHeap(s, name, "size=0x%x too big", size)
		return nil, bridge.ErrFallback
	default:
		logHeap(s, name, "size=%d ptr=0x%x", size, ptr)
		return bridge.Int64(ptr), nil
	}
}

func interceptMalloc(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	size, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	return malloc(s, "malloc", size)
}

func interceptCalloc(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	a, err := bridge.ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	num, size := a[0], a[1]
	total := num * size
	if total == 0 {
		logHeap(s, "calloc", "num=0x%x size=0x%x ptr=0", num, size)
		return bridge.Int64(0), nil
	}
	if total/num != size {
		logHeap(s, "calloc", "num=0x%x size=0x%x overflows", num, size)
		return nil, bridge.ErrFallback
	}
	heap, space, err := heapOf(s)
	if err != nil {
		return nil, err
	}
	switch ptr := heap.Calloc(space, total); ptr {
	case BadAddr, MallocTooBig:
		logHeap(s, "calloc", "falling back to host for num=0x%x size=0x%x", num, size)
		return nil, bridge.ErrFallback
	default:
		logHeap(s, "calloc", "num=%d size=%d ptr=0x%x", num, size, ptr)
		return bridge.Int64(ptr), nil
	}
}

func interceptRealloc(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	a, err := bridge.ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	ptr, size := a[0], a[1]
	if ptr == 0 {
		return malloc(s, "realloc", size)
	}
	if size == 0 {
		if _, err := free(s, "realloc", ptr); err != nil {
			return nil, err
		}
		return bridge.Int64(0), nil
	}

	heap, space, err := heapOf(s)
	if err != nil {
		return nil, err
	}
	next := heap.Realloc(space, ptr, size)
	var reason string
	switch next {
	case BadAddr:
		logHeap(s, "realloc", "falling back to host for ptr=0x%x size=0x%x", ptr, size)
		return nil, bridge.ErrFallback
	case ReallocInternalPtr:
		reason = fmt.Sprintf("displaced pointer 0x%x", ptr)
	case ReallocTooBig:
		reason = fmt.Sprintf("size 0x%x too big", size)
	case ReallocInvalidPtr:
		reason = fmt.Sprintf("untracked pointer 0x%x", ptr)
	case ReallocFreedPtr:
		reason = fmt.Sprintf("freed pointer 0x%x", ptr)
	default:
		logHeap(s, "realloc", "ptr=0x%x -> 0x%x", ptr, next)
		return bridge.Int64(next), nil
	}
	logHeap(s, "realloc", "%s", reason)
	return nil, &bridge.AbortError{Call: "realloc", Reason: reason}
}

func free(s *bridge.State, name string, ptr uint64) (expr.Expr, error) {
	if ptr == 0 {
		return nil, nil
	}
	heap, space, err := heapOf(s)
	if err != nil {
		return nil, err
	}
	if !heap.Free(space, ptr) {
		logHeap(s, name, "falling back to host free for ptr=0x%x", ptr)
		return nil, bridge.ErrFallback
	}
	logHeap(s, name, "ptr=0x%x", ptr)
	return nil, nil
}

func interceptFree(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	ptr, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	return free(s, "free", ptr)
}

// interceptMemalign allocates without honoring the alignment beyond the
// heap's own.
func interceptMemalign(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	a, err := bridge.ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	return malloc(s, "memalign", a[1])
}

func interceptUsableSize(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	ptr, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	heap, _, err := heapOf(s)
	if err != nil {
		return nil, err
	}
	n := heap.UsableSize(ptr)
	if n == 0 {
		logHeap(s, "malloc_usable_size", "falling back to host for ptr=0x%x", ptr)
		return nil, bridge.ErrFallback
	}
	return bridge.Int64(n), nil
}
