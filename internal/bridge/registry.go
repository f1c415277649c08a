package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/liftbridge/internal/expr"
	glog "github.com/zboralski/liftbridge/internal/log"
)

// Handler implements one intrinsic. It returns the call's result, nil for
// void calls.
type Handler func(s *State, args []expr.Expr) (expr.Expr, error)

// Def defines an intrinsic with its name and handler.
type Def struct {
	Name     string   // e.g. "__remill_read_memory_32", "malloc"
	Aliases  []string // alternative names
	Handler  Handler
	Category string // for logging: "memory", "fileio", "heap"
	Args     int    // minimum argument count
}

// Registry holds the intrinsic definitions lifted code may call.
// Packages register their handlers from init().
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Def // name -> definition

	// OnCall is invoked for every Log call.
	OnCall func(category, name, detail string)
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// Register adds def under its name and aliases.
func (r *Registry) Register(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.defs[alias] = &def
	}
	if glog.L != nil {
		glog.L.Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Strings("aliases", def.Aliases),
		)
	}
}

// RegisterFunc registers a handler that takes at least args arguments.
func (r *Registry) RegisterFunc(category, name string, args int, h Handler, aliases ...string) {
	r.Register(Def{
		Name:     name,
		Aliases:  aliases,
		Handler:  h,
		Category: category,
		Args:     args,
	})
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Dispatch runs the handler registered under name. Events the handler
// logs through s go to r. An *AbortError terminates s.
func (r *Registry) Dispatch(s *State, name string, args ...expr.Expr) (expr.Expr, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntrinsic, name)
	}
	if len(args) < def.Args {
		return nil, fmt.Errorf("%s: got %d arguments, want %d", name, len(args), def.Args)
	}
	prev := s.Registry
	s.Registry = r
	ret, err := def.Handler(s, args)
	s.Registry = prev
	var abort *AbortError
	if errors.As(err, &abort) {
		s.Terminate(abort)
	}
	return ret, err
}

// Log calls the OnCall callback and logs via zap.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()

	if cb != nil {
		cb(category, name, detail)
	}
	if glog.L != nil {
		glog.L.Trace(0, category, name, detail)
	}
}

// Count returns the number of registered names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// List returns the primary names of all definitions, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	names := make([]string, 0, len(r.defs))
	for _, def := range r.defs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Convenience functions for the default registry

// Register adds def to the default registry.
func Register(def Def) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a handler to the default registry.
func RegisterFunc(category, name string, args int, h Handler, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, args, h, aliases...)
}

// Helper functions for handlers

// Concrete returns args[i] as a concrete value.
func Concrete(args []expr.Expr, i int) (uint64, error) {
	c, ok := args[i].(*expr.Constant)
	if !ok {
		return 0, fmt.Errorf("%w: argument %d is %s", ErrSymbolicArgument, i, args[i])
	}
	return c.Value, nil
}

// ConcreteArgs returns the first n arguments as concrete values.
func ConcreteArgs(args []expr.Expr, n int) ([]uint64, error) {
	out := make([]uint64, n)
	for i := range out {
		v, err := Concrete(args, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Int64 returns a 64-bit constant.
func Int64(v uint64) expr.Expr { return expr.NewConstant(v, expr.Width64) }

// Int32 returns a 32-bit constant.
func Int32(v uint64) expr.Expr { return expr.NewConstant(v, expr.Width32) }

// Bool returns a 1-bit constant.
func Bool(b bool) expr.Expr {
	if b {
		return expr.NewConstant(1, expr.WidthBool)
	}
	return expr.NewConstant(0, expr.WidthBool)
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatArgs formats alternating name, value pairs.
func FormatArgs(kv ...interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch v := kv[i+1].(type) {
		case uint64:
			b.WriteString(FormatPtr(fmt.Sprint(kv[i]), v))
		default:
			fmt.Fprintf(&b, "%v=%v", kv[i], v)
		}
	}
	return b.String()
}
