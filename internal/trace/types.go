// Package trace records bridge and intercept call events for display.
package trace

import (
	"strings"
	"sync"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Memory   Tag = "memory"
	Heap     Tag = "heap"
	FileIO   Tag = "fileio"
	Symbolic Tag = "symbolic"
	Alloc    Tag = "alloc"
	Dir      Tag = "dir"
	Stat     Tag = "stat"
	Mapping  Tag = "mapping"
	Fallback Tag = "fallback"
	Abort    Tag = "abort"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is one intercepted call.
type Event struct {
	Seq       int
	Tags      Tags   // first is the registry category
	Name      string // e.g. "malloc", "__kleemill_allocate_memory"
	Detail    string // e.g. "size=24 ptr=0x10000000"
	Timestamp time.Time
}

// NewEvent creates an event tagged with its category.
func NewEvent(category, name, detail string) *Event {
	return &Event{
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher adds tags to an event based on its category, name and detail.
type Enricher func(e *Event)

// DefaultEnricher tags events by the operation they perform.
func DefaultEnricher(e *Event) {
	if strings.Contains(e.Detail, "falling back") {
		e.Tags.Add(Fallback)
	}
	switch e.Name {
	case "malloc", "calloc", "realloc", "memalign":
		e.Tags.Add(Alloc)
	case "opendir", "readdir", "closedir":
		e.Tags.Add(Dir)
	case "stat", "fstat":
		e.Tags.Add(Stat)
	case "allocate_memory", "free_memory", "protect_memory":
		e.Tags.Add(Mapping)
	}
	if e.Name == "realloc" && strings.Contains(e.Detail, "pointer") {
		e.Tags.Add(Abort)
	}
}

// Recorder collects events. Its Record method has the shape of the
// registry call callback.
type Recorder struct {
	mu       sync.Mutex
	events   []*Event
	limit    int
	dropped  int
	Enrich   Enricher
	OnRecord func(e *Event)
}

// NewRecorder returns a recorder keeping at most limit events (0 keeps
// all) and tagging them with DefaultEnricher.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, Enrich: DefaultEnricher}
}

// Record adds an event.
func (r *Recorder) Record(category, name, detail string) {
	e := NewEvent(category, name, detail)
	if r.Enrich != nil {
		r.Enrich(e)
	}

	r.mu.Lock()
	e.Seq = len(r.events) + r.dropped
	if r.limit > 0 && len(r.events) >= r.limit {
		r.dropped++
	} else {
		r.events = append(r.events, e)
	}
	cb := r.OnRecord
	r.mu.Unlock()

	if cb != nil {
		cb(e)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Dropped returns how many events exceeded the limit.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Counts returns the number of recorded events per primary tag.
func (r *Recorder) Counts() map[Tag]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Tag]int)
	for _, e := range r.events {
		if len(e.Tags) > 0 {
			out[e.Tags[0]]++
		}
	}
	return out
}
