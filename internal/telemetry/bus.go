// Package telemetry provides the runtime's observability surface: a local
// event bus consumers attach handlers to, otel spans around store
// operations, and a small set of counters. Handler invocations are counted
// but not wrapped in spans.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one telemetry emission. Path is the event identity, e.g.
// ["runtime", "store", "save", "stop"].
type Event struct {
	Path         []string
	Measurements map[string]any
	Metadata     map[string]any
	Time         time.Time
}

// Handler receives events whose path matches the prefix it attached with.
type Handler func(Event)

type attachment struct {
	id       string
	prefix   []string
	priority int
	fn       Handler
}

// Bus dispatches events to attached handlers. Handlers are called
// sequentially in priority order (lowest first); a handler never blocks
// another bus consumer from attaching.
type Bus struct {
	mu       sync.RWMutex
	handlers []attachment
	log      *zap.Logger
}

// NewBus creates an event bus. A nil logger is replaced with a nop logger.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Attach registers fn for every event whose path starts with prefix. An
// empty prefix matches everything. Attaching with an existing id replaces
// the previous handler.
func (b *Bus) Attach(id string, prefix []string, priority int, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers[i] = attachment{id: id, prefix: prefix, priority: priority, fn: fn}
			return
		}
	}
	b.handlers = append(b.handlers, attachment{id: id, prefix: prefix, priority: priority, fn: fn})
}

// Detach removes a handler by id. Returns true if a handler was removed.
func (b *Bus) Detach(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit dispatches the event to every matching handler.
func (b *Bus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	matching := make([]attachment, 0, len(b.handlers))
	for _, h := range b.handlers {
		if pathHasPrefix(ev.Path, h.prefix) {
			matching = append(matching, h)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].priority < matching[j].priority
	})
	for _, h := range matching {
		h.fn(ev)
	}
}

func pathHasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, p := range prefix {
		if path[i] != p {
			return false
		}
	}
	return true
}
