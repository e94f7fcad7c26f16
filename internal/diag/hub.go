package diag

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sink consumes diagnostic events. Emit is called synchronously on the
// emitting goroutine and must not block for long. A panicking sink is
// logged and skipped; it never reaches the emitter.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Hub fans events out to attached sinks after level gating.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	sinks  []*entry
	module string
	pinned *Level
	now    func() time.Time
	logger *slog.Logger
}

type entry struct{ sink Sink }

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLevel pins the hub to a level instead of following the process-wide
// setting.
func WithLevel(l Level) HubOption {
	return func(h *Hub) { h.pinned = &l }
}

// WithModule stamps every event with a module name.
func WithModule(name string) HubOption {
	return func(h *Hub) { h.module = name }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithHubLogger sets the logger that reports sink panics.
// Default: slog.Default().
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a hub with the given sinks attached.
func NewHub(sinks []Sink, opts ...HubOption) *Hub {
	h := &Hub{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	for _, s := range sinks {
		h.Attach(s)
	}
	return h
}

// Attach adds a sink and returns a function that detaches it.
func (h *Hub) Attach(s Sink) (detach func()) {
	e := &entry{sink: s}
	h.mu.Lock()
	h.sinks = append(h.sinks, e)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, cur := range h.sinks {
			if cur == e {
				h.sinks = append(h.sinks[:i:i], h.sinks[i+1:]...)
				return
			}
		}
	}
}

// Level returns the effective level of the hub.
func (h *Hub) Level() Level {
	if h == nil {
		return LevelOff
	}
	if h.pinned != nil {
		return *h.pinned
	}
	return CurrentLevel()
}

// Enabled reports whether events at min would be emitted.
func (h *Hub) Enabled(min Level) bool {
	l := h.Level()
	return l != LevelOff && l >= min
}

// Emit delivers e to every sink unless diagnostics are off.
// Misuse events are never delivered in production mode.
func (h *Hub) Emit(e Event) {
	if h == nil || !h.Enabled(LevelLight) {
		return
	}
	if e.Kind == KindMisuse && Production() {
		return
	}
	if e.Module == "" {
		e.Module = h.module
	}
	if e.Time.IsZero() {
		e.Time = h.now()
	}

	h.mu.RLock()
	sinks := make([]Sink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = s.sink
	}
	h.mu.RUnlock()

	for _, s := range sinks {
		h.deliver(s, e)
	}
}

func (h *Hub) deliver(s Sink, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("diagnostics sink panicked",
				"sink", fmt.Sprintf("%T", s),
				"kind", e.Kind,
				"panic", rec)
		}
	}()
	s.Emit(e)
}
