package diag

import (
	"log/slog"
	"slices"
	"sync"
)

// LogSink writes events as structured slog records.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger means slog.Default().
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{Logger: l}
}

// Emit implements Sink.
func (s *LogSink) Emit(e Event) {
	switch e.Kind {
	case KindCommit:
		c := e.Commit
		s.Logger.Debug("transaction committed",
			"module", e.Module,
			"txn_id", c.TxnID,
			"seq", c.TxnSeq,
			"origin", c.Origin.Label(),
			"dirty", c.Dirty.String(),
			"patches", c.PatchCount,
			"duration_ms", c.DurationMs)
	case KindSelectorEval:
		s.Logger.Debug("selector evaluated",
			"module", e.Module,
			"selector", e.Selector.ID,
			"seq", e.Selector.TxnSeq,
			"changed", e.Selector.Changed,
			"duration", e.Selector.Duration)
	case KindTask:
		s.Logger.Debug("task "+string(e.Task.Phase),
			"module", e.Module,
			"runner", e.Task.Runner,
			"mode", e.Task.Mode,
			"task_id", e.Task.TaskID,
			"generation", e.Task.Generation)
	case KindMisuse, KindTraitConfig:
		s.Logger.Warn(e.Message, "module", e.Module, "kind", string(e.Kind), "error", e.Err)
	default:
		s.Logger.Error(e.Message, "module", e.Module, "kind", string(e.Kind), "error", e.Err)
	}
}

// Recorder keeps every event in memory. Used by tests and the CLI run
// command.
//
// Thread-safety: all methods are safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfKind returns recorded events of kind k in emission order.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Commits returns the commit payloads in emission order.
func (r *Recorder) Commits() []CommitInfo {
	var out []CommitInfo
	for _, e := range r.OfKind(KindCommit) {
		out = append(out, *e.Commit)
	}
	return out
}

// TaskPhases returns the lifecycle phases recorded for runner, in order.
func (r *Recorder) TaskPhases(runner string) []TaskPhase {
	var out []TaskPhase
	for _, e := range r.OfKind(KindTask) {
		if e.Task.Runner == runner {
			out = append(out, e.Task.Phase)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
