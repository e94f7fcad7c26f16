package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/txn"
)

// Option allows configuration of a module instance.
type Option func(*config)

type config struct {
	level      txn.Instrumentation
	maxSteps   int
	ids        txn.IDGenerator
	logger     *slog.Logger
	sinks      []diag.Sink
	diagLevel  *diag.Level
	noRegistry bool
	now        func() time.Time
}

func defaultConfig() config {
	return config{
		level:    txn.InstrumentLight,
		maxSteps: DefaultMaxSteps,
		ids:      txn.UUIDv7Generator{},
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithInstrumentation sets the patch log level of the transaction manager.
// Default: light.
func WithInstrumentation(level txn.Instrumentation) Option {
	return func(c *config) { c.level = level }
}

// WithMaxSteps sets the maximum commits per cascade.
//
// Default: 1000 steps (DefaultMaxSteps)
// Use WithMaxSteps(10) for testing quota enforcement.
func WithMaxSteps(maxSteps int) Option {
	return func(c *config) { c.maxSteps = maxSteps }
}

// WithIDGenerator sets the transaction id generator. Default: UUIDv7.
func WithIDGenerator(g txn.IDGenerator) Option {
	return func(c *config) { c.ids = g }
}

// WithLogger sets the logger shared by every component of the module.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSinks attaches diagnostic sinks to the module's hub.
func WithSinks(sinks ...diag.Sink) Option {
	return func(c *config) { c.sinks = append(c.sinks, sinks...) }
}

// WithDiagnosticsLevel pins the module's diagnostics level instead of
// following the process-wide level.
func WithDiagnosticsLevel(l diag.Level) Option {
	return func(c *config) { c.diagLevel = &l }
}

// WithoutRegistry runs the module without a field path registry. Every
// commit is then dirtyAll and every selector re-evaluates.
func WithoutRegistry() Option {
	return func(c *config) { c.noRegistry = true }
}

// WithTimeSource overrides the wall clock used for commit durations and
// event timestamps.
func WithTimeSource(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}
