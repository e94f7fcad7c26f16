// Package task runs asynchronous work triggered against a module's state.
//
// Each accepted trigger is split into an uninterruptible pending
// transaction, an effect that runs outside any transaction, and a success
// or failure writeback transaction. The runner's Mode decides how
// overlapping triggers are scheduled.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/txn"
)

// ErrInterrupted marks a run that was cancelled or superseded. Interrupted
// runs never reach the failure handler.
var ErrInterrupted = errors.New("task interrupted")

var errSuperseded = fmt.Errorf("%w: superseded by a newer trigger", ErrInterrupted)

// IsInterrupted reports whether err is a cancellation rather than a domain
// failure.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled)
}

// Transactor is the write surface a runner needs from its module.
type Transactor interface {
	Transact(ctx context.Context, origin ir.Origin, fn func(w txn.Writer) error) (*txn.Transaction, error)
}

// Config declares a runner. It is validated when the runner is created.
type Config struct {
	Name        string `validate:"required"`
	Mode        Mode   `validate:"omitempty,oneof=task parallel latest exhaust"`
	Concurrency int    `validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handlers are the phases of one run. Only Effect is required. An error from
// Pending ends the run as a fault before Effect is called.
type Handlers[P, R any] struct {
	Pending func(w txn.Writer, payload P) error
	Effect  func(ctx context.Context, payload P) (R, error)
	Success func(w txn.Writer, payload P, result R) error
	Failure func(w txn.Writer, payload P, cause error) error
}

// Handle is the type-erased view of a runner that a module owns.
type Handle interface {
	Name() string
	Start(ctx context.Context)
	Flush(ctx context.Context) error
	Stats() Stats
	Close()
}

// Stats are the runner's lifecycle counters.
type Stats struct {
	Accepted    int64 `json:"accepted"`
	Dropped     int64 `json:"dropped"`
	Refused     int64 `json:"refused"`
	Started     int64 `json:"started"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	Interrupted int64 `json:"interrupted"`
	Faults      int64 `json:"faults"`
	InFlight    int64 `json:"in_flight"`
	Queued      int   `json:"queued"`
}

type counters struct {
	accepted, dropped, refused, started    atomic.Int64
	succeeded, failed, interrupted, faults atomic.Int64
	inFlight                               atomic.Int64
}

type options struct {
	logger *slog.Logger
	hub    *diag.Hub
	tracer trace.Tracer
}

// Option configures a Runner.
type Option func(*options)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHub sets the diagnostics hub for lifecycle events.
func WithHub(h *diag.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithTracer sets the tracer used for per-run spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

type item[P any] struct {
	id      int64
	payload P
}

// Runner schedules triggers of payload type P whose effect yields R.
//
// Thread-safety: Trigger, Watch, Flush, Stats and Close are safe for
// concurrent use.
type Runner[P, R any] struct {
	cfg   Config
	h     Handlers[P, R]
	tx    Transactor
	opts  options
	queue *queue[item[P]]

	nextID atomic.Int64
	gen    atomic.Int64
	busy   atomic.Bool
	closed atomic.Bool
	stats  counters

	runs sync.WaitGroup
	done chan struct{}

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	cancelPrev  context.CancelFunc
	outstanding int
	waiters     []chan struct{}
}

// New creates a runner. Invalid configuration fails here, at declaration
// time, rather than on first trigger.
func New[P, R any](tx Transactor, cfg Config, h Handlers[P, R], opts ...Option) (*Runner[P, R], error) {
	if err := ValidateMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("task %q: invalid config: %w", cfg.Name, err)
	}
	if h.Effect == nil {
		return nil, fmt.Errorf("task %q: effect handler is required", cfg.Name)
	}
	if tx == nil {
		return nil, fmt.Errorf("task %q: transactor is required", cfg.Name)
	}
	cfg.Mode = NormalizeMode(cfg.Mode)

	o := options{
		logger: slog.Default(),
		tracer: otel.Tracer("statekit.task"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Runner[P, R]{
		cfg:   cfg,
		h:     h,
		tx:    tx,
		opts:  o,
		queue: newQueue[item[P]](),
		done:  make(chan struct{}),
	}, nil
}

// Name returns the trigger name.
func (r *Runner[P, R]) Name() string { return r.cfg.Name }

// Mode returns the concurrency mode.
func (r *Runner[P, R]) Mode() Mode { return r.cfg.Mode }

// Concurrency returns the parallel limit; zero means unlimited.
func (r *Runner[P, R]) Concurrency() int { return r.cfg.Concurrency }

// Start launches the watcher loop. Runs derive their context from ctx;
// cancelling it interrupts every in-flight run. Start is idempotent.
func (r *Runner[P, R]) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed.Load() {
		return
	}
	r.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(loopCtx)
}

// Trigger submits one payload. It returns false when the trigger was
// refused: the runner is closed, or ctx belongs to an open transaction
// body. Acceptance or dropping under exhaust is decided by the watcher.
func (r *Runner[P, R]) Trigger(ctx context.Context, payload P) bool {
	if txn.InTransaction(ctx) {
		r.refuse()
		return false
	}
	if r.closed.Load() {
		return false
	}

	r.track()
	if !r.queue.Enqueue(item[P]{payload: payload}) {
		r.settle()
		return false
	}
	return true
}

// Watch triggers once per value received from src until src is closed or
// ctx is done.
func (r *Runner[P, R]) Watch(ctx context.Context, src <-chan P) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-src:
			if !ok {
				return nil
			}
			r.Trigger(ctx, p)
		}
	}
}

// Flush blocks until every trigger submitted so far has settled.
func (r *Runner[P, R]) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.outstanding == 0 {
		r.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	r.waiters = append(r.waiters, ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the lifecycle counters.
func (r *Runner[P, R]) Stats() Stats {
	return Stats{
		Accepted:    r.stats.accepted.Load(),
		Dropped:     r.stats.dropped.Load(),
		Refused:     r.stats.refused.Load(),
		Started:     r.stats.started.Load(),
		Succeeded:   r.stats.succeeded.Load(),
		Failed:      r.stats.failed.Load(),
		Interrupted: r.stats.interrupted.Load(),
		Faults:      r.stats.faults.Load(),
		InFlight:    r.stats.inFlight.Load(),
		Queued:      r.queue.Len(),
	}
}

// Close stops the watcher, interrupts in-flight runs and waits for them.
// Queued triggers are dropped.
func (r *Runner[P, R]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.queue.Close()

	r.mu.Lock()
	started, cancel := r.started, r.cancel
	r.mu.Unlock()

	if started {
		cancel()
		<-r.done
	} else {
		r.drain()
	}
	r.runs.Wait()
}

func (r *Runner[P, R]) loop(ctx context.Context) {
	defer close(r.done)

	var group *errgroup.Group
	if r.cfg.Mode == ModeParallel {
		group = new(errgroup.Group)
		limit := r.cfg.Concurrency
		if limit == 0 {
			limit = -1
		}
		group.SetLimit(limit)
		defer func() { _ = group.Wait() }()
	}

	r.opts.logger.Debug("task watcher starting", "runner", r.cfg.Name, "mode", r.cfg.Mode)
	for {
		if ctx.Err() != nil {
			r.drain()
			r.opts.logger.Debug("task watcher stopping: context cancelled", "runner", r.cfg.Name)
			return
		}
		if it, ok := r.queue.TryDequeue(); ok {
			r.dispatch(ctx, group, it)
			continue
		}
		select {
		case <-ctx.Done():
			r.drain()
			r.opts.logger.Debug("task watcher stopping: context cancelled", "runner", r.cfg.Name)
			return
		case _, ok := <-r.queue.Wait():
			if !ok {
				r.drain()
				r.opts.logger.Debug("task watcher stopping: queue closed", "runner", r.cfg.Name)
				return
			}
		}
	}
}

// dispatch applies the concurrency mode to one trigger. A panic here is a
// watcher fault: it is reported and the loop keeps serving triggers.
func (r *Runner[P, R]) dispatch(ctx context.Context, group *errgroup.Group, it item[P]) {
	it.id = r.nextID.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			r.fault(it.id, 0, fmt.Errorf("watcher panic: %v", rec))
			r.settle()
		}
	}()

	switch r.cfg.Mode {
	case ModeExhaust:
		if !r.busy.CompareAndSwap(false, true) {
			r.stats.dropped.Add(1)
			r.emit(it.id, 0, diag.PhaseDropped)
			r.settle()
			return
		}
		launched := false
		defer func() {
			if !launched {
				r.busy.Store(false)
			}
		}()
		r.accept(it.id, 0)
		r.runs.Add(1)
		launched = true
		go func() {
			defer r.runs.Done()
			defer r.settle()
			defer r.busy.Store(false)
			r.execute(ctx, it, 0)
		}()

	case ModeLatest:
		gen := r.gen.Add(1)
		runCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		prev := r.cancelPrev
		r.cancelPrev = cancel
		r.mu.Unlock()
		if prev != nil {
			prev()
		}
		r.accept(it.id, gen)
		r.runs.Add(1)
		go func() {
			defer r.runs.Done()
			defer cancel()
			r.execute(runCtx, it, gen)
			r.settle()
		}()

	case ModeParallel:
		r.accept(it.id, 0)
		group.Go(func() error {
			r.execute(ctx, it, 0)
			r.settle()
			return nil
		})

	default:
		r.accept(it.id, 0)
		r.execute(ctx, it, 0)
		r.settle()
	}
}

// execute runs one accepted trigger to completion. It never panics.
func (r *Runner[P, R]) execute(ctx context.Context, it item[P], gen int64) {
	r.stats.inFlight.Add(1)
	defer r.stats.inFlight.Add(-1)

	ctx, span := r.opts.tracer.Start(ctx, "task."+r.cfg.Name,
		trace.WithAttributes(
			attribute.String("task.runner", r.cfg.Name),
			attribute.String("task.mode", string(r.cfg.Mode)),
			attribute.Int64("task.id", it.id),
			attribute.Int64("task.generation", gen),
		),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("task panicked: %v", rec)
			span.RecordError(err)
			span.SetStatus(codes.Error, "fault")
			r.fault(it.id, gen, err)
		}
	}()

	if r.h.Pending != nil {
		r.emit(it.id, gen, diag.PhasePending)
		// Once started the pending transaction completes even if the run is
		// cancelled meanwhile.
		_, err := r.tx.Transact(context.WithoutCancel(ctx), r.origin(it.id, diag.PhasePending), func(w txn.Writer) error {
			return r.h.Pending(w, it.payload)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pending writeback failed")
			r.fault(it.id, gen, fmt.Errorf("pending writeback: %w", err))
			return
		}
	}

	r.stats.started.Add(1)
	r.emit(it.id, gen, diag.PhaseRunning)
	result, err := r.h.Effect(ctx, it.payload)

	if ctx.Err() != nil || IsInterrupted(err) || r.stale(gen) {
		span.SetAttributes(attribute.Bool("task.interrupted", true))
		r.interrupted(it.id, gen)
		return
	}

	if err == nil {
		r.writeback(ctx, it, gen, diag.PhaseSuccess, r.h.Success != nil, func(w txn.Writer) error {
			return r.h.Success(w, it.payload, result)
		})
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.writeback(ctx, it, gen, diag.PhaseFailure, r.h.Failure != nil, func(w txn.Writer) error {
		return r.h.Failure(w, it.payload, err)
	})
}

// writeback commits the success or failure transaction. The generation is
// compared inside the transaction body so a superseded run cannot commit.
func (r *Runner[P, R]) writeback(ctx context.Context, it item[P], gen int64, phase diag.TaskPhase, has bool, fn func(w txn.Writer) error) {
	if has {
		_, err := r.tx.Transact(context.WithoutCancel(ctx), r.origin(it.id, phase), func(w txn.Writer) error {
			if r.stale(gen) {
				return errSuperseded
			}
			return fn(w)
		})
		switch {
		case errors.Is(err, errSuperseded):
			r.interrupted(it.id, gen)
			return
		case err != nil:
			r.fault(it.id, gen, fmt.Errorf("%s writeback: %w", phase, err))
			return
		}
	} else if r.stale(gen) {
		r.interrupted(it.id, gen)
		return
	}

	if phase == diag.PhaseSuccess {
		r.stats.succeeded.Add(1)
	} else {
		r.stats.failed.Add(1)
	}
	r.emit(it.id, gen, phase)
}

func (r *Runner[P, R]) stale(gen int64) bool {
	return gen != 0 && r.gen.Load() != gen
}

func (r *Runner[P, R]) origin(id int64, phase diag.TaskPhase) ir.Origin {
	return ir.Origin{
		Kind: ir.OriginTask,
		Name: r.cfg.Name,
		Details: map[string]string{
			"phase":   string(phase),
			"task_id": strconv.FormatInt(id, 10),
		},
	}
}

func (r *Runner[P, R]) accept(id, gen int64) {
	r.stats.accepted.Add(1)
	r.opts.logger.Debug("task accepted", "runner", r.cfg.Name, "task_id", id, "generation", gen)
	r.emit(id, gen, diag.PhaseAccepted)
}

func (r *Runner[P, R]) interrupted(id, gen int64) {
	r.stats.interrupted.Add(1)
	r.emit(id, gen, diag.PhaseInterrupted)
}

func (r *Runner[P, R]) fault(id, gen int64, err error) {
	r.stats.faults.Add(1)
	r.opts.logger.Error("task runner fault",
		"runner", r.cfg.Name,
		"task_id", id,
		"generation", gen,
		"error", err)
	r.opts.hub.Emit(diag.Event{Kind: diag.KindFault, Message: "task runner fault", Err: err})
	r.emit(id, gen, diag.PhaseFault)
}

func (r *Runner[P, R]) refuse() {
	r.stats.refused.Add(1)
	if diag.Production() {
		return
	}
	r.opts.logger.Warn("task triggered inside an open transaction; ignored", "runner", r.cfg.Name)
	r.opts.hub.Emit(diag.Event{
		Kind:    diag.KindMisuse,
		Message: fmt.Sprintf("task %q triggered inside an open transaction", r.cfg.Name),
	})
}

func (r *Runner[P, R]) emit(id, gen int64, phase diag.TaskPhase) {
	r.opts.hub.Emit(diag.Event{
		Kind: diag.KindTask,
		Task: &diag.TaskInfo{
			Runner:     r.cfg.Name,
			Mode:       string(r.cfg.Mode),
			TaskID:     id,
			Generation: gen,
			Phase:      phase,
		},
	})
}

func (r *Runner[P, R]) drain() {
	for {
		if _, ok := r.queue.TryDequeue(); !ok {
			return
		}
		r.stats.dropped.Add(1)
		r.settle()
	}
}

func (r *Runner[P, R]) track() {
	r.mu.Lock()
	r.outstanding++
	r.mu.Unlock()
}

func (r *Runner[P, R]) settle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outstanding--
	if r.outstanding > 0 {
		return
	}
	for _, w := range r.waiters {
		close(w)
	}
	r.waiters = nil
}
