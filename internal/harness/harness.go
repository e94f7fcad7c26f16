package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/statekit/internal/compiler"
	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/fieldpath"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/journal"
	"github.com/roach88/statekit/internal/task"
	"github.com/roach88/statekit/internal/testutil"
	"github.com/roach88/statekit/internal/txn"
)

// DefaultStepTimeout bounds how long one step may take to settle.
const DefaultStepTimeout = 5 * time.Second

type config struct {
	logger      *slog.Logger
	journalPath string
	stepTimeout time.Duration
}

// Option configures Run.
type Option func(*config)

// WithLogger sets the logger passed to the module. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithJournal journals commits to the SQLite file at path instead of an
// in-memory database.
func WithJournal(path string) Option {
	return func(c *config) { c.journalPath = path }
}

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(c *config) { c.stepTimeout = d }
}

// Harness is one scenario execution.
type Harness struct {
	scenario *Scenario
	module   *engine.Module
	runners  map[string]*task.Runner[ir.IRValue, ir.IRValue]
	journal  *journal.Store
	sim      *simulator
	logger   *slog.Logger
	timeout  time.Duration

	mu         sync.Mutex
	broadcasts map[string][]ir.IRValue
	unsubs     map[string]func()
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Compile the scenario's specs and build the selected module
//  2. Open the commit journal and instantiate the module with it as sink
//  3. Mount and settle
//  4. Execute the steps, settling after each
//  5. Read the trace back from the journal and evaluate assertions
//
// Step and assertion failures are reported in the result. The returned
// error is reserved for scenarios that cannot be executed at all.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := config{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		journalPath: ":memory:",
		stepTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	spec, err := LoadModule(scenario)
	if err != nil {
		return nil, err
	}
	res, err := resources(scenario.Resources)
	if err != nil {
		return nil, err
	}
	prog, err := compiler.Build(spec, compiler.WithResources(res))
	if err != nil {
		return nil, fmt.Errorf("failed to build module %s: %w", spec.Name, err)
	}

	st, err := journal.Open(cfg.journalPath, journal.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer st.Close()

	sim := newSimulator()
	effects := make(map[string]compiler.TaskEffect)
	for _, name := range prog.TaskNames() {
		effects[name] = sim.effect(name)
	}

	level := txn.InstrumentLight
	if scenario.Instrumentation == "full" {
		level = txn.InstrumentFull
	}
	clock := testutil.NewStepClock(time.Time{}, time.Millisecond)
	m, runners, err := prog.Instantiate(effects,
		engine.WithSinks(st),
		engine.WithDiagnosticsLevel(diag.LevelLight),
		engine.WithInstrumentation(level),
		engine.WithIDGenerator(txn.NewSequenceGenerator("txn")),
		engine.WithLogger(cfg.logger),
		engine.WithTimeSource(clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module %s: %w", spec.Name, err)
	}
	defer m.Destroy()

	h := &Harness{
		scenario:   scenario,
		module:     m,
		runners:    runners,
		journal:    st,
		sim:        sim,
		logger:     cfg.logger,
		timeout:    cfg.stepTimeout,
		broadcasts: make(map[string][]ir.IRValue),
		unsubs:     make(map[string]func()),
	}
	defer h.unsubscribeAll()

	result := NewResult()
	if err := h.mount(ctx); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}
		h.logger.Debug("scenario step completed", "scenario", scenario.Name, "step", i, "seq", m.Seq())
	}

	for _, o := range sim.abandon() {
		result.AddError(fmt.Sprintf("held trigger of task %q with payload %v was never released", o.task, o.payload))
	}
	if err := h.settle(ctx); err != nil {
		result.AddError(fmt.Sprintf("final settle: %v", err))
	}
	if err := st.Err(); err != nil {
		return nil, fmt.Errorf("journal write failed: %w", err)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// LoadModule compiles the scenario's specs and returns the selected module.
func LoadModule(s *Scenario) (*ir.ModuleSpec, error) {
	var modules []ir.ModuleSpec
	for _, path := range s.Specs {
		res, errs := loadSpecPath(path)
		if len(errs) > 0 {
			return nil, fmt.Errorf("failed to compile %s: %w", path, errors.Join(errs...))
		}
		modules = append(modules, res.Modules...)
	}

	var spec *ir.ModuleSpec
	switch {
	case s.Module != "":
		for i := range modules {
			if modules[i].Name == s.Module {
				spec = &modules[i]
				break
			}
		}
		if spec == nil {
			return nil, fmt.Errorf("module %q not found in specs", s.Module)
		}
	case len(modules) == 1:
		spec = &modules[0]
	default:
		return nil, fmt.Errorf("specs define %d modules; set module to choose one", len(modules))
	}

	if verrs := compiler.Validate(spec); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, e := range verrs {
			errs[i] = e
		}
		return nil, fmt.Errorf("module %s is invalid: %w", spec.Name, errors.Join(errs...))
	}
	return spec, nil
}

func loadSpecPath(path string) (*compiler.LoadResult, []error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, []error{err}
	}
	if info.IsDir() {
		return compiler.LoadDir(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{err}
	}
	return compiler.LoadSource(path, data)
}

func (h *Harness) mount(ctx context.Context) error {
	if err := h.module.Mount(ctx); err != nil {
		return fmt.Errorf("failed to mount module: %w", err)
	}
	if err := h.settle(ctx); err != nil {
		return fmt.Errorf("failed to settle after mount: %w", err)
	}
	return nil
}

// execute runs one step and settles the module.
func (h *Harness) execute(ctx context.Context, step Step) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	kind, target := step.Kind()
	switch kind {
	case StepDispatch:
		payload, err := nodeValue(step.Payload)
		if err != nil {
			return fmt.Errorf("dispatch %s: payload: %w", target, err)
		}
		_, err = h.module.Dispatch(ctx, target, payload)
		switch {
		case step.ExpectError != "" && err == nil:
			return fmt.Errorf("dispatch %s: expected error containing %q", target, step.ExpectError)
		case step.ExpectError != "" && !containsError(err, step.ExpectError):
			return fmt.Errorf("dispatch %s: expected error containing %q, got %v", target, step.ExpectError, err)
		case step.ExpectError == "" && err != nil:
			return fmt.Errorf("dispatch %s: %w", target, err)
		}
		return h.settle(ctx)

	case StepTrigger:
		return h.trigger(ctx, target, step)

	case StepRelease:
		return h.release(ctx, target)

	case StepRefresh:
		if err := h.module.Refresh(ctx, target); err != nil {
			return err
		}
		return h.settle(ctx)

	case StepSubscribe:
		return h.subscribe(target)
	}
	return fmt.Errorf("invalid step")
}

func (h *Harness) trigger(ctx context.Context, name string, step Step) error {
	r, ok := h.runners[name]
	if !ok {
		return fmt.Errorf("trigger %s: no such task", name)
	}
	payload, err := nodeValue(step.Payload)
	if err != nil {
		return fmt.Errorf("trigger %s: payload: %w", name, err)
	}
	var (
		result  ir.IRValue
		failure error
	)
	if present(step.Result) {
		if result, err = nodeValue(step.Result); err != nil {
			return fmt.Errorf("trigger %s: result: %w", name, err)
		}
	}
	if present(step.Error) {
		v, err := nodeValue(step.Error)
		if err != nil {
			return fmt.Errorf("trigger %s: error: %w", name, err)
		}
		failure = &compiler.TaskError{Value: v}
	}

	before := r.Stats()
	o := h.sim.expect(name, payload, result, failure, step.Hold)
	if !r.Trigger(ctx, payload) {
		return fmt.Errorf("trigger %s: refused", name)
	}
	if err := h.awaitPickup(ctx, r, o, before); err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	if step.Hold {
		return nil
	}
	if !h.sim.blocking() {
		return h.settle(ctx)
	}
	if !o.isPicked() {
		return nil
	}
	if err := waitChan(ctx, o.done); err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	return waitTerminal(ctx, r, terminal(before)+1)
}

func (h *Harness) release(ctx context.Context, name string) error {
	r, ok := h.runners[name]
	if !ok {
		return fmt.Errorf("release %s: no such task", name)
	}
	before := r.Stats()
	var running []*outcome
	released := h.sim.release(name)
	if len(released) == 0 {
		return fmt.Errorf("release %s: nothing held", name)
	}
	for _, o := range released {
		if o.isPicked() && !o.isDone() {
			running = append(running, o)
		}
	}
	if !h.sim.blocking() {
		return h.settle(ctx)
	}
	for _, o := range running {
		if err := waitChan(ctx, o.done); err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
	}
	return waitTerminal(ctx, r, terminal(before)+int64(len(running)))
}

func (h *Harness) subscribe(id string) error {
	h.mu.Lock()
	_, dup := h.unsubs[id]
	h.mu.Unlock()
	if dup {
		return fmt.Errorf("subscribe %s: already subscribed", id)
	}
	_, unsubscribe, err := h.module.SubscribeDeclared(id, func(v ir.IRValue) {
		h.mu.Lock()
		h.broadcasts[id] = append(h.broadcasts[id], v)
		h.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	h.mu.Lock()
	h.unsubs[id] = unsubscribe
	if _, ok := h.broadcasts[id]; !ok {
		h.broadcasts[id] = []ir.IRValue{}
	}
	h.mu.Unlock()
	return nil
}

func (h *Harness) unsubscribeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, unsubscribe := range h.unsubs {
		unsubscribe()
	}
	h.unsubs = map[string]func(){}
}

// settle flushes the module unless a held trigger could keep it busy.
func (h *Harness) settle(ctx context.Context) error {
	if h.sim.blocking() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.module.Flush(ctx)
}

// awaitPickup waits until the runner has decided the fate of the trigger
// just submitted: its effect started, it was dropped, or it is queued
// behind a run that occupies every slot.
func (h *Harness) awaitPickup(ctx context.Context, r *task.Runner[ir.IRValue, ir.IRValue], o *outcome, before task.Stats) error {
	limit := int64(0)
	switch r.Mode() {
	case task.ModeTask:
		limit = 1
	case task.ModeParallel:
		limit = int64(r.Concurrency())
	}
	return poll(ctx, func() bool {
		if o.isPicked() {
			return true
		}
		st := r.Stats()
		if st.Dropped > before.Dropped {
			return true
		}
		return limit > 0 && st.InFlight >= limit
	})
}

// collect reads the journaled trace and final state into result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	commits, err := h.journal.ReadCommits(ctx, h.module.Name())
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	reg := h.module.Registry()
	for _, c := range commits {
		result.Trace = append(result.Trace, traceEvent(reg, c))
	}

	h.mu.Lock()
	for id, values := range h.broadcasts {
		result.Broadcasts[id] = slices.Clone(values)
	}
	h.mu.Unlock()

	result.State = h.module.State()
	for name, st := range h.module.TaskStats() {
		result.Tasks[name] = st
	}
	return nil
}

func traceEvent(reg *fieldpath.Registry, c journal.Commit) TraceEvent {
	ev := TraceEvent{
		Seq:     c.TxnSeq,
		TxnID:   c.TxnID,
		Origin:  originString(c.Origin),
		Patches: c.PatchCount,
	}
	if c.Dirty.DirtyAll {
		ev.Dirty = []string{ir.Wildcard}
		ev.DirtyReason = c.Dirty.Reason
		return ev
	}
	ev.Dirty = make([]string, 0, len(c.Dirty.RootIDs))
	for _, id := range c.Dirty.RootIDs {
		name := fmt.Sprintf("#%d", id)
		if reg != nil {
			if key, ok := reg.RootKey(id); ok {
				name = key
			}
		}
		ev.Dirty = append(ev.Dirty, name)
	}
	slices.Sort(ev.Dirty)
	return ev
}

func originString(o ir.Origin) string {
	if phase := o.Detail("phase"); phase != "" {
		return o.Label() + "/" + phase
	}
	return o.Label()
}

func terminal(st task.Stats) int64 {
	return st.Succeeded + st.Failed + st.Interrupted + st.Faults
}

func waitTerminal(ctx context.Context, r *task.Runner[ir.IRValue, ir.IRValue], target int64) error {
	return poll(ctx, func() bool { return terminal(r.Stats()) >= target })
}

func waitChan(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func poll(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func containsError(err error, substr string) bool {
	return err != nil && strings.Contains(err.Error(), substr)
}
