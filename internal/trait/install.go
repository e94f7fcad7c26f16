package trait

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/txn"
)

// Host is the module surface traits write through. Every trait write is an
// ordinary transaction, so it takes part in dirty tracking like any action.
type Host interface {
	State() ir.IRObject
	Transact(ctx context.Context, origin ir.Origin, fn func(w txn.Writer) error) (*txn.Transaction, error)
}

// Origin detail keys set on trait transactions.
const (
	DetailStep     = "step"
	DetailResource = "resource"
)

type binding struct {
	step    ir.TraitStep
	target  ir.Path
	sources []ir.Path
	entry   Entry
	gen     atomic.Int64
}

// Installation is the set of watchers bound for one module instance.
// It lives until Close.
//
// Thread-safety: OnCommit, Refresh and RefreshAll may be called
// concurrently. Writes are serialized by the host.
type Installation struct {
	host      Host
	plan      ir.TraitPlan
	bindings  []*binding
	byTarget  map[string]*binding
	resources *Resources
	logger    *slog.Logger
	hub       *diag.Hub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Installation.
type Option func(*Installation)

// WithResources sets the registry source traits load from.
func WithResources(r *Resources) Option {
	return func(i *Installation) { i.resources = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Installation) { i.logger = l }
}

// WithHub sets the diagnostics hub.
func WithHub(h *diag.Hub) Option {
	return func(i *Installation) { i.hub = h }
}

// Install binds every plan step to its entry in spec.
//
// Steps that reference a missing entry, or an entry of another kind, are
// skipped with a trait-config diagnostic rather than failing the module.
// Background source loads run under ctx until Close.
func Install(ctx context.Context, host Host, plan ir.TraitPlan, spec Spec, opts ...Option) *Installation {
	inst := &Installation{
		host:     host,
		plan:     plan,
		byTarget: make(map[string]*binding, len(plan.Steps)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(inst)
	}
	inst.ctx, inst.cancel = context.WithCancel(context.WithoutCancel(ctx))

	entries := make(map[string]Entry, len(spec))
	for k, e := range spec {
		if n, err := normalize(k); err == nil {
			entries[n] = e
		}
	}

	for _, step := range plan.Steps {
		b, err := bind(step, entries[step.TargetFieldPath])
		if err != nil {
			inst.configError(step, err)
			continue
		}
		inst.bindings = append(inst.bindings, b)
		inst.byTarget[step.TargetFieldPath] = b
	}

	inst.logger.Debug("traits installed",
		"steps", len(plan.Steps),
		"bound", len(inst.bindings),
		"plan_digest", plan.Digest)
	return inst
}

func bind(step ir.TraitStep, e Entry) (*binding, error) {
	if e == nil {
		return nil, fmt.Errorf("no trait entry for target %s", step.TargetFieldPath)
	}
	want := map[ir.StepKind]ir.TraitKind{
		ir.StepComputedUpdate: ir.TraitComputed,
		ir.StepLinkPropagate:  ir.TraitLink,
		ir.StepSourceRefresh:  ir.TraitSource,
	}[step.Kind]
	if e.Kind() != want {
		return nil, fmt.Errorf("step %s references a %s entry", step.ID(), e.Kind())
	}

	target, err := ir.ParsePath(step.TargetFieldPath)
	if err != nil {
		return nil, err
	}
	b := &binding{step: step, target: target, entry: e}
	for _, s := range step.SourceFieldPaths {
		p, err := ir.ParsePath(s)
		if err != nil {
			return nil, err
		}
		b.sources = append(b.sources, p)
	}
	if step.Kind == ir.StepLinkPropagate && len(b.sources) != 1 {
		return nil, fmt.Errorf("link step %s needs exactly one source", step.ID())
	}
	return b, nil
}

// Plan returns the installed plan.
func (i *Installation) Plan() ir.TraitPlan { return i.plan }

// Len returns the number of bound steps.
func (i *Installation) Len() int { return len(i.bindings) }

// Sync brings every computed and link target up to date with the current
// state. Called once on mount.
func (i *Installation) Sync(ctx context.Context) {
	for _, b := range i.bindings {
		switch b.entry.(type) {
		case Computed:
			i.compute(ctx, b)
		case Link:
			i.propagate(ctx, b)
		}
	}
}

// OnCommit reacts to one committed transaction. Computed traits re-derive,
// links whose source changed propagate, and sources whose deps changed
// refresh in the background.
func (i *Installation) OnCommit(ctx context.Context, prev, next ir.IRObject) {
	if i.isClosed() {
		return
	}
	for _, b := range i.bindings {
		switch b.entry.(type) {
		case Computed:
			i.compute(ctx, b)
		case Link:
			if changed(prev, next, b.sources) {
				i.propagate(ctx, b)
			}
		case Source:
			if changed(prev, next, b.sources) {
				i.refreshAsync(b)
			}
		}
	}
}

// Refresh loads one source trait synchronously. Load failures are logged
// and leave the target unchanged; only an unknown target is an error.
func (i *Installation) Refresh(ctx context.Context, target string) error {
	n, err := normalize(target)
	if err != nil {
		return err
	}
	b, ok := i.byTarget[n]
	if !ok {
		return fmt.Errorf("no trait installed at %s", n)
	}
	if _, ok := b.entry.(Source); !ok {
		return fmt.Errorf("trait at %s is %s, not source", n, b.entry.Kind())
	}
	i.refresh(ctx, b)
	return nil
}

// RefreshAll starts a background refresh of every source trait.
func (i *Installation) RefreshAll() {
	for _, b := range i.bindings {
		if _, ok := b.entry.(Source); ok {
			i.refreshAsync(b)
		}
	}
}

// Wait blocks until background refreshes finish.
func (i *Installation) Wait() {
	i.wg.Wait()
}

// Close cancels background loads and waits for them. No trait writes
// happen after Close returns.
func (i *Installation) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.mu.Unlock()

	i.cancel()
	i.wg.Wait()
}

func (i *Installation) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *Installation) compute(ctx context.Context, b *binding) {
	c := b.entry.(Computed)
	_, err := i.host.Transact(ctx, i.origin(b, ir.OriginTraitComputed), func(w txn.Writer) error {
		state := w.State()
		v, err := derive(c.Derive, state)
		if err != nil {
			return &evalError{err: err}
		}
		if cur, ok := ir.GetPath(state, b.target); ok && ir.Equal(cur, v) {
			return nil
		}
		return w.SetPath(b.target, v)
	})
	if err != nil {
		i.writeError(b, err)
	}
}

func (i *Installation) propagate(ctx context.Context, b *binding) {
	_, err := i.host.Transact(ctx, i.origin(b, ir.OriginTraitLink), func(w txn.Writer) error {
		state := w.State()
		src, ok := ir.GetPath(state, b.sources[0])
		if !ok {
			return nil
		}
		if cur, ok := ir.GetPath(state, b.target); ok && ir.SameRef(cur, src) {
			return nil
		}
		return w.SetPath(b.target, src)
	})
	if err != nil {
		i.writeError(b, err)
	}
}

func (i *Installation) refreshAsync(b *binding) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.refresh(i.ctx, b)
	}()
}

// refresh loads and writes one source. A newer refresh of the same step
// supersedes this one: the generation is re-checked inside the write.
func (i *Installation) refresh(ctx context.Context, b *binding) {
	src := b.entry.(Source)
	gen := b.gen.Add(1)

	if !i.resources.Has(src.Resource) {
		i.logger.Debug("source resource not registered; skipping refresh",
			"target", b.step.TargetFieldPath,
			"resource", src.Resource)
		return
	}

	var key ir.IRValue = ir.IRNull{}
	if src.Key != nil {
		k, err := derive(DeriveFunc(src.Key), i.host.State())
		if err != nil {
			i.evalFailed(b, "source key evaluation failed", err)
			return
		}
		key = k
	}

	v, _, err := i.resources.Load(ctx, src.Resource, key)
	if err != nil {
		i.evalFailed(b, "source load failed", err)
		return
	}
	if ctx.Err() != nil || b.gen.Load() != gen {
		return
	}

	origin := i.origin(b, ir.OriginTraitSource)
	origin.Details[DetailResource] = src.Resource
	_, err = i.host.Transact(ctx, origin, func(w txn.Writer) error {
		if b.gen.Load() != gen {
			return nil
		}
		if cur, ok := ir.GetPath(w.State(), b.target); ok && ir.Equal(cur, v) {
			return nil
		}
		return w.SetPath(b.target, v)
	})
	if err != nil {
		i.writeError(b, err)
	}
}

func (i *Installation) origin(b *binding, kind ir.OriginKind) ir.Origin {
	return ir.Origin{
		Kind:    kind,
		Name:    b.step.TargetFieldPath,
		Details: map[string]string{DetailStep: b.step.ID()},
	}
}

type evalError struct{ err error }

func (e *evalError) Error() string { return e.err.Error() }
func (e *evalError) Unwrap() error { return e.err }

func (i *Installation) writeError(b *binding, err error) {
	var ee *evalError
	if errors.As(err, &ee) {
		i.evalFailed(b, "computed trait evaluation failed", ee.err)
		return
	}
	i.logger.Error("trait write failed",
		"step", b.step.ID(),
		"error", err)
	i.hub.Emit(diag.Event{
		Kind:    diag.KindTraitError,
		Message: fmt.Sprintf("trait %s write failed", b.step.ID()),
		Err:     err,
	})
}

func (i *Installation) evalFailed(b *binding, msg string, err error) {
	i.logger.Warn(msg,
		"step", b.step.ID(),
		"error", err)
	i.hub.Emit(diag.Event{
		Kind:    diag.KindTraitError,
		Message: fmt.Sprintf("%s: %s", b.step.ID(), msg),
		Err:     err,
	})
}

func (i *Installation) configError(step ir.TraitStep, err error) {
	i.logger.Warn("trait step skipped",
		"step", step.ID(),
		"error", err)
	i.hub.Emit(diag.Event{
		Kind:    diag.KindTraitConfig,
		Message: fmt.Sprintf("trait step %s skipped", step.ID()),
		Err:     err,
	})
}

func derive(fn DeriveFunc, state ir.IRObject) (v ir.IRValue, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	v, err = fn(state)
	if err == nil && v == nil {
		v = ir.IRNull{}
	}
	return v, err
}

func changed(prev, next ir.IRObject, paths []ir.Path) bool {
	for _, p := range paths {
		a, aok := ir.GetPath(prev, p)
		b, bok := ir.GetPath(next, p)
		if aok != bok || (aok && !ir.SameRef(a, b)) {
			return true
		}
	}
	return false
}
