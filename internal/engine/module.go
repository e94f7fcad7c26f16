package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/fieldpath"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/selector"
	"github.com/roach88/statekit/internal/task"
	"github.com/roach88/statekit/internal/trait"
	"github.com/roach88/statekit/internal/txn"
)

// Reducer applies one action to the draft. It runs inside the action's
// transaction and must not block.
type Reducer func(w txn.Writer, payload ir.IRValue) error

// CommitListener observes every non-zero commit, after the module lock is
// released. Transactions started from ctx belong to the same cascade.
type CommitListener func(ctx context.Context, t *txn.Transaction)

// Definition declares a module.
type Definition struct {
	Name      string
	Initial   ir.IRObject
	Actions   map[string]Reducer
	Traits    trait.Spec
	Selectors []selector.Query
	Resources *trait.Resources
}

// Module is one instance of a state module: an observable cell, its
// transaction manager, selector graph, traits and task runners.
//
// Thread-safety model:
//   - Transact/Dispatch: safe from any goroutine; bodies run one at a time
//   - Subscribe/OnCommit/AttachTask: safe from any goroutine
//   - Selector listeners run while the module lock is held and must not
//     call Transact or Subscribe synchronously
//
// INVARIANTS:
//   - the cell is written only by Commit, at most once per transaction
//   - selectors observe each commit in seq order
//   - a cascade never exceeds maxSteps commits
type Module struct {
	def       Definition
	cfg       config
	logger    *slog.Logger
	reg       *fieldpath.Registry
	mgr       *txn.Manager
	cell      *txn.Cell
	graph     *selector.Graph
	hub       *diag.Hub
	plan      ir.TraitPlan
	cycles    *CycleDetector
	selectors map[string]selector.Query

	// mu serializes transaction bodies and selector evaluation.
	mu sync.Mutex

	lmu       sync.RWMutex
	listeners map[int]CommitListener
	nextL     int
	traits    *trait.Installation
	runners   []task.Handle
	mounted   bool
	mountCtx  context.Context

	destroyed atomic.Bool
}

// New creates a module instance. Structural problems in the definition,
// such as duplicate trait targets, fail here.
func New(def Definition, opts ...Option) (*Module, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if def.Name == "" {
		return nil, &RuntimeError{Code: ErrCodeInvalidDefinition, Message: "module name is required"}
	}
	if def.Initial == nil {
		def.Initial = ir.IRObject{}
	}

	plan, err := trait.Compile(def.Traits)
	if err != nil {
		code := ErrCodeInvalidDefinition
		var dup *trait.DuplicateTargetError
		if errors.As(err, &dup) {
			code = ErrCodeDuplicateTarget
		}
		return nil, &RuntimeError{Code: code, Message: "trait spec rejected", Module: def.Name, Err: err}
	}

	selectors := make(map[string]selector.Query, len(def.Selectors))
	for _, q := range def.Selectors {
		if _, dup := selectors[q.ID]; dup {
			return nil, &RuntimeError{
				Code:    ErrCodeInvalidDefinition,
				Message: fmt.Sprintf("selector %q declared twice", q.ID),
				Module:  def.Name,
			}
		}
		selectors[q.ID] = q
	}

	logger := cfg.logger.With("module", def.Name)

	var reg *fieldpath.Registry
	if !cfg.noRegistry {
		reg = fieldpath.New()
		if err := reg.Seed(def.Initial, declaredPaths(plan, def.Selectors)...); err != nil {
			return nil, &RuntimeError{Code: ErrCodeInvalidDefinition, Message: "registry seeding failed", Module: def.Name, Err: err}
		}
	}

	hubOpts := []diag.HubOption{diag.WithModule(def.Name), diag.WithClock(cfg.now), diag.WithHubLogger(logger)}
	if cfg.diagLevel != nil {
		hubOpts = append(hubOpts, diag.WithLevel(*cfg.diagLevel))
	}
	hub := diag.NewHub(cfg.sinks, hubOpts...)

	mgrOpts := []txn.Option{
		txn.WithInstrumentation(cfg.level),
		txn.WithIDGenerator(cfg.ids),
		txn.WithLogger(logger),
		txn.WithTimeSource(cfg.now),
	}
	if reg != nil {
		mgrOpts = append(mgrOpts, txn.WithRegistry(reg))
	}

	m := &Module{
		def:       def,
		cfg:       cfg,
		logger:    logger,
		reg:       reg,
		mgr:       txn.NewManager(mgrOpts...),
		cell:      txn.NewCell(def.Initial),
		graph:     selector.NewGraph(reg, selector.WithHub(hub), selector.WithLogger(logger)),
		hub:       hub,
		plan:      plan,
		cycles:    NewCycleDetector(),
		selectors: selectors,
		listeners: make(map[int]CommitListener),
	}
	logger.Debug("module created",
		"actions", len(def.Actions),
		"traits", len(plan.Steps),
		"selectors", len(selectors),
		"instrumentation", cfg.level)
	return m, nil
}

func declaredPaths(plan ir.TraitPlan, selectors []selector.Query) []string {
	var out []string
	for _, s := range plan.Steps {
		out = append(out, s.TargetFieldPath)
		out = append(out, s.SourceFieldPaths...)
	}
	for _, q := range selectors {
		for _, p := range q.Reads {
			out = append(out, p.String())
		}
	}
	return out
}

// Name returns the module name.
func (m *Module) Name() string { return m.def.Name }

// State returns the last committed state.
func (m *Module) State() ir.IRObject { return m.cell.Get() }

// Registry returns the module's field path registry, or nil.
func (m *Module) Registry() *fieldpath.Registry { return m.reg }

// Plan returns the compiled trait plan.
func (m *Module) Plan() ir.TraitPlan { return m.plan }

// Hub returns the module's diagnostics hub.
func (m *Module) Hub() *diag.Hub { return m.hub }

// Seq returns the seq of the last commit.
func (m *Module) Seq() int64 { return m.mgr.Clock().Current() }

// Selector returns a declared selector by id.
func (m *Module) Selector(id string) (selector.Query, bool) {
	q, ok := m.selectors[id]
	return q, ok
}

// Actions returns the declared action names, sorted.
func (m *Module) Actions() []string {
	out := make([]string, 0, len(m.def.Actions))
	for name := range m.def.Actions {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Transact runs fn as one transaction.
//
// A body that leaves the draft reference-identical to the base is a
// zero-commit: nothing is written and (nil, nil) is returned. A body error
// or panic aborts the transaction. Calling Transact with a context that
// belongs to an open transaction body is refused rather than deadlocking.
func (m *Module) Transact(ctx context.Context, origin ir.Origin, fn func(w txn.Writer) error) (*txn.Transaction, error) {
	if open, ok := txn.OpenTransaction(ctx); ok {
		err := NewNestedTransactionError(m.def.Name, origin.Label(), open.ID)
		m.misuse(err)
		return nil, err
	}
	if m.destroyed.Load() {
		return nil, newDestroyedError(m.def.Name, origin.Label())
	}

	c, ctx, root := m.cascadeFor(ctx)
	if root {
		defer m.cycles.Clear(c.id)
	}

	prev, t, faulted, err := m.commitBody(ctx, c, origin, fn)
	if faulted {
		m.fault(err)
	}
	if err != nil || t == nil {
		return nil, err
	}

	m.notify(ctx, prev, t)
	return t, nil
}

// commitBody runs fn and commits under m.mu. faulted reports an error that
// must also be diagnosed as a fault.
func (m *Module) commitBody(ctx context.Context, c *cascade, origin ir.Origin, fn func(w txn.Writer) error) (prev ir.IRObject, t *txn.Transaction, faulted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev = m.cell.Get()
	m.mgr.Begin(origin, prev)
	w := txn.NewWriter(ctx, m.mgr, patchOptions(origin)...)

	if err := runBody(fn, w, origin); err != nil {
		m.mgr.Abort()
		return prev, nil, hasCode(err, ErrCodeBodyPanic), err
	}
	if err := m.guard(c, origin); err != nil {
		m.mgr.Abort()
		return prev, nil, true, err
	}

	t, err = m.mgr.Commit(m.cell)
	if err != nil || t == nil {
		return prev, nil, false, err
	}
	m.graph.OnCommit(t.Draft, selector.CommitMeta{TxnID: t.ID, Seq: t.Seq, Origin: t.Origin}, t.Dirty, m.hub.Level(), nil)
	m.emitCommit(t)
	return prev, t, false, nil
}

func runBody(fn func(w txn.Writer) error, w txn.Writer, origin ir.Origin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &RuntimeError{
				Code:    ErrCodeBodyPanic,
				Message: fmt.Sprintf("transaction body panicked: %v", rec),
				Origin:  origin.Label(),
			}
		}
	}()
	return fn(w)
}

// guard enforces the cascade quota and trait cycle detection on a
// transaction that is about to write. Zero-commits are not counted.
func (m *Module) guard(c *cascade, origin ir.Origin) error {
	cur := m.mgr.Current()
	if cur == nil || ir.SameRef(cur.Draft, cur.Base) {
		return nil
	}
	if err := c.quota.Check(c.id); err != nil {
		var se *StepsExceededError
		errors.As(err, &se)
		return NewQuotaError(m.def.Name, origin.Label(), se)
	}

	step := origin.Detail(trait.DetailStep)
	if step == "" {
		return nil
	}
	var v ir.IRValue
	if p, err := ir.ParsePath(origin.Name); err == nil {
		v, _ = ir.GetPath(cur.Draft, p)
	}
	h := valueHash(v)
	if m.cycles.WouldCycle(c.id, step, h) {
		return NewCycleError(m.def.Name, c.id, step, h)
	}
	m.cycles.Record(c.id, step, h)
	return nil
}

func patchOptions(origin ir.Origin) []txn.PatchOption {
	step := origin.Detail(trait.DetailStep)
	if step == "" {
		return nil
	}
	return []txn.PatchOption{txn.Step(step), txn.TraitNode(origin.Name)}
}

func (m *Module) emitCommit(t *txn.Transaction) {
	if !m.hub.Enabled(diag.LevelLight) {
		return
	}
	info := &diag.CommitInfo{
		TxnID:            t.ID,
		TxnSeq:           t.Seq,
		Origin:           t.Origin,
		Dirty:            t.Dirty,
		PatchCount:       t.PatchCount,
		PatchesTruncated: t.PatchesTruncated,
		DurationMs:       float64(t.Duration().Microseconds()) / 1000,
	}
	if m.mgr.Instrumentation() == txn.InstrumentFull {
		info.Patches = t.Patches
		info.Snapshot = t.Snapshot
	}
	m.hub.Emit(diag.Event{Kind: diag.KindCommit, Commit: info})
}

func (m *Module) notify(ctx context.Context, prev ir.IRObject, t *txn.Transaction) {
	m.lmu.RLock()
	traits := m.traits
	keys := make([]int, 0, len(m.listeners))
	for k := range m.listeners {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	listeners := make([]CommitListener, len(keys))
	for i, k := range keys {
		listeners[i] = m.listeners[k]
	}
	m.lmu.RUnlock()

	if traits != nil {
		traits.OnCommit(ctx, prev, t.Draft)
	}
	for _, l := range listeners {
		m.callListener(ctx, l, t)
	}
}

func (m *Module) callListener(ctx context.Context, l CommitListener, t *txn.Transaction) {
	defer func() {
		if rec := recover(); rec != nil {
			m.fault(fmt.Errorf("commit listener panicked on seq %d: %v", t.Seq, rec))
		}
	}()
	l(ctx, t)
}

// Dispatch runs a declared reducer in a reducer-origin transaction.
func (m *Module) Dispatch(ctx context.Context, action string, payload ir.IRValue) (*txn.Transaction, error) {
	reducer, ok := m.def.Actions[action]
	if !ok {
		return nil, NewUnknownActionError(m.def.Name, action)
	}
	if payload == nil {
		payload = ir.IRNull{}
	}
	origin := ir.Origin{Kind: ir.OriginReducer, Name: action}
	return m.Transact(ctx, origin, func(w txn.Writer) error {
		return reducer(w, payload)
	})
}

// Subscribe makes q live and returns its current value. onChange, if not
// nil, receives every later value that differs under q's equality. The
// returned function unsubscribes; it is safe to call more than once.
func (m *Module) Subscribe(q selector.Query, onChange selector.Listener) (ir.IRValue, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.graph.EnsureEntry(q, m.cell.Get()); err != nil {
		return nil, nil, err
	}
	var remove func()
	if onChange != nil {
		r, err := m.graph.Listen(q.ID, m.safeListener(q.ID, onChange))
		if err != nil {
			m.graph.ReleaseEntry(q.ID)
			return nil, nil, err
		}
		remove = r
	}
	v, _ := m.graph.Value(q.ID)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if remove != nil {
				remove()
			}
			m.graph.ReleaseEntry(q.ID)
		})
	}
	return v, unsubscribe, nil
}

// SubscribeDeclared subscribes to a selector declared in the definition.
func (m *Module) SubscribeDeclared(id string, onChange selector.Listener) (ir.IRValue, func(), error) {
	q, ok := m.selectors[id]
	if !ok {
		return nil, nil, fmt.Errorf("module %s: selector %q is not declared", m.def.Name, id)
	}
	return m.Subscribe(q, onChange)
}

func (m *Module) safeListener(id string, l selector.Listener) selector.Listener {
	return func(v ir.IRValue) {
		defer func() {
			if rec := recover(); rec != nil {
				m.fault(fmt.Errorf("selector %s listener panicked: %v", id, rec))
			}
		}()
		l(v)
	}
}

// SelectorStats reports the live selector entries.
func (m *Module) SelectorStats() []selector.Stats {
	return m.graph.Stats()
}

// OnCommit registers l for every later commit and returns a function that
// removes it.
func (m *Module) OnCommit(l CommitListener) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	key := m.nextL
	m.nextL++
	m.listeners[key] = l
	return func() {
		m.lmu.Lock()
		delete(m.listeners, key)
		m.lmu.Unlock()
	}
}

// AttachTask declares a task runner owned by m. The runner starts on
// Mount (or immediately if m is already mounted) and stops on Destroy.
func AttachTask[P, R any](m *Module, cfg task.Config, h task.Handlers[P, R], opts ...task.Option) (*task.Runner[P, R], error) {
	base := []task.Option{task.WithLogger(m.logger), task.WithHub(m.hub)}
	r, err := task.New(m, cfg, h, append(base, opts...)...)
	if err != nil {
		return nil, &RuntimeError{
			Code:    ErrCodeInvalidConcurrency,
			Message: fmt.Sprintf("task %q rejected", cfg.Name),
			Module:  m.def.Name,
			Err:     err,
		}
	}
	if err := m.attach(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Module) attach(r task.Handle) error {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if m.destroyed.Load() {
		return newDestroyedError(m.def.Name, "task:"+r.Name())
	}
	for _, existing := range m.runners {
		if existing.Name() == r.Name() {
			return &RuntimeError{
				Code:    ErrCodeInvalidConcurrency,
				Message: fmt.Sprintf("task %q attached twice", r.Name()),
				Module:  m.def.Name,
			}
		}
	}
	m.runners = append(m.runners, r)
	if m.mounted {
		r.Start(m.mountCtx)
	}
	return nil
}

// Runner returns an attached runner by name.
func (m *Module) Runner(name string) (task.Handle, bool) {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	for _, r := range m.runners {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// TaskStats returns the counters of every attached runner by name.
func (m *Module) TaskStats() map[string]task.Stats {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	out := make(map[string]task.Stats, len(m.runners))
	for _, r := range m.runners {
		out[r.Name()] = r.Stats()
	}
	return out
}

// Mount installs the traits, brings computed and link targets up to date,
// starts a refresh of every source and starts the task runners. Runners
// and background loads live until Destroy or until ctx is cancelled.
func (m *Module) Mount(ctx context.Context) error {
	if m.destroyed.Load() {
		return newDestroyedError(m.def.Name, "mount")
	}
	m.lmu.Lock()
	if m.mounted {
		m.lmu.Unlock()
		return nil
	}
	m.mounted = true
	m.mountCtx = ctx
	runners := slices.Clone(m.runners)
	m.lmu.Unlock()

	inst := trait.Install(ctx, m, m.plan, m.def.Traits,
		trait.WithResources(m.def.Resources),
		trait.WithLogger(m.logger),
		trait.WithHub(m.hub))

	m.lmu.Lock()
	m.traits = inst
	m.lmu.Unlock()

	inst.Sync(ctx)
	inst.RefreshAll()
	for _, r := range runners {
		r.Start(ctx)
	}

	m.logger.Info("module mounted",
		"traits", inst.Len(),
		"runners", len(runners),
		"plan_digest", m.plan.Digest)
	return nil
}

// Refresh reloads one source trait synchronously.
func (m *Module) Refresh(ctx context.Context, target string) error {
	m.lmu.RLock()
	inst := m.traits
	m.lmu.RUnlock()
	if inst == nil {
		return fmt.Errorf("module %s: refresh %s: not mounted", m.def.Name, target)
	}
	return inst.Refresh(ctx, target)
}

// Flush waits until background source loads and every attached runner
// have settled, repeating while settling produces new commits.
func (m *Module) Flush(ctx context.Context) error {
	const maxPasses = 100
	for range maxPasses {
		before := m.Seq()

		m.lmu.RLock()
		inst := m.traits
		runners := slices.Clone(m.runners)
		m.lmu.RUnlock()

		if inst != nil {
			done := make(chan struct{})
			go func() {
				inst.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, r := range runners {
			if err := r.Flush(ctx); err != nil {
				return err
			}
		}
		if m.Seq() == before {
			return nil
		}
	}
	return fmt.Errorf("module %s: flush did not settle after %d passes", m.def.Name, maxPasses)
}

// Destroy stops every runner and trait watcher. Later transactions are
// refused. Destroy is idempotent.
func (m *Module) Destroy() {
	if !m.destroyed.CompareAndSwap(false, true) {
		return
	}
	m.lmu.Lock()
	runners := m.runners
	inst := m.traits
	m.listeners = make(map[int]CommitListener)
	m.lmu.Unlock()

	for _, r := range runners {
		r.Close()
	}
	if inst != nil {
		inst.Close()
	}
	m.logger.Info("module destroyed", "commits", m.Seq())
}

func (m *Module) misuse(err error) {
	if diag.Production() {
		return
	}
	m.logger.Warn("transaction misuse", "error", err)
	m.hub.Emit(diag.Event{Kind: diag.KindMisuse, Message: err.Error(), Err: err})
}

func (m *Module) fault(err error) {
	m.logger.Error("module fault", "error", err)
	m.hub.Emit(diag.Event{Kind: diag.KindFault, Message: err.Error(), Err: err})
}
