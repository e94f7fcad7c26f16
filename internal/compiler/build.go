package compiler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/selector"
	"github.com/roach88/statekit/internal/task"
	"github.com/roach88/statekit/internal/trait"
	"github.com/roach88/statekit/internal/txn"
)

// TaskEffect is the IO of a declared task. It receives the trigger payload
// and returns the value bound to result in the success phase.
type TaskEffect func(ctx context.Context, payload ir.IRValue) (ir.IRValue, error)

// Program is a compiled module ready to instantiate.
type Program struct {
	Spec       *ir.ModuleSpec
	Definition engine.Definition
	ev         *Evaluator
	tasks      map[string]compiledTask
}

type compiledTask struct {
	spec    ir.TaskSpec
	pending []assignment
	success []assignment
	failure []assignment
}

type assignment struct {
	path ir.Path
	expr *Expr
}

// BuildOption configures Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	ev        *Evaluator
	resources *trait.Resources
}

// WithEvaluator shares an evaluator between programs.
func WithEvaluator(ev *Evaluator) BuildOption {
	return func(c *buildConfig) { c.ev = ev }
}

// WithResources sets the resource loaders source traits read from.
func WithResources(r *trait.Resources) BuildOption {
	return func(c *buildConfig) { c.resources = r }
}

// Build turns a validated spec into a module definition. Every expression
// is parsed here; evaluation happens inside the module's transactions.
func Build(spec *ir.ModuleSpec, opts ...BuildOption) (*Program, error) {
	cfg := buildConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ev == nil {
		cfg.ev = NewEvaluator()
	}
	ev := cfg.ev

	def := engine.Definition{
		Name:      spec.Name,
		Initial:   spec.Initial,
		Actions:   make(map[string]engine.Reducer, len(spec.Actions)),
		Traits:    make(trait.Spec, len(spec.Traits)),
		Resources: cfg.resources,
	}

	for _, a := range spec.Actions {
		assign, err := compileAssignments(a.Assign)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", a.Name, err)
		}
		def.Actions[a.Name] = reducer(ev, a.Name, assign)
	}

	for _, t := range spec.Traits {
		entry, err := compileTrait(ev, t)
		if err != nil {
			return nil, fmt.Errorf("trait %s: %w", t.Target, err)
		}
		def.Traits[t.Target] = entry
	}

	for _, s := range spec.Selectors {
		q, err := compileSelector(ev, s)
		if err != nil {
			return nil, fmt.Errorf("selector %s: %w", s.ID, err)
		}
		def.Selectors = append(def.Selectors, q)
	}

	tasks := make(map[string]compiledTask, len(spec.Tasks))
	for _, t := range spec.Tasks {
		ct := compiledTask{spec: t}
		var err error
		if ct.pending, err = compileAssignments(t.Pending); err != nil {
			return nil, fmt.Errorf("task %s pending: %w", t.Name, err)
		}
		if ct.success, err = compileAssignments(t.Success); err != nil {
			return nil, fmt.Errorf("task %s success: %w", t.Name, err)
		}
		if ct.failure, err = compileAssignments(t.Failure); err != nil {
			return nil, fmt.Errorf("task %s failure: %w", t.Name, err)
		}
		tasks[t.Name] = ct
	}

	return &Program{Spec: spec, Definition: def, ev: ev, tasks: tasks}, nil
}

func compileAssignments(in []ir.Assignment) ([]assignment, error) {
	out := make([]assignment, 0, len(in))
	for _, a := range in {
		p, err := ir.ParsePath(a.Path)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", a.Path, err)
		}
		e, err := ParseExpr(a.Expr)
		if err != nil {
			return nil, err
		}
		out = append(out, assignment{path: p, expr: e})
	}
	return out, nil
}

// apply evaluates every assignment against the state as it was before the
// first write, then writes them in order.
func apply(ev *Evaluator, w txn.Writer, assign []assignment, bindings map[string]ir.IRValue) error {
	pre := w.State()
	values := make([]ir.IRValue, len(assign))
	for i, a := range assign {
		v, err := ev.EvalWith(a.expr, pre, bindings)
		if err != nil {
			return fmt.Errorf("assign %s: %w", a.path, err)
		}
		values[i] = v
	}
	for i, a := range assign {
		if err := w.SetPath(a.path, values[i]); err != nil {
			return fmt.Errorf("assign %s: %w", a.path, err)
		}
	}
	return nil
}

func reducer(ev *Evaluator, name string, assign []assignment) engine.Reducer {
	return func(w txn.Writer, payload ir.IRValue) error {
		if err := apply(ev, w, assign, map[string]ir.IRValue{ScopePayload: payload}); err != nil {
			return fmt.Errorf("action %s: %w", name, err)
		}
		return nil
	}
}

func compileTrait(ev *Evaluator, t ir.TraitSpec) (trait.Entry, error) {
	switch t.Kind {
	case ir.TraitComputed:
		e, err := ParseExpr(t.Expr)
		if err != nil {
			return nil, err
		}
		return trait.Computed{
			Derive: func(state ir.IRObject) (ir.IRValue, error) {
				return ev.Eval(e, state, nil)
			},
			Reads: e.Reads(),
			Debug: &ir.DebugInfo{Label: t.Target, Source: t.Expr},
		}, nil
	case ir.TraitLink:
		return trait.Link{From: t.From, Debug: &ir.DebugInfo{Label: t.Target, Source: t.From}}, nil
	case ir.TraitSource:
		src := trait.Source{
			Resource: t.Resource,
			Deps:     t.Deps,
			Debug:    &ir.DebugInfo{Label: t.Target, Source: t.Resource},
		}
		if t.Key == "" {
			src.Key = func(ir.IRObject) (ir.IRValue, error) { return ir.IRNull{}, nil }
			return src, nil
		}
		e, err := ParseExpr(t.Key)
		if err != nil {
			return nil, err
		}
		src.Key = func(state ir.IRObject) (ir.IRValue, error) {
			return ev.Eval(e, state, nil)
		}
		if len(src.Deps) == 0 {
			src.Deps = e.Reads()
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown trait kind %q", t.Kind)
	}
}

func compileSelector(ev *Evaluator, s ir.SelectorSpec) (selector.Query, error) {
	e, err := ParseExpr(s.Expr)
	if err != nil {
		return selector.Query{}, err
	}

	reads := s.Reads
	if len(reads) == 0 {
		reads = e.Reads()
	}
	q := selector.Query{
		ID: s.ID,
		Select: func(state ir.IRObject) (ir.IRValue, error) {
			return ev.Eval(e, state, nil)
		},
	}
	for _, r := range reads {
		p, err := ir.ParsePath(r)
		if err != nil {
			return selector.Query{}, fmt.Errorf("read %q: %w", r, err)
		}
		q.Reads = append(q.Reads, p)
	}

	equality := s.Equality
	if equality == "" && e.direct == nil {
		// computed expressions build fresh values on every evaluation
		equality = "deep"
	}
	q.Equality, q.Equal, err = selector.ParseEquality(equality)
	if err != nil {
		return selector.Query{}, err
	}
	return q, nil
}

// TaskNames returns the declared task names in order.
func (p *Program) TaskNames() []string {
	names := make([]string, 0, len(p.tasks))
	for n := range p.tasks {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// AttachTasks attaches a runner for every declared task. A task without an
// entry in effects echoes its payload as its result.
func (p *Program) AttachTasks(m *engine.Module, effects map[string]TaskEffect, opts ...task.Option) (map[string]*task.Runner[ir.IRValue, ir.IRValue], error) {
	out := make(map[string]*task.Runner[ir.IRValue, ir.IRValue], len(p.tasks))
	for _, name := range p.TaskNames() {
		ct := p.tasks[name]
		effect := effects[name]
		if effect == nil {
			effect = func(_ context.Context, payload ir.IRValue) (ir.IRValue, error) { return payload, nil }
		}
		r, err := engine.AttachTask(m, task.Config{
			Name:        name,
			Mode:        task.Mode(ct.spec.Mode),
			Concurrency: ct.spec.Concurrency,
		}, p.handlers(ct, effect), opts...)
		if err != nil {
			return nil, err
		}
		out[name] = r
	}
	return out, nil
}

func (p *Program) handlers(ct compiledTask, effect TaskEffect) task.Handlers[ir.IRValue, ir.IRValue] {
	h := task.Handlers[ir.IRValue, ir.IRValue]{
		Effect: func(ctx context.Context, payload ir.IRValue) (ir.IRValue, error) {
			return effect(ctx, payload)
		},
	}
	if len(ct.pending) > 0 {
		h.Pending = func(w txn.Writer, payload ir.IRValue) error {
			return apply(p.ev, w, ct.pending, map[string]ir.IRValue{ScopePayload: payload})
		}
	}
	if len(ct.success) > 0 {
		h.Success = func(w txn.Writer, payload, result ir.IRValue) error {
			return apply(p.ev, w, ct.success, map[string]ir.IRValue{ScopePayload: payload, ScopeResult: result})
		}
	}
	if len(ct.failure) > 0 {
		h.Failure = func(w txn.Writer, payload ir.IRValue, cause error) error {
			msg := ir.IRString(cause.Error())
			var te *TaskError
			if errors.As(cause, &te) && te.Value != nil {
				return apply(p.ev, w, ct.failure, map[string]ir.IRValue{ScopePayload: payload, ScopeError: te.Value})
			}
			return apply(p.ev, w, ct.failure, map[string]ir.IRValue{ScopePayload: payload, ScopeError: msg})
		}
	}
	return h
}

// TaskError lets an effect fail with a structured value. The failure phase
// sees Value as error; other errors are bound as their message string.
type TaskError struct {
	Value ir.IRValue
}

func (e *TaskError) Error() string {
	if s, ok := e.Value.(ir.IRString); ok {
		return string(s)
	}
	b, err := ir.MarshalIRValue(e.Value)
	if err != nil {
		return "task failed"
	}
	return string(b)
}

// Instantiate builds the module and attaches the declared tasks.
func (p *Program) Instantiate(effects map[string]TaskEffect, opts ...engine.Option) (*engine.Module, map[string]*task.Runner[ir.IRValue, ir.IRValue], error) {
	m, err := engine.New(p.Definition, opts...)
	if err != nil {
		return nil, nil, err
	}
	runners, err := p.AttachTasks(m, effects)
	if err != nil {
		m.Destroy()
		return nil, nil, err
	}
	return m, runners, nil
}
