package txn

import (
	"context"
	"fmt"

	"github.com/roach88/statekit/internal/ir"
)

type openTxnKey struct{}

// WithOpenTransaction marks ctx as running inside the body of t.
func WithOpenTransaction(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, openTxnKey{}, t)
}

// InTransaction reports whether ctx was derived inside a transaction body.
// Task lifecycles refuse to start from such a context.
func InTransaction(ctx context.Context) bool {
	_, ok := OpenTransaction(ctx)
	return ok
}

// OpenTransaction returns the transaction whose body ctx belongs to.
func OpenTransaction(ctx context.Context) (*Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	t, ok := ctx.Value(openTxnKey{}).(*Transaction)
	return t, ok && t != nil
}

// Writer is the mutation surface handed to transaction bodies. Every write
// updates the draft and records a patch in one step.
type Writer interface {
	// Context carries the open-transaction marker.
	Context() context.Context
	// Origin is the origin the transaction was begun with.
	Origin() ir.Origin
	// State returns the current draft.
	State() ir.IRObject
	// Get reads the draft at path.
	Get(path string) (ir.IRValue, bool)
	// Set writes v at path. Writing a reference-identical value is a no-op.
	Set(path string, v ir.IRValue) error
	// SetPath is Set with a structured path.
	SetPath(p ir.Path, v ir.IRValue) error
	// Replace swaps the whole draft and marks the transaction dirtyAll.
	Replace(next ir.IRObject) error
	// Mutate applies an untracked change and marks the transaction dirtyAll.
	Mutate(fn func(ir.IRObject) ir.IRObject) error
}

type draftWriter struct {
	ctx  context.Context
	m    *Manager
	opts []PatchOption
}

// NewWriter returns a Writer over m's open transaction. Every patch it
// records carries opts in addition to its own before/after values.
func NewWriter(ctx context.Context, m *Manager, opts ...PatchOption) Writer {
	if t := m.Current(); t != nil {
		ctx = WithOpenTransaction(ctx, t)
	}
	return &draftWriter{ctx: ctx, m: m, opts: opts}
}

func (w *draftWriter) Context() context.Context { return w.ctx }

func (w *draftWriter) Origin() ir.Origin {
	if t := w.m.Current(); t != nil {
		return t.Origin
	}
	return ir.Origin{}
}

func (w *draftWriter) State() ir.IRObject {
	if t := w.m.Current(); t != nil {
		return t.Draft
	}
	return nil
}

func (w *draftWriter) Get(path string) (ir.IRValue, bool) {
	p, err := ir.ParsePath(path)
	if err != nil {
		return nil, false
	}
	return ir.GetPath(w.State(), p)
}

func (w *draftWriter) Set(path string, v ir.IRValue) error {
	p, err := ir.ParsePath(path)
	if err != nil {
		return fmt.Errorf("set %q: %w", path, err)
	}
	return w.SetPath(p, v)
}

func (w *draftWriter) SetPath(p ir.Path, v ir.IRValue) error {
	t := w.m.Current()
	if t == nil {
		return ErrNoTransaction
	}
	from, existed := ir.GetPath(t.Draft, p)
	if existed && ir.SameRef(from, v) {
		return nil
	}
	next, err := ir.SetPath(t.Draft, p, v)
	if err != nil {
		return err
	}
	if err := w.m.UpdateDraft(next); err != nil {
		return err
	}
	opts := append([]PatchOption{From(from), To(v)}, w.opts...)
	return w.m.RecordPatch(ByPath(p), ir.PatchSet, opts...)
}

func (w *draftWriter) Replace(next ir.IRObject) error {
	t := w.m.Current()
	if t == nil {
		return ErrNoTransaction
	}
	if ir.SameRef(t.Draft, next) {
		return nil
	}
	if err := w.m.UpdateDraft(next); err != nil {
		return err
	}
	return w.m.RecordPatch(WildcardPath(), ir.PatchReplace, w.opts...)
}

func (w *draftWriter) Mutate(fn func(ir.IRObject) ir.IRObject) error {
	t := w.m.Current()
	if t == nil {
		return ErrNoTransaction
	}
	next := fn(t.Draft)
	if ir.SameRef(t.Draft, next) {
		return nil
	}
	if err := w.m.UpdateDraft(next); err != nil {
		return err
	}
	return w.m.RecordPatch(NoPath(), ir.PatchCustom, w.opts...)
}
