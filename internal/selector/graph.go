// Package selector implements the selector graph: memoized reads over the
// committed state that are re-evaluated only when a commit's dirty roots
// overlap the roots they declare.
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/fieldpath"
	"github.com/roach88/statekit/internal/ir"
)

// Equality selects how a new selector value is compared to the cached one.
type Equality uint8

const (
	// EqualityIdentity compares containers by reference and scalars by value.
	EqualityIdentity Equality = iota
	// EqualityShallow compares one level deep by reference.
	EqualityShallow
	// EqualityCustom uses Query.Equal.
	EqualityCustom
)

func (e Equality) String() string {
	switch e {
	case EqualityShallow:
		return "shallow"
	case EqualityCustom:
		return "custom"
	default:
		return "identity"
	}
}

// ParseEquality parses "identity" (or ""), "shallow", "deep" or "custom".
// "deep" is custom equality with ir.Equal.
func ParseEquality(s string) (Equality, func(a, b ir.IRValue) bool, error) {
	switch s {
	case "", "identity":
		return EqualityIdentity, nil, nil
	case "shallow":
		return EqualityShallow, nil, nil
	case "deep":
		return EqualityCustom, ir.Equal, nil
	case "custom":
		return EqualityCustom, nil, nil
	default:
		return 0, nil, fmt.Errorf("unknown equality %q (want identity|shallow|deep|custom)", s)
	}
}

// Query is a compiled selector.
type Query struct {
	ID       string
	Reads    []ir.Path
	Select   func(state ir.IRObject) (ir.IRValue, error)
	Equality Equality
	Equal    func(a, b ir.IRValue) bool
}

func (q Query) validate() error {
	if q.ID == "" {
		return errors.New("selector id is required")
	}
	if q.Select == nil {
		return fmt.Errorf("selector %q: select function is required", q.ID)
	}
	if q.Equality == EqualityCustom && q.Equal == nil {
		return fmt.Errorf("selector %q: custom equality requires an Equal function", q.ID)
	}
	for _, p := range q.Reads {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("selector %q: read %q: %w", q.ID, p, err)
		}
	}
	return nil
}

func (q Query) equal(a, b ir.IRValue) bool {
	switch q.Equality {
	case EqualityShallow:
		return ir.ShallowEqual(a, b)
	case EqualityCustom:
		return q.Equal(a, b)
	default:
		return ir.SameRef(a, b)
	}
}

// Listener receives a selector's new value after a commit.
type Listener func(v ir.IRValue)

// Entry is a cached selector.
type Entry struct {
	query    Query
	rootKeys []string
	value    ir.IRValue
	refs     int
	subs     map[int]Listener
	nextSub  int
	evals    int
	lastEval time.Duration
}

// ID returns the selector id.
func (e *Entry) ID() string { return e.query.ID }

// CommitMeta identifies the commit being processed.
type CommitMeta struct {
	TxnID  string
	Seq    int64
	Origin ir.Origin
}

// Graph holds the live selector entries of one module instance.
//
// OnCommit is called by the committing goroutine once per commit; commits
// are already serialized by the owner. The internal mutex only protects the
// entry table against concurrent subscribe/unsubscribe. Listeners are
// invoked after it is released.
type Graph struct {
	registry *fieldpath.Registry
	hub      *diag.Hub
	logger   *slog.Logger

	mu       sync.Mutex
	entries  map[string]*Entry
	byRoot   map[string]map[string]struct{}
	unscoped map[string]struct{}
}

// Option configures a Graph.
type Option func(*Graph)

// WithHub sets the diagnostics hub.
func WithHub(h *diag.Hub) Option {
	return func(g *Graph) { g.hub = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// NewGraph creates a graph. A nil registry makes every commit re-evaluate
// every entry.
func NewGraph(reg *fieldpath.Registry, opts ...Option) *Graph {
	g := &Graph{
		registry: reg,
		logger:   slog.Default(),
		entries:  make(map[string]*Entry),
		byRoot:   make(map[string]map[string]struct{}),
		unscoped: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureEntry returns the entry for q.ID, creating and evaluating it against
// state if absent. Each call takes one reference; pair with ReleaseEntry.
func (g *Graph) EnsureEntry(q Query, state ir.IRObject) (*Entry, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[q.ID]; ok {
		e.refs++
		return e, nil
	}

	e := &Entry{query: q, refs: 1, subs: make(map[int]Listener)}
	seen := make(map[string]bool)
	for _, p := range q.Reads {
		if root, ok := p.Root(); ok && !seen[root] {
			seen[root] = true
			e.rootKeys = append(e.rootKeys, root)
		}
	}
	sort.Strings(e.rootKeys)

	v, err := g.evaluate(e, state)
	if err != nil {
		g.reportError(e, 0, err)
		v = ir.IRNull{}
	}
	e.value = v

	g.entries[q.ID] = e
	if len(e.rootKeys) == 0 {
		g.unscoped[q.ID] = struct{}{}
	}
	for _, root := range e.rootKeys {
		set, ok := g.byRoot[root]
		if !ok {
			set = make(map[string]struct{})
			g.byRoot[root] = set
		}
		set[q.ID] = struct{}{}
	}
	return e, nil
}

// ReleaseEntry drops one reference and removes the entry at zero.
func (g *Graph) ReleaseEntry(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(g.entries, id)
	delete(g.unscoped, id)
	for _, root := range e.rootKeys {
		if set, ok := g.byRoot[root]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(g.byRoot, root)
			}
		}
	}
}

// Listen registers l on the entry and returns a function that removes it.
func (g *Graph) Listen(id string, l Listener) (remove func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[id]
	if !ok {
		return nil, fmt.Errorf("selector %q is not live", id)
	}
	key := e.nextSub
	e.nextSub++
	e.subs[key] = l
	return func() {
		g.mu.Lock()
		delete(e.subs, key)
		g.mu.Unlock()
	}, nil
}

// Value returns the cached value of a live entry.
func (g *Graph) Value(id string) (ir.IRValue, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Stats describes one entry for inspection.
type Stats struct {
	ID          string
	RootKeys    []string
	Refs        int
	Listeners   int
	Evaluations int
	LastEval    time.Duration
}

// Stats returns per-entry statistics sorted by id.
func (g *Graph) Stats() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Stats, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, Stats{
			ID:          e.query.ID,
			RootKeys:    e.rootKeys,
			Refs:        e.refs,
			Listeners:   len(e.subs),
			Evaluations: e.evals,
			LastEval:    e.lastEval,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live entries.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

type broadcast struct {
	id        string
	value     ir.IRValue
	listeners []Listener
}

// OnCommit re-evaluates the entries whose roots overlap dirty, updates
// their caches and broadcasts changed values. It returns the ids of the
// entries that changed, in id order.
//
// Select errors and panics are diagnosed and treated as "unchanged"; they
// never fail the commit.
func (g *Graph) OnCommit(state ir.IRObject, meta CommitMeta, dirty ir.DirtySet, level diag.Level, onChanged func(id string, v ir.IRValue)) []string {
	out := g.reevaluate(state, meta, dirty, level)

	changed := make([]string, 0, len(out))
	for _, b := range out {
		changed = append(changed, b.id)
		if onChanged != nil {
			onChanged(b.id, b.value)
		}
		for _, l := range b.listeners {
			l(b.value)
		}
	}
	return changed
}

// reevaluate updates the caches of the candidate entries under g.mu and
// returns the broadcasts to deliver once the lock is released.
func (g *Graph) reevaluate(state ir.IRObject, meta CommitMeta, dirty ir.DirtySet, level diag.Level) []broadcast {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []broadcast
	for _, id := range g.candidates(dirty) {
		e := g.entries[id]
		start := time.Now()
		v, err := g.evaluate(e, state)
		if level >= diag.LevelLight {
			e.lastEval = time.Since(start)
		}
		if err != nil {
			g.reportError(e, meta.Seq, err)
			continue
		}
		changed := !e.query.equal(e.value, v)
		if level >= diag.LevelLight {
			g.hub.Emit(diag.Event{
				Kind: diag.KindSelectorEval,
				Selector: &diag.SelectorInfo{
					ID:       id,
					TxnSeq:   meta.Seq,
					Changed:  changed,
					Duration: e.lastEval,
				},
			})
		}
		if !changed {
			continue
		}
		e.value = v
		b := broadcast{id: id, value: v}
		keys := make([]int, 0, len(e.subs))
		for k := range e.subs {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			b.listeners = append(b.listeners, e.subs[k])
		}
		out = append(out, b)
	}
	return out
}

// candidates returns the ids to re-evaluate, sorted. Caller holds g.mu.
func (g *Graph) candidates(dirty ir.DirtySet) []string {
	if len(g.entries) == 0 {
		return nil
	}
	all := dirty.DirtyAll || g.registry == nil

	if len(g.entries) == 1 {
		for id, e := range g.entries {
			if all || len(e.rootKeys) == 0 || g.overlaps(e, dirty) {
				return []string{id}
			}
		}
		return nil
	}

	set := make(map[string]struct{})
	if all {
		for id := range g.entries {
			set[id] = struct{}{}
		}
	} else {
		for id := range g.unscoped {
			set[id] = struct{}{}
		}
		for _, rootID := range dirty.RootIDs {
			key, ok := g.registry.RootKey(rootID)
			if !ok {
				// An id this registry never issued: fail open.
				for id := range g.entries {
					set[id] = struct{}{}
				}
				break
			}
			for id := range g.byRoot[key] {
				set[id] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) overlaps(e *Entry, dirty ir.DirtySet) bool {
	for _, rootID := range dirty.RootIDs {
		key, ok := g.registry.RootKey(rootID)
		if !ok {
			return true
		}
		i := sort.SearchStrings(e.rootKeys, key)
		if i < len(e.rootKeys) && e.rootKeys[i] == key {
			return true
		}
	}
	return false
}

func (g *Graph) evaluate(e *Entry, state ir.IRObject) (v ir.IRValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("selector panicked: %v", r)
		}
	}()
	e.evals++
	v, err = e.query.Select(state)
	if err == nil && v == nil {
		v = ir.IRNull{}
	}
	return v, err
}

func (g *Graph) reportError(e *Entry, seq int64, err error) {
	g.logger.Warn("selector evaluation failed",
		"selector", e.query.ID,
		"seq", seq,
		"error", err)
	g.hub.Emit(diag.Event{
		Kind:     diag.KindSelectorError,
		Selector: &diag.SelectorInfo{ID: e.query.ID, TxnSeq: seq},
		Message:  "selector evaluation failed",
		Err:      err,
	})
}
