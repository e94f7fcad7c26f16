// Package txn implements the state transaction manager.
//
// A Manager owns the single open transaction for one state container. Every
// mutation runs between Begin and Commit; Commit performs at most one write
// to the observable Cell and summarizes the touched roots as a DirtySet.
package txn

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/statekit/internal/fieldpath"
	"github.com/roach88/statekit/internal/ir"
)

// MaxPatches caps the value-level patch log kept under full instrumentation.
const MaxPatches = 256

// ErrNoTransaction is returned when an operation needs an open transaction.
var ErrNoTransaction = errors.New("no open transaction")

// Instrumentation selects how much of the patch log a transaction keeps.
// The DirtySet is maintained at every level.
type Instrumentation uint8

const (
	// InstrumentLight keeps dirty path membership and a patch count only.
	InstrumentLight Instrumentation = iota
	// InstrumentFull also keeps value-level patches and a final snapshot.
	InstrumentFull
)

func (i Instrumentation) String() string {
	if i == InstrumentFull {
		return "full"
	}
	return "light"
}

// Transaction is one atomic state-mutation unit.
//
// Fields are written only by the Manager that owns it. After Commit returns
// the transaction is immutable.
type Transaction struct {
	ID               string
	Seq              int64
	Origin           ir.Origin
	Base             ir.IRObject
	Draft            ir.IRObject
	Patches          []ir.PatchRecord
	PatchCount       int
	PatchesTruncated bool
	Dirty            ir.DirtySet
	Snapshot         ir.IRObject
	StartedAt        time.Time
	CommittedAt      time.Time

	dirtyIDs  map[ir.PathID]struct{}
	dirtyAll  bool
	reason    ir.DirtyReason
	committed bool
}

// Duration is the wall time between Begin and Commit.
func (t *Transaction) Duration() time.Duration {
	if t.CommittedAt.IsZero() {
		return 0
	}
	return t.CommittedAt.Sub(t.StartedAt)
}

// Committed reports whether the transaction was written to a cell.
func (t *Transaction) Committed() bool {
	return t.committed
}

func (t *Transaction) degrade(reason ir.DirtyReason) {
	if t.dirtyAll {
		return
	}
	t.dirtyAll = true
	t.reason = reason
	t.dirtyIDs = nil
}

// Manager owns the current transaction of one state container.
//
// Thread-safety: a Manager is single-writer. The owning module serializes
// Begin..Commit sequences; the Manager itself does no locking.
type Manager struct {
	registry *fieldpath.Registry
	level    Instrumentation
	clock    *Clock
	ids      IDGenerator
	logger   *slog.Logger
	now      func() time.Time

	current *Transaction
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry sets the field path registry used for dirty tracking.
// Without a registry every patch degrades its transaction to dirtyAll.
func WithRegistry(r *fieldpath.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithInstrumentation sets the patch log level. Default: light.
func WithInstrumentation(level Instrumentation) Option {
	return func(m *Manager) { m.level = level }
}

// WithClock sets the logical clock used to stamp commits.
func WithClock(c *Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator sets the transaction id generator. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTimeSource overrides the wall clock used for durations.
func WithTimeSource(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		level:  InstrumentLight,
		clock:  NewClock(),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the configured registry, possibly nil.
func (m *Manager) Registry() *fieldpath.Registry {
	return m.registry
}

// Instrumentation returns the configured patch log level.
func (m *Manager) Instrumentation() Instrumentation {
	return m.level
}

// Clock returns the commit clock.
func (m *Manager) Clock() *Clock {
	return m.clock
}

// Begin opens a transaction with initial as both base and draft.
//
// An already-open transaction is discarded and replaced, not queued.
// Callers that need ordering serialize upstream.
func (m *Manager) Begin(origin ir.Origin, initial ir.IRObject) *Transaction {
	if m.current != nil {
		m.logger.Warn("begin overwrote open transaction",
			"txn_id", m.current.ID,
			"origin", m.current.Origin.Label(),
			"new_origin", origin.Label())
	}
	t := &Transaction{
		ID:        m.ids.Generate(),
		Origin:    origin,
		Base:      initial,
		Draft:     initial,
		StartedAt: m.now(),
		dirtyIDs:  make(map[ir.PathID]struct{}),
	}
	m.current = t
	return t
}

// Current returns the open transaction, or nil.
func (m *Manager) Current() *Transaction {
	return m.current
}

// UpdateDraft replaces the draft. Last write wins; there is no merging.
func (m *Manager) UpdateDraft(next ir.IRObject) error {
	if m.current == nil {
		return ErrNoTransaction
	}
	m.current.Draft = next
	return nil
}

// RecordPatch appends a patch log entry and feeds dirty tracking.
func (m *Manager) RecordPatch(ref PathRef, reason ir.PatchReason, opts ...PatchOption) error {
	t := m.current
	if t == nil {
		return ErrNoTransaction
	}

	var id ir.PathID
	resolved := false
	if !t.dirtyAll {
		var dirty ir.DirtyReason
		id, dirty, resolved = m.resolve(ref, t.Origin)
		if resolved {
			root, _ := m.registry.RootID(id)
			t.dirtyIDs[root] = struct{}{}
		} else {
			t.degrade(dirty)
		}
	}

	t.PatchCount++
	if m.level != InstrumentFull {
		return nil
	}
	if len(t.Patches) >= MaxPatches {
		t.PatchesTruncated = true
		return nil
	}

	path := ref.String()
	if ref.kind == refID && m.registry != nil {
		if s := m.registry.String(ref.id); s != "" {
			path = s
		}
	}
	rec := ir.PatchRecord{
		OpSeq:    t.PatchCount,
		PathID:   id,
		Resolved: resolved,
		Path:     path,
		Reason:   reason,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	t.Patches = append(t.Patches, rec)
	return nil
}

// resolve applies the path resolution policy. The first matching rule wins.
func (m *Manager) resolve(ref PathRef, origin ir.Origin) (ir.PathID, ir.DirtyReason, bool) {
	switch ref.kind {
	case refNone:
		return 0, ir.DirtyCustomMutation, false
	case refWildcard:
		return 0, ir.DirtyUnknownWrite, false
	}
	if ref.kind == refString && ref.str == ir.Wildcard {
		return 0, ir.DirtyUnknownWrite, false
	}

	if m.registry == nil {
		if origin.Kind == ir.OriginReducer {
			return 0, ir.DirtyCustomMutation, false
		}
		return 0, ir.DirtyFallbackPolicy, false
	}

	switch ref.kind {
	case refID:
		if ref.id < 0 {
			return 0, ir.DirtyNonTrackablePatch, false
		}
		if !m.registry.Has(ref.id) {
			return 0, ir.DirtyFallbackPolicy, false
		}
		return ref.id, "", true
	case refString:
		if id, ok := m.registry.Lookup(ref.str); ok {
			return id, "", true
		}
		if p, err := ir.ParsePath(ref.str); err == nil {
			if id, ok := m.registry.LookupPath(p); ok {
				return id, "", true
			}
		}
		return 0, ir.DirtyFallbackPolicy, false
	default:
		id, err := m.registry.Intern(ref.path)
		if err != nil {
			return 0, ir.DirtyNonTrackablePatch, false
		}
		return id, "", true
	}
}

// Commit closes the open transaction.
//
// A draft that is reference-identical to its base is a zero-commit: the
// transaction is discarded and Commit returns (nil, nil). Otherwise the cell
// is written exactly once and the finalized transaction is returned.
func (m *Manager) Commit(cell *Cell) (*Transaction, error) {
	t := m.current
	if t == nil {
		return nil, ErrNoTransaction
	}
	m.current = nil

	if ir.SameRef(t.Draft, t.Base) {
		return nil, nil
	}

	t.Seq = m.clock.Next()
	t.CommittedAt = m.now()
	cell.set(t.Draft)
	t.committed = true

	switch {
	case t.dirtyAll:
		t.Dirty = ir.DirtyAllSet(t.reason)
	case len(t.dirtyIDs) == 0:
		t.Dirty = ir.DirtyAllSet(ir.DirtyUnknownWrite)
	default:
		t.Dirty = dirtyRoots(t.dirtyIDs)
	}
	t.dirtyIDs = nil

	if m.level == InstrumentFull {
		t.Snapshot = t.Draft
	}
	return t, nil
}

// Abort discards the open transaction without writing.
func (m *Manager) Abort() {
	m.current = nil
}

func dirtyRoots(set map[ir.PathID]struct{}) ir.DirtySet {
	ids := make([]ir.PathID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	h := xxhash.New()
	var buf [8]byte
	for _, id := range ids {
		v := uint64(id)
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	return ir.DirtySet{RootIDs: ids, RootCount: len(ids), KeyHash: h.Sum64()}
}
