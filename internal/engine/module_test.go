package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/selector"
	"github.com/roach88/statekit/internal/task"
	"github.com/roach88/statekit/internal/testutil"
	"github.com/roach88/statekit/internal/trait"
	"github.com/roach88/statekit/internal/txn"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestModule(t *testing.T, def Definition, opts ...Option) (*Module, *diag.Recorder) {
	t.Helper()
	rec := diag.NewRecorder()
	base := []Option{
		WithSinks(rec),
		WithDiagnosticsLevel(diag.LevelLight),
		WithIDGenerator(txn.NewSequenceGenerator("txn")),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}
	m, err := New(def, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m, rec
}

func faultsMatching(rec *diag.Recorder, substr string) []diag.Event {
	var out []diag.Event
	for _, e := range rec.OfKind(diag.KindFault) {
		if strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}

func increment(w txn.Writer, _ ir.IRValue) error {
	cur, _ := w.Get("count")
	n, _ := cur.(ir.IRInt)
	return w.Set("count", n+1)
}

func counterDef() Definition {
	return Definition{
		Name:    "counter",
		Initial: ir.Obj(ir.O("count", ir.IRInt(0)), ir.O("label", ir.IRString("clicks"))),
		Actions: map[string]Reducer{
			"increment": increment,
			"rename": func(w txn.Writer, p ir.IRValue) error {
				return w.Set("label", p)
			},
		},
	}
}

func readQuery(id, key string) selector.Query {
	return selector.Query{
		ID:    id,
		Reads: []ir.Path{ir.MustParsePath(key)},
		Select: func(s ir.IRObject) (ir.IRValue, error) {
			return s[key], nil
		},
	}
}

// =============================================================================
// Transactions
// =============================================================================

func TestModule_DispatchThreeIncrements(t *testing.T) {
	m, rec := newTestModule(t, counterDef())

	var mu sync.Mutex
	var seen []ir.IRValue
	current, unsubscribe, err := m.Subscribe(readQuery("count", "count"), func(v ir.IRValue) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()
	assert.Equal(t, ir.IRInt(0), current)

	for i := 0; i < 3; i++ {
		_, err := m.Dispatch(t.Context(), "increment", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, ir.IRInt(3), m.State()["count"])
	commits := rec.Commits()
	require.Len(t, commits, 3)
	for i, c := range commits {
		assert.Equal(t, int64(i+1), c.TxnSeq)
		assert.Equal(t, fmt.Sprintf("txn-%d", i+1), c.TxnID)
		assert.Equal(t, "reducer:increment", c.Origin.Label())
		assert.False(t, c.Dirty.DirtyAll)
		assert.Equal(t, 1, c.Dirty.RootCount)
	}
	assert.Equal(t, []ir.IRValue{ir.IRInt(1), ir.IRInt(2), ir.IRInt(3)}, seen)
}

func TestModule_ThreeIncrementsThroughSequentialTask(t *testing.T) {
	m, _ := newTestModule(t, counterDef())

	var seen []ir.IRValue
	_, unsubscribe, err := m.Subscribe(readQuery("count", "count"), func(v ir.IRValue) {
		seen = append(seen, v)
	})
	require.NoError(t, err)
	defer unsubscribe()

	r, err := AttachTask(m, task.Config{Name: "increment", Mode: task.ModeTask}, task.Handlers[int, int]{
		Effect:  func(_ context.Context, p int) (int, error) { return p, nil },
		Success: func(w txn.Writer, _ int, _ int) error { return increment(w, nil) },
	})
	require.NoError(t, err)
	require.NoError(t, m.Mount(t.Context()))

	for i := 0; i < 3; i++ {
		require.True(t, r.Trigger(t.Context(), i))
	}
	require.NoError(t, m.Flush(t.Context()))

	assert.Equal(t, ir.IRInt(3), m.State()["count"])
	assert.Equal(t, int64(3), m.Seq())
	assert.Equal(t, []ir.IRValue{ir.IRInt(1), ir.IRInt(2), ir.IRInt(3)}, seen)
}

func TestModule_ZeroCommit(t *testing.T) {
	m, rec := newTestModule(t, counterDef())
	var broadcasts int
	_, unsubscribe, err := m.Subscribe(readQuery("count", "count"), func(ir.IRValue) { broadcasts++ })
	require.NoError(t, err)
	defer unsubscribe()
	before := m.State()

	tx, err := m.Transact(t.Context(), ir.Origin{Kind: ir.OriginCustom, Name: "noop"}, func(w txn.Writer) error {
		cur, _ := w.Get("count")
		return w.Set("count", cur)
	})
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.True(t, ir.SameRef(before, m.State()))
	assert.Empty(t, rec.Commits())
	assert.Zero(t, broadcasts)
	assert.Zero(t, m.Seq())
}

func TestModule_BodyErrorAborts(t *testing.T) {
	m, rec := newTestModule(t, counterDef())
	errStop := errors.New("stop")

	_, err := m.Transact(t.Context(), ir.Origin{Kind: ir.OriginCustom}, func(w txn.Writer) error {
		require.NoError(t, w.Set("count", ir.IRInt(10)))
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, ir.IRInt(0), m.State()["count"])

	_, err = m.Transact(t.Context(), ir.Origin{Kind: ir.OriginCustom}, func(w txn.Writer) error {
		panic("bug")
	})
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeBodyPanic, re.Code)
	assert.Len(t, rec.OfKind(diag.KindFault), 1)

	_, err = m.Dispatch(t.Context(), "increment", nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(1), m.State()["count"])
}

func TestModule_NestedTransactRefused(t *testing.T) {
	prev := diag.SetProduction(false)
	t.Cleanup(func() { diag.SetProduction(prev) })
	m, rec := newTestModule(t, counterDef())

	var nested error
	_, err := m.Transact(t.Context(), ir.Origin{Kind: ir.OriginCustom, Name: "outer"}, func(w txn.Writer) error {
		_, nested = m.Dispatch(w.Context(), "increment", nil)
		return w.Set("label", ir.IRString("outer"))
	})
	require.NoError(t, err)
	assert.True(t, IsNestedTransactionError(nested))
	assert.Equal(t, ir.IRInt(0), m.State()["count"])
	assert.Equal(t, ir.IRString("outer"), m.State()["label"])
	assert.Len(t, rec.OfKind(diag.KindMisuse), 1)
}

func TestModule_UnknownAction(t *testing.T) {
	m, _ := newTestModule(t, counterDef())
	_, err := m.Dispatch(t.Context(), "decrement", nil)
	assert.True(t, IsUnknownActionError(err))
	assert.Equal(t, []string{"increment", "rename"}, m.Actions())
}

func TestModule_DuplicateTraitTarget(t *testing.T) {
	var re *RuntimeError
	_, err := New(Definition{
		Name: "dup",
		Traits: trait.Spec{
			"items[0]": trait.Link{From: "a"},
			"items.0":  trait.Link{From: "b"},
		},
	})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeDuplicateTarget, re.Code)
}

func TestModule_InvalidDefinition(t *testing.T) {
	_, err := New(Definition{})
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeInvalidDefinition, re.Code)

	q := readQuery("count", "count")
	_, err = New(Definition{Name: "x", Selectors: []selector.Query{q, q}})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeInvalidDefinition, re.Code)
}

// =============================================================================
// Dirty tracking and selectors
// =============================================================================

func TestModule_RegistrySeeded(t *testing.T) {
	def := counterDef()
	def.Traits = trait.Spec{"view.doubled": trait.Computed{Derive: func(ir.IRObject) (ir.IRValue, error) {
		return ir.IRInt(0), nil
	}}}
	def.Selectors = []selector.Query{readQuery("deep", "settings.theme")}
	m, _ := newTestModule(t, def)

	for _, p := range []string{"count", "label", "view", "view.doubled", "settings.theme"} {
		_, ok := m.Registry().Lookup(p)
		assert.True(t, ok, "expected %s to be interned", p)
	}
}

func TestModule_SelectorsOnlyReevaluateOnOverlap(t *testing.T) {
	m, rec := newTestModule(t, counterDef())
	_, u1, err := m.Subscribe(readQuery("count", "count"), nil)
	require.NoError(t, err)
	defer u1()
	_, u2, err := m.Subscribe(readQuery("label", "label"), nil)
	require.NoError(t, err)
	defer u2()

	_, err = m.Dispatch(t.Context(), "rename", ir.IRString("taps"))
	require.NoError(t, err)

	evals := rec.OfKind(diag.KindSelectorEval)
	require.Len(t, evals, 1)
	assert.Equal(t, "label", evals[0].Selector.ID)
	assert.True(t, evals[0].Selector.Changed)
}

func TestModule_DottedRootKeyDoesNotHideNestedWrite(t *testing.T) {
	def := Definition{
		Name: "dotted",
		Initial: ir.Obj(
			ir.O("a", ir.Obj(ir.O("b", ir.IRInt(0)))),
			ir.O("a.b", ir.IRInt(0)),
		),
		Actions: map[string]Reducer{
			"nested": func(w txn.Writer, p ir.IRValue) error { return w.Set("a.b", p) },
		},
	}
	m, rec := newTestModule(t, def)

	var seen []ir.IRValue
	_, unsubscribe, err := m.Subscribe(readQuery("a", "a"), func(v ir.IRValue) { seen = append(seen, v) })
	require.NoError(t, err)
	defer unsubscribe()

	_, err = m.Dispatch(t.Context(), "nested", ir.IRInt(9))
	require.NoError(t, err)

	commits := rec.Commits()
	require.Len(t, commits, 1)
	require.False(t, commits[0].Dirty.DirtyAll)
	aID, ok := m.Registry().Lookup("a")
	require.True(t, ok)
	assert.Equal(t, []ir.PathID{aID}, commits[0].Dirty.RootIDs)
	assert.Equal(t, ir.IRInt(0), m.State()["a.b"])

	require.Len(t, seen, 1)
	assert.True(t, ir.Equal(ir.Obj(ir.O("b", ir.IRInt(9))), seen[0]))
}

func TestModule_PanickingSinkDoesNotWedgeModule(t *testing.T) {
	var once sync.Once
	bad := diag.SinkFunc(func(e diag.Event) {
		if e.Kind == diag.KindCommit || e.Kind == diag.KindSelectorEval {
			once.Do(func() { panic("sink bug") })
		}
	})
	m, _ := newTestModule(t, counterDef(), WithSinks(bad))
	_, unsubscribe, err := m.Subscribe(readQuery("count", "count"), nil)
	require.NoError(t, err)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		for range 2 {
			if _, err := m.Dispatch(context.Background(), "increment", nil); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked after a sink panic")
	}
	assert.Equal(t, ir.IRInt(2), m.State()["count"])
}

func TestModule_WithoutRegistryFailsOpen(t *testing.T) {
	m, rec := newTestModule(t, counterDef(), WithoutRegistry())
	_, u1, err := m.Subscribe(readQuery("count", "count"), nil)
	require.NoError(t, err)
	defer u1()
	_, u2, err := m.Subscribe(readQuery("label", "label"), nil)
	require.NoError(t, err)
	defer u2()

	_, err = m.Dispatch(t.Context(), "increment", nil)
	require.NoError(t, err)

	commits := rec.Commits()
	require.Len(t, commits, 1)
	assert.True(t, commits[0].Dirty.DirtyAll)
	assert.Equal(t, ir.DirtyCustomMutation, commits[0].Dirty.Reason)
	assert.Len(t, rec.OfKind(diag.KindSelectorEval), 2)
}

func TestModule_UnsubscribeReleasesEntry(t *testing.T) {
	m, _ := newTestModule(t, counterDef())
	_, u1, err := m.Subscribe(readQuery("count", "count"), nil)
	require.NoError(t, err)
	_, u2, err := m.Subscribe(readQuery("count", "count"), nil)
	require.NoError(t, err)

	require.Len(t, m.SelectorStats(), 1)
	assert.Equal(t, 2, m.SelectorStats()[0].Refs)
	u1()
	u1()
	assert.Equal(t, 1, m.SelectorStats()[0].Refs)
	u2()
	assert.Empty(t, m.SelectorStats())
}

func TestModule_SubscribeDeclared(t *testing.T) {
	def := counterDef()
	def.Selectors = []selector.Query{readQuery("count", "count")}
	m, _ := newTestModule(t, def)

	v, unsubscribe, err := m.SubscribeDeclared("count", nil)
	require.NoError(t, err)
	defer unsubscribe()
	assert.Equal(t, ir.IRInt(0), v)

	_, _, err = m.SubscribeDeclared("missing", nil)
	require.Error(t, err)
}

func TestModule_ListenerPanicIsContained(t *testing.T) {
	m, rec := newTestModule(t, counterDef())
	_, unsubscribe, err := m.Subscribe(readQuery("count", "count"), func(ir.IRValue) { panic("listener bug") })
	require.NoError(t, err)
	defer unsubscribe()
	remove := m.OnCommit(func(context.Context, *txn.Transaction) { panic("commit listener bug") })
	defer remove()

	_, err = m.Dispatch(t.Context(), "increment", nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(1), m.State()["count"])
	assert.Len(t, rec.OfKind(diag.KindFault), 2)
}

func TestModule_FullInstrumentationRecordsTraitSteps(t *testing.T) {
	def := counterDef()
	def.Traits = trait.Spec{"doubled": trait.Computed{Derive: func(s ir.IRObject) (ir.IRValue, error) {
		n, _ := s["count"].(ir.IRInt)
		return n * 2, nil
	}}}
	m, rec := newTestModule(t, def, WithInstrumentation(txn.InstrumentFull))
	require.NoError(t, m.Mount(t.Context()))
	rec.Reset()

	_, err := m.Dispatch(t.Context(), "increment", nil)
	require.NoError(t, err)

	commits := rec.Commits()
	require.Len(t, commits, 2)
	assert.Equal(t, ir.OriginReducer, commits[0].Origin.Kind)
	require.Len(t, commits[0].Patches, 1)
	assert.Equal(t, "count", commits[0].Patches[0].Path)
	assert.Equal(t, ir.IRInt(0), commits[0].Patches[0].From)
	assert.Equal(t, ir.IRInt(1), commits[0].Patches[0].To)
	assert.NotNil(t, commits[0].Snapshot)

	assert.Equal(t, ir.OriginTraitComputed, commits[1].Origin.Kind)
	require.Len(t, commits[1].Patches, 1)
	assert.Equal(t, "computed-update:doubled", commits[1].Patches[0].StepID)
	assert.Equal(t, "doubled", commits[1].Patches[0].TraitNodeID)
	assert.Equal(t, ir.IRInt(2), m.State()["doubled"])
}

// =============================================================================
// Traits and tasks through the module
// =============================================================================

func TestModule_MountSyncsTraitsAndLoadsSources(t *testing.T) {
	res := trait.NewResources()
	res.Register("greeting", func(_ context.Context, key ir.IRValue) (ir.IRValue, error) {
		return ir.IRString(fmt.Sprintf("hello %v", key)), nil
	})
	def := counterDef()
	def.Resources = res
	def.Traits = trait.Spec{
		"mirror": trait.Link{From: "label"},
		"greeting": trait.Source{
			Resource: "greeting",
			Key:      func(s ir.IRObject) (ir.IRValue, error) { return s["label"], nil },
			Deps:     []string{"label"},
		},
	}
	m, _ := newTestModule(t, def)
	require.NoError(t, m.Mount(t.Context()))
	require.NoError(t, m.Flush(t.Context()))

	assert.Equal(t, ir.IRString("clicks"), m.State()["mirror"])
	assert.Equal(t, ir.IRString("hello clicks"), m.State()["greeting"])

	_, err := m.Dispatch(t.Context(), "rename", ir.IRString("taps"))
	require.NoError(t, err)
	require.NoError(t, m.Flush(t.Context()))
	assert.Equal(t, ir.IRString("taps"), m.State()["mirror"])
	assert.Equal(t, ir.IRString("hello taps"), m.State()["greeting"])

	require.NoError(t, m.Refresh(t.Context(), "greeting"))
	require.Error(t, m.Refresh(t.Context(), "mirror"))
}

func TestModule_RefreshBeforeMount(t *testing.T) {
	m, _ := newTestModule(t, counterDef())
	require.Error(t, m.Refresh(t.Context(), "anything"))
}

func TestModule_LatestTaskScenario(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m, rec := newTestModule(t, Definition{Name: "loader", Initial: ir.IRObject{}}, WithLogger(logger))

	io := map[int]*testutil.Deferred[int]{1: testutil.NewDeferred[int](), 2: testutil.NewDeferred[int]()}
	r, err := AttachTask(m, task.Config{Name: "load", Mode: task.ModeLatest}, task.Handlers[int, int]{
		Effect: func(ctx context.Context, p int) (int, error) { return io[p].Wait(ctx) },
		Success: func(w txn.Writer, p int, res int) error {
			logger.Info(fmt.Sprintf("success:%d", p))
			return w.Set("result", ir.IRInt(res))
		},
	})
	require.NoError(t, err)
	require.NoError(t, m.Mount(t.Context()))

	require.True(t, r.Trigger(t.Context(), 1))
	<-io[1].Waiting()
	require.True(t, r.Trigger(t.Context(), 2))
	<-io[2].Waiting()
	io[1].Resolve(100)
	io[2].Resolve(200)
	require.NoError(t, m.Flush(t.Context()))

	commits := rec.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, "success", commits[0].Origin.Detail("phase"))
	assert.Equal(t, ir.IRInt(200), m.State()["result"])
	assert.NotContains(t, logs.String(), "success:1")
	assert.Equal(t, int64(1), m.TaskStats()["load"].Succeeded)
}

func TestModule_TaskStartsWhenAttachedAfterMount(t *testing.T) {
	m, _ := newTestModule(t, counterDef())
	require.NoError(t, m.Mount(t.Context()))

	r, err := AttachTask(m, task.Config{Name: "bump"}, task.Handlers[struct{}, struct{}]{
		Effect:  func(context.Context, struct{}) (struct{}, error) { return struct{}{}, nil },
		Success: func(w txn.Writer, _ struct{}, _ struct{}) error { return increment(w, nil) },
	})
	require.NoError(t, err)
	require.True(t, r.Trigger(t.Context(), struct{}{}))
	require.NoError(t, m.Flush(t.Context()))
	assert.Equal(t, ir.IRInt(1), m.State()["count"])

	_, err = AttachTask(m, task.Config{Name: "bump"}, task.Handlers[struct{}, struct{}]{
		Effect: func(context.Context, struct{}) (struct{}, error) { return struct{}{}, nil },
	})
	require.Error(t, err)

	_, err = AttachTask(m, task.Config{Name: "bad", Mode: "sometimes"}, task.Handlers[int, int]{
		Effect: func(context.Context, int) (int, error) { return 0, nil },
	})
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeInvalidConcurrency, re.Code)

	_, ok := m.Runner("bump")
	assert.True(t, ok)
}

func TestModule_Destroy(t *testing.T) {
	m, _ := newTestModule(t, counterDef())
	gate := testutil.NewDeferred[int]()
	r, err := AttachTask(m, task.Config{Name: "slow"}, task.Handlers[int, int]{
		Effect:  func(ctx context.Context, _ int) (int, error) { return gate.Wait(ctx) },
		Success: func(w txn.Writer, _ int, _ int) error { return increment(w, nil) },
	})
	require.NoError(t, err)
	require.NoError(t, m.Mount(t.Context()))
	require.True(t, r.Trigger(t.Context(), 1))
	<-gate.Waiting()

	m.Destroy()
	m.Destroy()

	_, err = m.Dispatch(t.Context(), "increment", nil)
	assert.True(t, IsDestroyedError(err))
	assert.Equal(t, ir.IRInt(0), m.State()["count"])
	assert.Equal(t, int64(1), r.Stats().Interrupted)
	assert.True(t, IsDestroyedError(m.Mount(t.Context())))
}

func TestModule_FlushHonoursContext(t *testing.T) {
	m, _ := newTestModule(t, counterDef())
	gate := make(chan struct{})
	defer close(gate)
	r, err := AttachTask(m, task.Config{Name: "stuck"}, task.Handlers[int, int]{
		Effect: func(context.Context, int) (int, error) { <-gate; return 0, nil },
	})
	require.NoError(t, err)
	require.NoError(t, m.Mount(t.Context()))
	require.True(t, r.Trigger(t.Context(), 1))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Flush(ctx), context.DeadlineExceeded)
}
