package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/testutil"
	"github.com/roach88/statekit/internal/txn"
)

// fakeModule serializes transactions over a single cell, the way a module
// instance does.
type fakeModule struct {
	mu      sync.Mutex
	m       *txn.Manager
	cell    *txn.Cell
	commits []*txn.Transaction
}

func newFakeModule(initial ir.IRObject) *fakeModule {
	return &fakeModule{
		m:    txn.NewManager(txn.WithIDGenerator(txn.NewSequenceGenerator("txn"))),
		cell: txn.NewCell(initial),
	}
}

func (f *fakeModule) Transact(ctx context.Context, origin ir.Origin, fn func(w txn.Writer) error) (t *txn.Transaction, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.m.Begin(origin, f.cell.Get())
	defer func() {
		if rec := recover(); rec != nil {
			f.m.Abort()
			t, err = nil, fmt.Errorf("transaction body panicked: %v", rec)
		}
	}()
	if err := fn(txn.NewWriter(ctx, f.m)); err != nil {
		f.m.Abort()
		return nil, err
	}
	t, err = f.m.Commit(f.cell)
	if t != nil {
		f.commits = append(f.commits, t)
	}
	return t, err
}

func (f *fakeModule) committed() []*txn.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*txn.Transaction, len(f.commits))
	copy(out, f.commits)
	return out
}

func (f *fakeModule) phases(phase diag.TaskPhase) []*txn.Transaction {
	var out []*txn.Transaction
	for _, t := range f.committed() {
		if t.Origin.Detail("phase") == string(phase) {
			out = append(out, t)
		}
	}
	return out
}

func newRecorderHub() (*diag.Hub, *diag.Recorder) {
	rec := diag.NewRecorder()
	return diag.NewHub([]diag.Sink{rec}, diag.WithLevel(diag.LevelLight)), rec
}

func flush(t *testing.T, r interface{ Flush(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
}

func TestNew_Validation(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	effect := func(context.Context, int) (int, error) { return 0, nil }

	tests := []struct {
		name string
		cfg  Config
		h    Handlers[int, int]
	}{
		{"missing name", Config{Mode: ModeTask}, Handlers[int, int]{Effect: effect}},
		{"unknown mode", Config{Name: "load", Mode: "burst"}, Handlers[int, int]{Effect: effect}},
		{"negative concurrency", Config{Name: "load", Mode: ModeParallel, Concurrency: -1}, Handlers[int, int]{Effect: effect}},
		{"missing effect", Config{Name: "load"}, Handlers[int, int]{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(mod, tt.cfg, tt.h)
			require.Error(t, err)
		})
	}

	r, err := New(mod, Config{Name: "load"}, Handlers[int, int]{Effect: effect})
	require.NoError(t, err)
	assert.Equal(t, ModeTask, r.Mode())
	assert.Equal(t, "load", r.Name())
}

func TestRunner_SequentialWritesBackInOrder(t *testing.T) {
	mod := newFakeModule(ir.Obj(ir.O("count", ir.IRInt(0))))
	r, err := New(mod, Config{Name: "inc", Mode: ModeTask}, Handlers[int, int]{
		Effect: func(_ context.Context, p int) (int, error) { return p, nil },
		Success: func(w txn.Writer, _ int, res int) error {
			cur, _ := w.Get("count")
			return w.Set("count", ir.IRInt(int64(cur.(ir.IRInt))+int64(res)))
		},
	})
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	for i := 1; i <= 3; i++ {
		require.True(t, r.Trigger(t.Context(), i))
	}
	flush(t, r)

	assert.Equal(t, ir.IRInt(6), mod.cell.Get()["count"])
	commits := mod.phases(diag.PhaseSuccess)
	require.Len(t, commits, 3)
	for i, c := range commits {
		assert.Equal(t, fmt.Sprint(i+1), c.Origin.Detail("task_id"))
		assert.Equal(t, ir.OriginTask, c.Origin.Kind)
		assert.Equal(t, "inc", c.Origin.Name)
	}
	st := r.Stats()
	assert.Equal(t, int64(3), st.Accepted)
	assert.Equal(t, int64(3), st.Succeeded)
	assert.Zero(t, st.InFlight)
}

func TestRunner_LatestDiscardsSupersededWriteback(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hub, rec := newRecorderHub()

	io := map[int]*testutil.Deferred[int]{
		1: testutil.NewDeferred[int](),
		2: testutil.NewDeferred[int](),
	}
	mod := newFakeModule(ir.IRObject{})
	var successCalls atomic.Int32

	r, err := New(mod, Config{Name: "load", Mode: ModeLatest}, Handlers[int, int]{
		Effect: func(ctx context.Context, p int) (int, error) {
			return io[p].Wait(ctx)
		},
		Success: func(w txn.Writer, p int, res int) error {
			successCalls.Add(1)
			logger.Info(fmt.Sprintf("success:%d", p))
			return w.Set("result", ir.IRInt(res))
		},
	}, WithLogger(logger), WithHub(hub))
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	<-io[1].Waiting()
	require.True(t, r.Trigger(t.Context(), 2))
	<-io[2].Waiting()

	io[1].Resolve(100)
	io[2].Resolve(200)
	flush(t, r)

	assert.Equal(t, int32(1), successCalls.Load())
	commits := mod.phases(diag.PhaseSuccess)
	require.Len(t, commits, 1)
	assert.Equal(t, ir.IRInt(200), mod.cell.Get()["result"])
	assert.Equal(t, "2", commits[0].Origin.Detail("task_id"))
	assert.NotContains(t, logs.String(), "success:1")
	assert.Contains(t, logs.String(), "success:2")

	assert.Equal(t, int64(1), r.Stats().Interrupted)
	assert.Contains(t, rec.TaskPhases("load"), diag.PhaseInterrupted)
}

func TestRunner_LatestGenerationGuardsCompletedIO(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	first := testutil.NewDeferred[int]()
	release := make(chan struct{})

	// The first effect ignores cancellation, so it completes with a value
	// after the second trigger already superseded it.
	r, err := New(mod, Config{Name: "load", Mode: ModeLatest}, Handlers[int, int]{
		Effect: func(ctx context.Context, p int) (int, error) {
			if p == 1 {
				v, _ := first.Wait(context.Background())
				return v, nil
			}
			<-release
			return p * 100, nil
		},
		Success: func(w txn.Writer, p int, res int) error {
			return w.Set("result", ir.IRInt(res))
		},
	})
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	<-first.Waiting()
	require.True(t, r.Trigger(t.Context(), 2))
	require.Eventually(t, func() bool { return r.Stats().Started == 2 }, time.Second, time.Millisecond)

	first.Resolve(100)
	close(release)
	flush(t, r)

	commits := mod.phases(diag.PhaseSuccess)
	require.Len(t, commits, 1)
	assert.Equal(t, ir.IRInt(200), mod.cell.Get()["result"])
}

func TestRunner_ExhaustDropsWhileBusy(t *testing.T) {
	hub, rec := newRecorderHub()
	mod := newFakeModule(ir.IRObject{})
	gate := testutil.NewDeferred[int]()

	r, err := New(mod, Config{Name: "save", Mode: ModeExhaust}, Handlers[int, int]{
		Pending: func(w txn.Writer, p int) error {
			return w.Set(fmt.Sprintf("pending%d", p), ir.IRBool(true))
		},
		Effect: func(ctx context.Context, p int) (int, error) {
			if p == 1 {
				return gate.Wait(ctx)
			}
			return p, nil
		},
		Success: func(w txn.Writer, p int, res int) error {
			return w.Set(fmt.Sprintf("done%d", p), ir.IRInt(res))
		},
	}, WithHub(hub))
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	<-gate.Waiting()
	require.True(t, r.Trigger(t.Context(), 2))
	require.Eventually(t, func() bool { return r.Stats().Dropped == 1 }, time.Second, time.Millisecond)

	gate.Resolve(10)
	flush(t, r)

	require.True(t, r.Trigger(t.Context(), 3))
	flush(t, r)

	state := mod.cell.Get()
	assert.Contains(t, state, "pending1")
	assert.NotContains(t, state, "pending2")
	assert.NotContains(t, state, "done2")
	assert.Equal(t, ir.IRInt(3), state["done3"])
	assert.Len(t, mod.phases(diag.PhasePending), 2)
	assert.Len(t, mod.phases(diag.PhaseSuccess), 2)
	assert.Contains(t, rec.TaskPhases("save"), diag.PhaseDropped)
}

func TestRunner_PendingCommitsBeforeSuccess(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	r, err := New(mod, Config{Name: "fetch"}, Handlers[string, string]{
		Pending: func(w txn.Writer, _ string) error {
			return w.Set("loading", ir.IRBool(true))
		},
		Effect: func(_ context.Context, p string) (string, error) { return "got " + p, nil },
		Success: func(w txn.Writer, _ string, res string) error {
			if err := w.Set("loading", ir.IRBool(false)); err != nil {
				return err
			}
			return w.Set("data", ir.IRString(res))
		},
	})
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), "a"))
	flush(t, r)

	pending := mod.phases(diag.PhasePending)
	success := mod.phases(diag.PhaseSuccess)
	require.Len(t, pending, 1)
	require.Len(t, success, 1)
	assert.Less(t, pending[0].Seq, success[0].Seq)
	assert.Equal(t, ir.IRString("got a"), mod.cell.Get()["data"])
}

func TestRunner_PendingSurvivesCancellation(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	ctx, cancel := context.WithCancel(t.Context())

	r, err := New(mod, Config{Name: "fetch"}, Handlers[int, int]{
		Pending: func(w txn.Writer, _ int) error {
			cancel()
			return w.Set("loading", ir.IRBool(true))
		},
		Effect: func(ctx context.Context, _ int) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		Success: func(w txn.Writer, _ int, _ int) error {
			return w.Set("data", ir.IRInt(1))
		},
	})
	require.NoError(t, err)
	r.Start(ctx)
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	flush(t, r)

	assert.Equal(t, ir.IRBool(true), mod.cell.Get()["loading"])
	assert.NotContains(t, mod.cell.Get(), "data")
	assert.Equal(t, int64(1), r.Stats().Interrupted)
}

func TestRunner_ParallelRespectsLimit(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	gate := make(chan struct{})
	var running, peak atomic.Int32

	r, err := New(mod, Config{Name: "batch", Mode: ModeParallel, Concurrency: 2}, Handlers[int, int]{
		Effect: func(_ context.Context, p int) (int, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-gate
			running.Add(-1)
			return p, nil
		},
		Success: func(w txn.Writer, p int, res int) error {
			return w.Set(fmt.Sprintf("r%d", p), ir.IRInt(res))
		},
	})
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	for i := 1; i <= 4; i++ {
		require.True(t, r.Trigger(t.Context(), i))
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(gate)
	flush(t, r)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, mod.phases(diag.PhaseSuccess), 4)
	assert.Len(t, mod.cell.Get(), 4)
}

func TestRunner_FailureReceivesCause(t *testing.T) {
	errBoom := errors.New("boom")
	mod := newFakeModule(ir.IRObject{})
	var cause error

	r, err := New(mod, Config{Name: "fetch"}, Handlers[int, int]{
		Effect: func(context.Context, int) (int, error) { return 0, fmt.Errorf("load: %w", errBoom) },
		Failure: func(w txn.Writer, _ int, c error) error {
			cause = c
			return w.Set("error", ir.IRString(c.Error()))
		},
	})
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	flush(t, r)

	require.ErrorIs(t, cause, errBoom)
	assert.False(t, IsInterrupted(cause))
	assert.Equal(t, ir.IRString("load: boom"), mod.cell.Get()["error"])
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestRunner_CancellationSkipsFailure(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	var failures atomic.Int32

	r, err := New(mod, Config{Name: "fetch"}, Handlers[int, int]{
		Effect: func(context.Context, int) (int, error) { return 0, context.Canceled },
		Failure: func(w txn.Writer, _ int, _ error) error {
			failures.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	flush(t, r)

	assert.Zero(t, failures.Load())
	assert.Equal(t, int64(1), r.Stats().Interrupted)
	assert.Empty(t, mod.committed())
}

func TestRunner_RefusesInsideTransaction(t *testing.T) {
	prev := diag.SetProduction(false)
	t.Cleanup(func() { diag.SetProduction(prev) })

	hub, rec := newRecorderHub()
	mod := newFakeModule(ir.IRObject{})
	r, err := New(mod, Config{Name: "fetch"}, Handlers[int, int]{
		Effect: func(context.Context, int) (int, error) { return 1, nil },
	}, WithHub(hub))
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	_, err = mod.Transact(t.Context(), ir.Origin{Kind: ir.OriginReducer, Name: "click"}, func(w txn.Writer) error {
		assert.False(t, r.Trigger(w.Context(), 1))
		return w.Set("clicked", ir.IRBool(true))
	})
	require.NoError(t, err)

	st := r.Stats()
	assert.Equal(t, int64(1), st.Refused)
	assert.Zero(t, st.Accepted)
	assert.Len(t, rec.OfKind(diag.KindMisuse), 1)
}

func TestRunner_RefusalSilentInProduction(t *testing.T) {
	prev := diag.SetProduction(true)
	t.Cleanup(func() { diag.SetProduction(prev) })

	hub, rec := newRecorderHub()
	r, err := New(newFakeModule(ir.IRObject{}), Config{Name: "fetch"}, Handlers[int, int]{
		Effect: func(context.Context, int) (int, error) { return 1, nil },
	}, WithHub(hub))
	require.NoError(t, err)

	ctx := txn.WithOpenTransaction(t.Context(), &txn.Transaction{ID: "t"})
	assert.False(t, r.Trigger(ctx, 1))
	assert.Equal(t, int64(1), r.Stats().Refused)
	assert.Empty(t, rec.OfKind(diag.KindMisuse))
}

func TestRunner_FaultDoesNotStopWatcher(t *testing.T) {
	hub, rec := newRecorderHub()
	mod := newFakeModule(ir.IRObject{})

	r, err := New(mod, Config{Name: "fragile"}, Handlers[int, int]{
		Effect: func(_ context.Context, p int) (int, error) {
			if p == 1 {
				panic("effect bug")
			}
			return p, nil
		},
		Success: func(w txn.Writer, p int, res int) error {
			if p == 2 {
				panic("handler bug")
			}
			return w.Set("ok", ir.IRInt(res))
		},
	}, WithHub(hub), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	for i := 1; i <= 3; i++ {
		require.True(t, r.Trigger(t.Context(), i))
	}
	flush(t, r)

	st := r.Stats()
	assert.Equal(t, int64(2), st.Faults)
	assert.Equal(t, int64(1), st.Succeeded)
	assert.Equal(t, ir.IRInt(3), mod.cell.Get()["ok"])
	assert.Len(t, rec.OfKind(diag.KindFault), 2)
}

func TestRunner_PendingFailureSkipsEffect(t *testing.T) {
	hub, rec := newRecorderHub()
	mod := newFakeModule(ir.IRObject{})
	var effects atomic.Int32

	r, err := New(mod, Config{Name: "fetch"}, Handlers[int, int]{
		Pending: func(w txn.Writer, p int) error {
			if p == 1 {
				return errors.New("pending rejected")
			}
			return w.Set("loading", ir.IRBool(true))
		},
		Effect: func(_ context.Context, p int) (int, error) {
			effects.Add(1)
			return p, nil
		},
		Success: func(w txn.Writer, _ int, res int) error { return w.Set("data", ir.IRInt(res)) },
	}, WithHub(hub), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	require.True(t, r.Trigger(t.Context(), 2))
	flush(t, r)

	st := r.Stats()
	assert.Equal(t, int32(1), effects.Load())
	assert.Equal(t, int64(1), st.Faults)
	assert.Equal(t, int64(1), st.Succeeded)
	assert.Equal(t, int64(1), st.Started)
	assert.Len(t, mod.phases(diag.PhaseSuccess), 1)
	assert.Equal(t, ir.IRInt(2), mod.cell.Get()["data"])
	assert.Len(t, rec.OfKind(diag.KindFault), 1)
}

// panicOnceHandler panics the first time it handles a record with msg.
type panicOnceHandler struct {
	msg   string
	fired *atomic.Bool
}

func (h panicOnceHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h panicOnceHandler) Handle(_ context.Context, rec slog.Record) error {
	if rec.Message == h.msg && h.fired.CompareAndSwap(false, true) {
		panic("log handler bug")
	}
	return nil
}

func (h panicOnceHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h panicOnceHandler) WithGroup(string) slog.Handler      { return h }

func TestRunner_ExhaustRecoversFromAcceptFault(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	logger := slog.New(panicOnceHandler{msg: "task accepted", fired: new(atomic.Bool)})

	r, err := New(mod, Config{Name: "save", Mode: ModeExhaust}, Handlers[int, int]{
		Effect: func(_ context.Context, p int) (int, error) { return p, nil },
		Success: func(w txn.Writer, p int, res int) error {
			return w.Set(fmt.Sprintf("done%d", p), ir.IRInt(res))
		},
	}, WithLogger(logger))
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	for i := 1; i <= 4; i++ {
		require.True(t, r.Trigger(t.Context(), i))
		flush(t, r)
	}

	st := r.Stats()
	assert.Equal(t, int64(1), st.Faults)
	assert.Zero(t, st.Dropped, "a fault while accepting must not leave the runner busy")
	assert.Equal(t, int64(3), st.Succeeded)

	state := mod.cell.Get()
	assert.NotContains(t, state, "done1")
	for i := 2; i <= 4; i++ {
		assert.Equal(t, ir.IRInt(int64(i)), state[fmt.Sprintf("done%d", i)])
	}
}

func TestRunner_LifecyclePhases(t *testing.T) {
	hub, rec := newRecorderHub()
	r, err := New(newFakeModule(ir.IRObject{}), Config{Name: "fetch"}, Handlers[int, int]{
		Pending: func(w txn.Writer, _ int) error { return w.Set("loading", ir.IRBool(true)) },
		Effect:  func(context.Context, int) (int, error) { return 1, nil },
		Success: func(w txn.Writer, _ int, _ int) error { return w.Set("loading", ir.IRBool(false)) },
	}, WithHub(hub))
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	require.True(t, r.Trigger(t.Context(), 1))
	flush(t, r)

	assert.Equal(t, []diag.TaskPhase{
		diag.PhaseAccepted,
		diag.PhasePending,
		diag.PhaseRunning,
		diag.PhaseSuccess,
	}, rec.TaskPhases("fetch"))
}

func TestRunner_CloseInterruptsInFlight(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	gate := testutil.NewDeferred[int]()

	r, err := New(mod, Config{Name: "slow"}, Handlers[int, int]{
		Effect: func(ctx context.Context, _ int) (int, error) {
			return gate.Wait(ctx)
		},
		Success: func(w txn.Writer, _ int, _ int) error {
			return w.Set("done", ir.IRBool(true))
		},
	})
	require.NoError(t, err)
	r.Start(t.Context())

	require.True(t, r.Trigger(t.Context(), 1))
	<-gate.Waiting()
	require.True(t, r.Trigger(t.Context(), 2))

	r.Close()

	assert.False(t, r.Trigger(t.Context(), 3))
	assert.Empty(t, mod.committed())
	st := r.Stats()
	assert.Equal(t, int64(1), st.Interrupted)
	assert.Equal(t, int64(1), st.Dropped)
	flush(t, r)
}

func TestRunner_Watch(t *testing.T) {
	mod := newFakeModule(ir.IRObject{})
	r, err := New(mod, Config{Name: "watch"}, Handlers[int, int]{
		Effect:  func(_ context.Context, p int) (int, error) { return p, nil },
		Success: func(w txn.Writer, _ int, res int) error { return w.Set("last", ir.IRInt(res)) },
	})
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Close()

	src := make(chan int)
	done := make(chan error, 1)
	go func() { done <- r.Watch(t.Context(), src) }()
	src <- 1
	src <- 2
	close(src)
	require.NoError(t, <-done)
	flush(t, r)

	assert.Equal(t, ir.IRInt(2), mod.cell.Get()["last"])
}

func TestIsInterrupted(t *testing.T) {
	assert.True(t, IsInterrupted(ErrInterrupted))
	assert.True(t, IsInterrupted(errSuperseded))
	assert.True(t, IsInterrupted(fmt.Errorf("wrap: %w", context.Canceled)))
	assert.False(t, IsInterrupted(errors.New("domain")))
	assert.False(t, IsInterrupted(context.DeadlineExceeded))
}
