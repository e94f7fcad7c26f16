package compiler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/selector"
	"github.com/roach88/statekit/internal/testutil"
	"github.com/roach88/statekit/internal/trait"
	"github.com/roach88/statekit/internal/txn"
)

func counterProgram(t *testing.T) *Program {
	t.Helper()
	res, errs := LoadDir("testdata/counter")
	require.Empty(t, errs)

	resources := trait.NewResources()
	resources.Register("greeting", func(_ context.Context, key ir.IRValue) (ir.IRValue, error) {
		return ir.IRString(fmt.Sprintf("hello %v", key)), nil
	})
	prog, err := Build(&res.Modules[0], WithResources(resources))
	require.NoError(t, err)
	return prog
}

func instantiate(t *testing.T, prog *Program, effects map[string]TaskEffect) *engine.Module {
	t.Helper()
	m, _, err := prog.Instantiate(effects, engine.WithIDGenerator(txn.NewSequenceGenerator("txn")))
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	require.NoError(t, m.Mount(t.Context()))
	require.NoError(t, m.Flush(t.Context()))
	return m
}

func TestBuildCounterActions(t *testing.T) {
	m := instantiate(t, counterProgram(t), nil)

	assert.Equal(t, ir.IRInt(0), m.State()["doubled"])
	assert.Equal(t, ir.IRString("clicks"), m.State()["mirror"])
	assert.Equal(t, ir.IRString("hello clicks"), m.State()["greeting"])

	for range 3 {
		_, err := m.Dispatch(t.Context(), "increment", nil)
		require.NoError(t, err)
	}
	_, err := m.Dispatch(t.Context(), "add", ir.IRInt(5))
	require.NoError(t, err)
	_, err = m.Dispatch(t.Context(), "rename", ir.IRString("taps"))
	require.NoError(t, err)
	require.NoError(t, m.Flush(t.Context()))

	s := m.State()
	assert.Equal(t, ir.IRInt(8), s["count"])
	assert.Equal(t, ir.IRInt(16), s["doubled"])
	assert.True(t, ir.Equal(ir.Arr(ir.IRInt(5)), s["items"]))
	assert.Equal(t, ir.IRString("taps"), s["mirror"])
	assert.Equal(t, ir.IRString("hello taps"), s["greeting"])
}

func TestBuildAssignmentsSeePreActionState(t *testing.T) {
	spec := &ir.ModuleSpec{
		Name:    "Swap",
		Initial: ir.Obj(ir.O("a", ir.IRInt(1)), ir.O("b", ir.IRInt(2))),
		Actions: []ir.ActionSpec{{Name: "swap", Assign: []ir.Assignment{
			{Path: "a", Expr: "state.b"},
			{Path: "b", Expr: "state.a"},
		}}},
	}
	prog, err := Build(spec)
	require.NoError(t, err)
	m, err := engine.New(prog.Definition)
	require.NoError(t, err)
	defer m.Destroy()

	_, err = m.Dispatch(t.Context(), "swap", nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), m.State()["a"])
	assert.Equal(t, ir.IRInt(1), m.State()["b"])
}

func TestBuildActionErrorAborts(t *testing.T) {
	spec := &ir.ModuleSpec{
		Name:    "Bad",
		Initial: ir.Obj(ir.O("n", ir.IRInt(1))),
		Actions: []ir.ActionSpec{{Name: "halve", Assign: []ir.Assignment{{Path: "n", Expr: "state.n / 2"}}}},
	}
	prog, err := Build(spec)
	require.NoError(t, err)
	m, err := engine.New(prog.Definition)
	require.NoError(t, err)
	defer m.Destroy()

	_, err = m.Dispatch(t.Context(), "halve", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action halve")
	assert.Equal(t, ir.IRInt(1), m.State()["n"])
}

func TestBuildSelectors(t *testing.T) {
	prog := counterProgram(t)
	require.Len(t, prog.Definition.Selectors, 2)

	count := prog.Definition.Selectors[0]
	assert.Equal(t, "count", count.ID)
	assert.Equal(t, selector.EqualityIdentity, count.Equality, "direct path reads keep identity equality")
	require.Len(t, count.Reads, 1)
	assert.Equal(t, "count", count.Reads[0].String())

	summary := prog.Definition.Selectors[1]
	assert.Equal(t, selector.EqualityCustom, summary.Equality)
	assert.Len(t, summary.Reads, 2)

	m := instantiate(t, prog, nil)
	var seen []ir.IRValue
	_, unsubscribe, err := m.SubscribeDeclared("summary", func(v ir.IRValue) { seen = append(seen, v) })
	require.NoError(t, err)
	defer unsubscribe()

	_, err = m.Dispatch(t.Context(), "increment", nil)
	require.NoError(t, err)
	_, err = m.Dispatch(t.Context(), "rename", ir.IRString("clicks"))
	require.NoError(t, err)

	require.Len(t, seen, 1, "renaming to the same label is a zero-commit")
	assert.True(t, ir.Equal(ir.Obj(ir.O("n", ir.IRInt(1)), ir.O("label", ir.IRString("clicks"))), seen[0]))
}

func TestBuildTasksSuccessAndFailure(t *testing.T) {
	prog := counterProgram(t)
	assert.Equal(t, []string{"load"}, prog.TaskNames())

	gate := testutil.NewDeferred[ir.IRValue]()
	m, runners, err := prog.Instantiate(map[string]TaskEffect{
		"load": func(ctx context.Context, payload ir.IRValue) (ir.IRValue, error) {
			if payload == ir.IRString("fail") {
				return nil, &TaskError{Value: ir.Obj(ir.O("reason", ir.IRString("offline")))}
			}
			if payload == ir.IRString("boom") {
				return nil, errors.New("boom")
			}
			return gate.Wait(ctx)
		},
	})
	require.NoError(t, err)
	defer m.Destroy()
	require.NoError(t, m.Mount(t.Context()))
	load := runners["load"]

	require.True(t, load.Trigger(t.Context(), ir.IRString("ok")))
	<-gate.Waiting()
	assert.Equal(t, ir.IRBool(true), m.State()["loading"])
	gate.Resolve(ir.IRInt(42))
	require.NoError(t, m.Flush(t.Context()))
	assert.Equal(t, ir.IRBool(false), m.State()["loading"])
	assert.Equal(t, ir.IRInt(42), m.State()["result"])

	require.True(t, load.Trigger(t.Context(), ir.IRString("fail")))
	require.NoError(t, m.Flush(t.Context()))
	assert.True(t, ir.Equal(ir.Obj(ir.O("reason", ir.IRString("offline"))), m.State()["error"]))

	require.True(t, load.Trigger(t.Context(), ir.IRString("boom")))
	require.NoError(t, m.Flush(t.Context()))
	assert.Equal(t, ir.IRString("boom"), m.State()["error"])
}

func TestBuildTaskWithoutEffectEchoesPayload(t *testing.T) {
	spec := &ir.ModuleSpec{
		Name:    "Echo",
		Initial: ir.Obj(ir.O("last", ir.IRNull{})),
		Tasks:   []ir.TaskSpec{{Name: "echo", Mode: "task", Success: []ir.Assignment{{Path: "last", Expr: "result"}}}},
	}
	prog, err := Build(spec)
	require.NoError(t, err)
	m, runners, err := prog.Instantiate(nil)
	require.NoError(t, err)
	defer m.Destroy()
	require.NoError(t, m.Mount(t.Context()))

	require.True(t, runners["echo"].Trigger(t.Context(), ir.IRString("hi")))
	require.NoError(t, m.Flush(t.Context()))
	assert.Equal(t, ir.IRString("hi"), m.State()["last"])
}

func TestTaskErrorMessage(t *testing.T) {
	assert.Equal(t, "offline", (&TaskError{Value: ir.IRString("offline")}).Error())
	assert.Equal(t, `{"code":7}`, (&TaskError{Value: ir.Obj(ir.O("code", ir.IRInt(7)))}).Error())
}
