package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/ir"
)

func TestParseExprReads(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		reads []string
		whole bool
	}{
		{"field", "state.count", []string{"count"}, false},
		{"nested", "state.user.name", []string{"user"}, false},
		{"quoted index", `state["count"] * 2`, []string{"count"}, false},
		{"two roots", "state.a + state.b", []string{"a", "b"}, false},
		{"comprehension", "[for x in state.items if x.done {x}]", []string{"items"}, false},
		{"whole state", "len(state)", nil, true},
		{"constant", "42", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseExpr(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.reads, e.Reads())
			assert.Equal(t, tt.whole, e.ReadsWholeState())
		})
	}
}

func TestParseExprBindings(t *testing.T) {
	e := MustParseExpr("state.count + payload")
	assert.True(t, e.Uses(ScopePayload))
	assert.False(t, e.Uses(ScopeResult))

	e = MustParseExpr(`"failed: \(error)"`)
	assert.True(t, e.Uses(ScopeError))
}

func TestParseExprRejectsSyntax(t *testing.T) {
	_, err := ParseExpr("state.count +")
	require.Error(t, err)
}

func TestDirectPath(t *testing.T) {
	assert.Equal(t, "user.name", MustParseExpr("state.user.name").direct.String())
	assert.Equal(t, "items[0]", MustParseExpr("state.items[0]").direct.String())
	assert.Equal(t, "count", MustParseExpr("(state.count)").direct.String())
	assert.Nil(t, MustParseExpr("state.count + 1").direct)
	assert.Nil(t, MustParseExpr("state").direct)
	assert.Nil(t, MustParseExpr("payload.id").direct)
}

func TestEvaluatorDirectKeepsIdentity(t *testing.T) {
	ev := NewEvaluator()
	items := ir.Arr(ir.IRInt(1), ir.IRInt(2))
	state := ir.Obj(ir.O("items", items))

	v, err := ev.Eval(MustParseExpr("state.items"), state, nil)
	require.NoError(t, err)
	assert.True(t, ir.SameRef(items, v))

	v, err = ev.Eval(MustParseExpr("state.missing"), state, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, v)
}

func TestEvaluatorEval(t *testing.T) {
	ev := NewEvaluator()
	state := ir.Obj(
		ir.O("count", ir.IRInt(3)),
		ir.O("label", ir.IRString("clicks")),
		ir.O("items", ir.Arr(ir.IRInt(1), ir.IRInt(2))),
	)

	tests := []struct {
		src     string
		payload ir.IRValue
		want    ir.IRValue
	}{
		{"state.count * 2", nil, ir.IRInt(6)},
		{"state.count + payload", ir.IRInt(4), ir.IRInt(7)},
		{`"\(state.label)!"`, nil, ir.IRString("clicks!")},
		{"state.count > 2", nil, ir.IRBool(true)},
		{"len(state.items)", nil, ir.IRInt(2)},
		{"[for x in state.items {x}, payload]", ir.IRInt(9), ir.Arr(ir.IRInt(1), ir.IRInt(2), ir.IRInt(9))},
		{"{n: state.count, label: state.label}", nil, ir.Obj(ir.O("n", ir.IRInt(3)), ir.O("label", ir.IRString("clicks")))},
		{"payload", nil, ir.IRNull{}},
		{"payload", ir.Obj(ir.O("id", ir.IRInt(7))), ir.Obj(ir.O("id", ir.IRInt(7)))},
		{"[payload, state.count]", ir.IRString("a"), ir.Arr(ir.IRString("a"), ir.IRInt(3))},
		{"{}", nil, ir.IRObject{}},
		{"[]", nil, ir.IRArray{}},
		{"payload == null", nil, ir.IRBool(true)},
		{"[for x in state.items if x > 1 {x * 10}]", nil, ir.Arr(ir.IRInt(20))},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := ev.Eval(MustParseExpr(tt.src), state, tt.payload)
			require.NoError(t, err)
			assert.True(t, ir.Equal(tt.want, got), "got %v", got)
		})
	}
}

func TestEvaluatorRejectsFloatsAndIncomplete(t *testing.T) {
	ev := NewEvaluator()
	state := ir.Obj(ir.O("count", ir.IRInt(3)))

	_, err := ev.Eval(MustParseExpr("state.count / 2"), state, nil)
	require.Error(t, err)

	_, err = ev.Eval(MustParseExpr("int"), state, nil)
	require.Error(t, err)

	_, err = ev.Eval(MustParseExpr("state.count + undefinedThing"), state, nil)
	require.Error(t, err)
}

func TestEvaluatorWithBindings(t *testing.T) {
	ev := NewEvaluator()
	v, err := ev.EvalWith(MustParseExpr("{got: result, from: payload}"), ir.IRObject{}, map[string]ir.IRValue{
		ScopePayload: ir.IRInt(1),
		ScopeResult:  ir.IRString("ok"),
	})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Obj(ir.O("got", ir.IRString("ok")), ir.O("from", ir.IRInt(1))), v))
}

func TestEvaluatorUnsetBindingsAreNull(t *testing.T) {
	ev := NewEvaluator()
	e := MustParseExpr(`{failed: "failed: \(error)", kept: result}`)

	v, err := ev.EvalWith(e, ir.IRObject{}, map[string]ir.IRValue{ScopeError: ir.IRString("offline")})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Obj(
		ir.O("failed", ir.IRString("failed: offline")),
		ir.O("kept", ir.IRNull{}),
	), v))

	// The compiled expression is reused with different bindings.
	v, err = ev.EvalWith(e, ir.IRObject{}, map[string]ir.IRValue{ScopeError: ir.IRString("timeout"), ScopeResult: ir.IRInt(1)})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Obj(
		ir.O("failed", ir.IRString("failed: timeout")),
		ir.O("kept", ir.IRInt(1)),
	), v))
}
