package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/ir"
)

func loadOne(t *testing.T, src string) *ir.ModuleSpec {
	t.Helper()
	res, errs := LoadSource("test.cue", []byte(src))
	require.Empty(t, errs)
	require.Len(t, res.Modules, 1)
	return &res.Modules[0]
}

func TestLoadDirCounter(t *testing.T) {
	res, errs := LoadDir("testdata/counter")
	require.Empty(t, errs)
	require.Len(t, res.Modules, 1)
	assert.Equal(t, 1, res.FileCount)

	spec := res.Modules[0]
	assert.Equal(t, "Counter", spec.Name)
	assert.Equal(t, ir.IRInt(0), spec.Initial["count"])
	assert.Equal(t, ir.IRArray{}, spec.Initial["items"])
	assert.Equal(t, ir.IRNull{}, spec.Initial["result"])

	require.Len(t, spec.Actions, 3)
	assert.Equal(t, "increment", spec.Actions[0].Name)
	add := spec.Actions[1]
	assert.Equal(t, "add", add.Name)
	require.Len(t, add.Assign, 2)
	assert.Equal(t, "count", add.Assign[0].Path, "assignments keep declaration order")
	assert.Equal(t, "items", add.Assign[1].Path)

	require.Len(t, spec.Traits, 3)
	byTarget := map[string]ir.TraitSpec{}
	for _, tr := range spec.Traits {
		byTarget[tr.Target] = tr
	}
	assert.Equal(t, ir.TraitComputed, byTarget["doubled"].Kind)
	assert.Equal(t, "state.count * 2", byTarget["doubled"].Expr)
	assert.Equal(t, ir.TraitLink, byTarget["mirror"].Kind)
	assert.Equal(t, "label", byTarget["mirror"].From)
	assert.Equal(t, ir.TraitSource, byTarget["greeting"].Kind)
	assert.Equal(t, "greeting", byTarget["greeting"].Resource)
	assert.Equal(t, "state.label", byTarget["greeting"].Key)

	require.Len(t, spec.Selectors, 2)
	assert.Equal(t, ir.SelectorSpec{ID: "count", Expr: "state.count"}, spec.Selectors[0])
	assert.Equal(t, "deep", spec.Selectors[1].Equality)

	require.Len(t, spec.Tasks, 1)
	load := spec.Tasks[0]
	assert.Equal(t, "latest", load.Mode)
	assert.Len(t, load.Pending, 1)
	assert.Len(t, load.Success, 2)
	assert.Len(t, load.Failure, 2)

	assert.Empty(t, Validate(&spec))
}

func TestLoadDirMissing(t *testing.T) {
	_, errs := LoadDir("testdata/does-not-exist")
	require.Len(t, errs, 1)
}

func TestLoadSourceDefaults(t *testing.T) {
	spec := loadOne(t, `module: Empty: {}`)
	assert.Equal(t, "Empty", spec.Name)
	assert.Equal(t, ir.IRObject{}, spec.Initial)
	assert.Empty(t, spec.Actions)
}

func TestLoadSourceTaskDefaults(t *testing.T) {
	spec := loadOne(t, `module: M: tasks: save: {}`)
	require.Len(t, spec.Tasks, 1)
	assert.Equal(t, "task", spec.Tasks[0].Mode)
	assert.Zero(t, spec.Tasks[0].Concurrency)
}

func TestLoadSourceSortsModules(t *testing.T) {
	res, errs := LoadSource("two.cue", []byte(`
module: Zeta: state: z: 1
module: Alpha: state: a: 1
`))
	require.Empty(t, errs)
	require.Len(t, res.Modules, 2)
	assert.Equal(t, "Alpha", res.Modules[0].Name)
	assert.Equal(t, "Zeta", res.Modules[1].Name)
}

func TestLoadSourceErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"float state", `module: M: state: ratio: 0.5`, "state"},
		{"trait with two kinds", `module: M: traits: x: {computed: "1", link: "y"}`, "traits.x"},
		{"trait with no kind", `module: M: traits: x: {}`, "traits.x"},
		{"source without resource", `module: M: traits: x: source: {key: "1"}`, "traits.x.source.resource"},
		{"non-string assignment", `module: M: actions: inc: assign: count: 1`, "actions.inc.assign.count"},
		{"selector without expr", `module: M: selectors: s: {reads: ["a"]}`, "selectors.s.expr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadSource("bad.cue", []byte(tt.src))
			require.Len(t, errs, 1)
			var ce *CompileError
			require.ErrorAs(t, errs[0], &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadSourceNoModules(t *testing.T) {
	_, errs := LoadSource("none.cue", []byte(`other: 1`))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no modules")
}

func TestLoadSourceSyntaxError(t *testing.T) {
	_, errs := LoadSource("broken.cue", []byte(`module: M: {`))
	require.Len(t, errs, 1)
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "state", Message: "bad"}
	assert.Equal(t, "state: bad", err.Error())
}
