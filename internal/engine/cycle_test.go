package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/trait"
)

// =============================================================================
// CycleDetector Unit Tests
// =============================================================================

func TestCycleDetector_NewCycleDetector(t *testing.T) {
	cd := NewCycleDetector()
	require.NotNil(t, cd)
	assert.Equal(t, 0, cd.HistorySize())
}

func TestCycleDetector_WouldCycle_FirstOccurrence(t *testing.T) {
	cd := NewCycleDetector()

	result := cd.WouldCycle("cascade-1", "link-propagate:b", "hash-abc")
	assert.False(t, result, "first occurrence should not be a cycle")
}

func TestCycleDetector_WouldCycle_AfterRecord(t *testing.T) {
	cd := NewCycleDetector()

	cd.Record("cascade-1", "link-propagate:b", "hash-abc")

	result := cd.WouldCycle("cascade-1", "link-propagate:b", "hash-abc")
	assert.True(t, result, "same (step, value) after record should be a cycle")
}

func TestCycleDetector_WouldCycle_DifferentCascades(t *testing.T) {
	cd := NewCycleDetector()

	cd.Record("cascade-1", "link-propagate:b", "hash-abc")

	result := cd.WouldCycle("cascade-2", "link-propagate:b", "hash-abc")
	assert.False(t, result, "same (step, value) in another cascade should not be a cycle")
}

func TestCycleDetector_WouldCycle_DifferentValues(t *testing.T) {
	cd := NewCycleDetector()

	cd.Record("cascade-1", "link-propagate:b", "hash-abc")

	assert.False(t, cd.WouldCycle("cascade-1", "link-propagate:b", "hash-def"))
	assert.False(t, cd.WouldCycle("cascade-1", "computed-update:b", "hash-abc"))
}

func TestCycleDetector_Clear(t *testing.T) {
	cd := NewCycleDetector()

	cd.Record("cascade-1", "s1", "h1")
	cd.Record("cascade-1", "s2", "h2")
	cd.Record("cascade-2", "s1", "h1")
	assert.Equal(t, 2, cd.HistorySize())
	assert.Equal(t, 2, cd.CascadeHistorySize("cascade-1"))

	cd.Clear("cascade-1")

	assert.Equal(t, 1, cd.HistorySize())
	assert.Equal(t, 0, cd.CascadeHistorySize("cascade-1"))
	assert.False(t, cd.WouldCycle("cascade-1", "s1", "h1"))
	assert.True(t, cd.WouldCycle("cascade-2", "s1", "h1"))
}

// =============================================================================
// Module integration
// =============================================================================

// TestModule_OscillationIsCycle tests that two traits flipping a value back
// and forth are stopped by cycle detection before the quota.
func TestModule_OscillationIsCycle(t *testing.T) {
	flip := func(s ir.IRObject) (ir.IRValue, error) {
		v, _ := s["b"].(ir.IRBool)
		return !v, nil
	}
	m, rec := newTestModule(t, Definition{
		Name:    "flipflop",
		Initial: ir.Obj(ir.O("a", ir.IRBool(false)), ir.O("b", ir.IRBool(false))),
		Traits: trait.Spec{
			"a": trait.Computed{Derive: flip},
			"b": trait.Link{From: "a"},
		},
	})
	require.NoError(t, m.Mount(t.Context()))

	assert.NotEmpty(t, faultsMatching(rec, string(ErrCodeCycleDetected)))
	assert.Less(t, len(rec.Commits()), 10)
	assert.Equal(t, 0, m.cycles.HistorySize(), "cascade history is cleared when the cascade ends")
}

func TestValueHash(t *testing.T) {
	assert.Equal(t, valueHash(ir.IRInt(1)), valueHash(ir.IRInt(1)))
	assert.NotEqual(t, valueHash(ir.IRInt(1)), valueHash(ir.IRInt(2)))
	assert.Equal(t, "absent", valueHash(nil))
	assert.Equal(t,
		valueHash(ir.Obj(ir.O("x", ir.IRInt(1)), ir.O("y", ir.IRInt(2)))),
		valueHash(ir.Obj(ir.O("y", ir.IRInt(2)), ir.O("x", ir.IRInt(1)))))
}
