package harness

import (
	"context"
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/statekit/internal/ir"
)

// Snapshot renders the deterministic part of a result as canonical JSON:
// commits (without txn ids or durations), broadcasts, final state and task
// counters.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	commits := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		dirty := make([]any, len(ev.Dirty))
		for j, d := range ev.Dirty {
			dirty[j] = d
		}
		commit := map[string]any{
			"seq":     ev.Seq,
			"origin":  ev.Origin,
			"dirty":   dirty,
			"patches": ev.Patches,
		}
		if ev.DirtyReason != "" {
			commit["dirty_reason"] = string(ev.DirtyReason)
		}
		commits[i] = commit
	}

	broadcasts := make(map[string]any, len(result.Broadcasts))
	for id, values := range result.Broadcasts {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		broadcasts[id] = list
	}

	names := make([]string, 0, len(result.Tasks))
	for name := range result.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	tasks := make(map[string]any, len(names))
	for _, name := range names {
		st := result.Tasks[name]
		tasks[name] = map[string]any{
			"accepted":    st.Accepted,
			"dropped":     st.Dropped,
			"refused":     st.Refused,
			"started":     st.Started,
			"succeeded":   st.Succeeded,
			"failed":      st.Failed,
			"interrupted": st.Interrupted,
			"faults":      st.Faults,
		}
	}

	state := result.State
	if state == nil {
		state = ir.IRObject{}
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": scenarioName,
		"commits":       commits,
		"broadcasts":    broadcasts,
		"final_state":   state,
		"tasks":         tasks,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
