package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/statekit/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s dirty=%v\n", event.Seq, event.Origin, event.Dirty)
	}

	return buf.String()
}

// assertFinalState checks each listed path of the final state. Paths not
// listed are not compared.
func assertFinalState(result *Result, assertion Assertion) error {
	paths := make([]string, 0, len(assertion.State))
	for p := range assertion.State {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var mismatches []string
	for _, p := range paths {
		want, err := ir.FromGo(assertion.State[p])
		if err != nil {
			return fmt.Errorf("final_state: expected value at %s: %w", p, err)
		}
		path, err := ir.ParsePath(p)
		if err != nil {
			return fmt.Errorf("final_state: %w", err)
		}
		got, ok := ir.GetPath(result.State, path)
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s missing", p))
			continue
		}
		if !ir.Equal(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("%s = %s", p, render(got)))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}

	expected := make([]string, len(paths))
	for i, p := range paths {
		v, _ := ir.FromGo(assertion.State[p])
		expected[i] = fmt.Sprintf("%s = %s", p, render(v))
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: strings.Join(expected, ", "),
		Actual:   strings.Join(mismatches, ", "),
		Trace:    result.Trace,
	}
}

// assertCommitCount counts commits, optionally only those whose origin
// matches. An origin matches either the full origin ("task:load/success")
// or its label ("task:load").
func assertCommitCount(result *Result, assertion Assertion) error {
	count := 0
	for _, ev := range result.Trace {
		if assertion.Origin == "" || originMatches(ev.Origin, assertion.Origin) {
			count++
		}
	}
	if count == *assertion.Count {
		return nil
	}

	expected := fmt.Sprintf("%d commits", *assertion.Count)
	if assertion.Origin != "" {
		expected += " from " + assertion.Origin
	}
	return &AssertionError{
		Type:     AssertCommitCount,
		Expected: expected,
		Actual:   fmt.Sprintf("%d commits", count),
		Trace:    result.Trace,
	}
}

// assertBroadcasts compares the full delivery list of one selector.
func assertBroadcasts(result *Result, assertion Assertion) error {
	want := make([]ir.IRValue, len(assertion.Values))
	for i, v := range assertion.Values {
		iv, err := ir.FromGo(v)
		if err != nil {
			return fmt.Errorf("broadcasts: expected value %d: %w", i, err)
		}
		want[i] = iv
	}

	got, subscribed := result.Broadcasts[assertion.Selector]
	if !subscribed {
		return &AssertionError{
			Type:     AssertBroadcasts,
			Expected: fmt.Sprintf("%s delivered %s", assertion.Selector, renderList(want)),
			Actual:   "selector was never subscribed",
			Trace:    result.Trace,
		}
	}
	if slices.EqualFunc(want, got, ir.Equal) {
		return nil
	}
	return &AssertionError{
		Type:     AssertBroadcasts,
		Expected: fmt.Sprintf("%s delivered %s", assertion.Selector, renderList(want)),
		Actual:   fmt.Sprintf("%s delivered %s", assertion.Selector, renderList(got)),
		Trace:    result.Trace,
	}
}

// assertOriginOrder checks that the origins appear in order. Commits from
// other origins may appear in between.
func assertOriginOrder(result *Result, assertion Assertion) error {
	next := 0
	for _, ev := range result.Trace {
		if next < len(assertion.Origins) && originMatches(ev.Origin, assertion.Origins[next]) {
			next++
		}
	}
	if next == len(assertion.Origins) {
		return nil
	}

	actual := make([]string, len(result.Trace))
	for i, ev := range result.Trace {
		actual[i] = ev.Origin
	}
	return &AssertionError{
		Type:     AssertOriginOrder,
		Expected: strings.Join(assertion.Origins, " → "),
		Actual:   fmt.Sprintf("%s (missing %s)", strings.Join(actual, " → "), assertion.Origins[next]),
		Trace:    result.Trace,
	}
}

// assertDirtyRoots checks the dirty set of the commit with the given seq.
func assertDirtyRoots(result *Result, assertion Assertion) error {
	var ev *TraceEvent
	for i := range result.Trace {
		if result.Trace[i].Seq == assertion.Seq {
			ev = &result.Trace[i]
			break
		}
	}
	if ev == nil {
		return &AssertionError{
			Type:     AssertDirtyRoots,
			Expected: fmt.Sprintf("commit with seq %d", assertion.Seq),
			Actual:   fmt.Sprintf("trace has %d commits", len(result.Trace)),
			Trace:    result.Trace,
		}
	}

	dirtyAll := slices.Equal(ev.Dirty, []string{ir.Wildcard})
	if assertion.All {
		if dirtyAll {
			return nil
		}
		return &AssertionError{
			Type:     AssertDirtyRoots,
			Expected: fmt.Sprintf("seq %d dirty all", assertion.Seq),
			Actual:   fmt.Sprintf("seq %d dirty %v", assertion.Seq, ev.Dirty),
			Trace:    result.Trace,
		}
	}

	want := slices.Clone(assertion.Roots)
	slices.Sort(want)
	if !dirtyAll && slices.Equal(want, ev.Dirty) {
		return nil
	}
	actual := fmt.Sprintf("seq %d dirty %v", assertion.Seq, ev.Dirty)
	if dirtyAll {
		actual = fmt.Sprintf("seq %d dirty all (%s)", assertion.Seq, ev.DirtyReason)
	}
	return &AssertionError{
		Type:     AssertDirtyRoots,
		Expected: fmt.Sprintf("seq %d dirty %v", assertion.Seq, want),
		Actual:   actual,
		Trace:    result.Trace,
	}
}

func originMatches(origin, want string) bool {
	if origin == want {
		return true
	}
	label, _, found := strings.Cut(origin, "/")
	return found && label == want
}

func render(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func renderList(vs []ir.IRValue) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = render(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// EvaluateAssertions runs all assertions against the result and returns
// the failure messages. All assertions run even if earlier ones fail.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		case AssertCommitCount:
			err = assertCommitCount(result, assertion)
		case AssertBroadcasts:
			err = assertBroadcasts(result, assertion)
		case AssertOriginOrder:
			err = assertOriginOrder(result, assertion)
		case AssertDirtyRoots:
			err = assertDirtyRoots(result, assertion)
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}

		if err != nil {
			errors = append(errors, fmt.Sprintf("assertion %d (%s): %v", i, assertion.Type, err))
		}
	}

	return errors
}
