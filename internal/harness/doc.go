// Package harness runs YAML scenarios against compiled state modules.
//
// A scenario names the CUE definitions to compile, drives one module
// instance through a list of steps and checks assertions against the
// commits it produced. Every commit is captured through a journal.Store
// (in memory by default), so the trace a scenario asserts on is exactly
// what a production journal would record.
//
// # Scenario Format
//
//	name: counter_basics
//	description: "increment, add and a task run"
//	specs:
//	  - specs/counter
//	module: Counter
//	resources:
//	  greeting:
//	    - key: clicks
//	      value: hello clicks
//	steps:
//	  - subscribe: count
//	  - dispatch: increment
//	  - dispatch: add
//	    payload: 5
//	  - trigger: load
//	    payload: a
//	    result: 42
//	  - refresh: greeting
//	assertions:
//	  - type: final_state
//	    state: { count: 6 }
//	  - type: commit_count
//	    count: 7
//	  - type: broadcasts
//	    selector: count
//	    values: [1, 6]
//	  - type: origin_order
//	    origins: ["reducer:increment", "task:load/success"]
//	  - type: dirty_roots
//	    seq: 2
//	    roots: [count]
//
// # Steps
//
//   - dispatch: run a declared action with payload
//   - trigger: trigger a declared task; result or error is what its effect
//     returns (neither echoes the payload). hold: true keeps the effect
//     waiting until a later release step.
//   - release: settle every held trigger of a task
//   - refresh: reload a source trait synchronously
//   - subscribe: subscribe to a declared selector; deliveries are recorded
//     as broadcasts
//
// Simulated outcomes are matched to effect calls by task and payload, in
// trigger order. After each step the module is flushed unless a held
// trigger is outstanding.
//
// # Deterministic Testing
//
// Transaction ids come from txn.NewSequenceGenerator and durations from a
// testutil.StepClock, so golden snapshots (see RunWithGolden) are
// byte-identical across runs.
package harness
