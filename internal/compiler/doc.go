// Package compiler turns CUE module definitions into runnable modules.
//
// A definition file declares one or more modules:
//
//	module: Counter: {
//		state: {count: 0}
//		actions: increment: assign: count: "state.count + 1"
//		traits: doubled: computed: "state.count * 2"
//		selectors: count: "state.count"
//		tasks: load: {mode: "latest", success: assign: result: "result"}
//	}
//
// Expressions are CUE expressions evaluated against state. Reducers and task
// phases also see payload; task success sees result and failure sees error.
//
// The pipeline is LoadDir/LoadSource -> Validate -> AnalyzeCycles -> Build.
// BuildManifest produces the digest-keyed artifact of a module.
package compiler
