// Package engine implements the statekit module: one state cell with its
// transaction manager, selector graph, installed traits and task runners.
//
// The module is the only writer of its state. Reducers, task handlers and
// trait steps all go through Module.Transact, which commits at most once
// and then fans the commit out.
//
// ARCHITECTURE:
//
// Commit Flow:
//  1. Transact refuses a nested call (ctx already carries an open transaction)
//  2. The body runs against a draft under the module mutex
//  3. Non-empty drafts are checked against the cascade quota and cycle detector
//  4. Manager.Commit publishes the draft and assigns the next seq
//  5. Selectors whose roots overlap the dirty set re-evaluate; listeners fire
//  6. The mutex is released, then traits and commit listeners run with the
//     cascade carried on ctx
//
// A zero-commit (nothing changed) publishes nothing, emits nothing and
// notifies nobody.
//
// CRITICAL PATTERNS:
//
// Cascades:
// Every root Transact starts a cascade. Trait writes and commit listeners
// that transact with the ctx they were handed join it. A cascade may commit
// at most WithMaxSteps times (default 1000). Background source loads and
// task writebacks start their own cascades.
//
// Cycle Detection:
// A trait step writing a value it already wrote in the same cascade is a
// cycle. The history is dropped when the root Transact returns.
//
// Listener Discipline:
// Selector listeners run while the module mutex is held. They must not call
// Transact or Subscribe synchronously. Commit listeners run without the
// mutex and may transact.
package engine
