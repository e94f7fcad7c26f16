package harness

import (
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/task"
)

// TraceEvent is one journaled commit as the harness reports it.
type TraceEvent struct {
	Seq   int64  `json:"seq"`
	TxnID string `json:"txn_id"`

	// Origin is the origin label, with the task phase appended for task
	// commits ("task:load/success").
	Origin string `json:"origin"`

	// Dirty lists the touched root keys, sorted. A whole-state dirty set is
	// reported as ["*"] with DirtyReason set.
	Dirty       []string       `json:"dirty"`
	DirtyReason ir.DirtyReason `json:"dirty_reason,omitempty"`

	Patches int `json:"patches"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step ran and every assertion held.
	Pass bool `json:"pass"`

	// Trace holds the journaled commits in seq order.
	Trace []TraceEvent `json:"trace"`

	// Broadcasts holds the values delivered to each subscribed selector.
	Broadcasts map[string][]ir.IRValue `json:"broadcasts"`

	// State is the module state after the last step settled.
	State ir.IRObject `json:"state"`

	// Tasks holds the lifecycle counters of every declared task.
	Tasks map[string]task.Stats `json:"tasks"`

	// Errors contains step and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Broadcasts: make(map[string][]ir.IRValue),
		Tasks:      make(map[string]task.Stats),
		Errors:     []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
