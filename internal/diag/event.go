package diag

import (
	"time"

	"github.com/roach88/statekit/internal/ir"
)

// Kind classifies a diagnostic event.
type Kind string

const (
	KindCommit        Kind = "commit"
	KindSelectorEval  Kind = "selector-eval"
	KindSelectorError Kind = "selector-error"
	KindTask          Kind = "task"
	KindMisuse        Kind = "misuse"
	KindFault         Kind = "fault"
	KindTraitError    Kind = "trait-error"
	KindTraitConfig   Kind = "trait-config"
)

// TaskPhase is a task lifecycle transition.
type TaskPhase string

const (
	PhaseAccepted    TaskPhase = "accepted"
	PhaseDropped     TaskPhase = "dropped"
	PhasePending     TaskPhase = "pending"
	PhaseRunning     TaskPhase = "running"
	PhaseSuccess     TaskPhase = "success"
	PhaseFailure     TaskPhase = "failure"
	PhaseInterrupted TaskPhase = "interrupted"
	PhaseFault       TaskPhase = "fault"
)

// CommitInfo is the payload of a commit notification. Patches and Snapshot
// are only filled under full instrumentation.
type CommitInfo struct {
	TxnID            string           `json:"txn_id"`
	TxnSeq           int64            `json:"txn_seq"`
	Origin           ir.Origin        `json:"origin"`
	Dirty            ir.DirtySet      `json:"dirty_set"`
	PatchCount       int              `json:"patch_count"`
	PatchesTruncated bool             `json:"patches_truncated,omitempty"`
	DurationMs       float64          `json:"duration_ms"`
	Patches          []ir.PatchRecord `json:"patches,omitempty"`
	Snapshot         ir.IRObject      `json:"snapshot,omitempty"`
}

// SelectorInfo describes one selector evaluation.
type SelectorInfo struct {
	ID       string        `json:"id"`
	TxnSeq   int64         `json:"txn_seq"`
	Changed  bool          `json:"changed"`
	Duration time.Duration `json:"duration"`
}

// TaskInfo describes one task lifecycle transition.
type TaskInfo struct {
	Runner     string    `json:"runner"`
	Mode       string    `json:"mode"`
	TaskID     int64     `json:"task_id"`
	Generation int64     `json:"generation,omitempty"`
	Phase      TaskPhase `json:"phase"`
}

// Event is one diagnostic. Exactly one of Commit, Selector or Task is set
// for the corresponding kinds; Message/Err describe the rest.
type Event struct {
	Kind     Kind          `json:"kind"`
	Module   string        `json:"module,omitempty"`
	Time     time.Time     `json:"time"`
	Commit   *CommitInfo   `json:"commit,omitempty"`
	Selector *SelectorInfo `json:"selector,omitempty"`
	Task     *TaskInfo     `json:"task,omitempty"`
	Message  string        `json:"message,omitempty"`
	Err      error         `json:"-"`
}
