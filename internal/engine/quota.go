package engine

import (
	"fmt"
	"sync/atomic"
)

// DefaultMaxSteps is the default maximum number of commits per cascade.
const DefaultMaxSteps = 1000

// QuotaEnforcer counts the commits of one cascade and enforces a maximum.
//
// A cascade is the chain of transactions caused by one external call:
// the initiating commit plus every trait write its listeners trigger,
// recursively. The quota guarantees termination when computed and link
// traits feed each other without converging.
//
// CRITICAL DISTINCTION from cycle detection:
//   - Cycle Detection: a step commits a value it already committed (A → B → A)
//   - Max-Steps Quota: the cascade keeps producing new values (A → B → C → ...)
//
// Thread-safety: Check is safe for concurrent use.
type QuotaEnforcer struct {
	maxSteps int64
	current  atomic.Int64
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
//
// Typical default: 1000 (configurable via engine.WithMaxSteps())
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: int64(maxSteps)}
}

// Check increments the step counter and validates against the limit.
//
// Returns StepsExceededError if the quota is exceeded.
func (q *QuotaEnforcer) Check(cascade string) error {
	n := q.current.Add(1)
	if n > q.maxSteps {
		return &StepsExceededError{
			Cascade: cascade,
			Steps:   int(n),
			Limit:   int(q.maxSteps),
		}
	}
	return nil
}

// Current returns the current step count.
func (q *QuotaEnforcer) Current() int {
	return int(q.current.Load())
}

// MaxSteps returns the maximum steps limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return int(q.maxSteps)
}

// StepsExceededError is returned when a cascade exceeds the max steps quota.
// The commit that would exceed it is aborted; earlier commits stand.
type StepsExceededError struct {
	Cascade string
	Steps   int
	Limit   int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("cascade %s exceeded max steps quota: %d steps > %d limit",
		e.Cascade, e.Steps, e.Limit)
}
