package task

import "fmt"

// Mode is the concurrency discipline applied to a runner's trigger stream.
type Mode string

const (
	// ModeTask processes one trigger fully before starting the next.
	// This is the safest mode: triggers back up instead of overlapping.
	ModeTask Mode = "task"

	// ModeParallel runs up to Config.Concurrency triggers at once. Every
	// accepted trigger writes back; writeback order is not guaranteed.
	ModeParallel Mode = "parallel"

	// ModeLatest cancels the in-flight run when a new trigger arrives. The
	// cancelled run never writes back, even if its IO already finished.
	ModeLatest Mode = "latest"

	// ModeExhaust drops triggers that arrive while a run is in flight.
	ModeExhaust Mode = "exhaust"
)

// ValidateMode checks that mode is task, parallel, latest or exhaust.
// Empty is valid and defaults to task.
func ValidateMode(mode string) error {
	switch Mode(mode) {
	case ModeTask, ModeParallel, ModeLatest, ModeExhaust, "":
		return nil
	default:
		return fmt.Errorf("invalid task mode %q: must be task, parallel, latest, or exhaust", mode)
	}
}

// NormalizeMode returns mode with the empty value defaulted to task.
func NormalizeMode(mode Mode) Mode {
	if mode == "" {
		return ModeTask
	}
	return mode
}
