// Package diag carries the runtime's diagnostic events: commit
// notifications, selector evaluations, task lifecycle transitions and
// misuse/fault reports.
//
// Emission is gated by a process-wide Level (off|light|full). Production mode
// silences misuse reports entirely.
package diag

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// Level gates which diagnostics are produced.
type Level int32

const (
	LevelOff Level = iota
	LevelLight
	LevelFull
)

// Environment variables read at process start.
const (
	EnvLevel = "STATEKIT_DIAGNOSTICS"
	EnvMode  = "STATEKIT_ENV"
)

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelLight:
		return "light"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("Level(%d)", int32(l))
	}
}

// ParseLevel parses "off", "light" or "full" (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff, nil
	case "light":
		return LevelLight, nil
	case "full":
		return LevelFull, nil
	default:
		return LevelOff, fmt.Errorf("unknown diagnostics level %q (want off|light|full)", s)
	}
}

var (
	level      atomic.Int32
	production atomic.Bool
)

func init() {
	level.Store(int32(LevelLight))
	if v := os.Getenv(EnvLevel); v != "" {
		if l, err := ParseLevel(v); err == nil {
			level.Store(int32(l))
		}
	}
	production.Store(strings.EqualFold(os.Getenv(EnvMode), "production"))
}

// SetLevel sets the process-wide diagnostics level and returns the previous one.
func SetLevel(l Level) Level {
	return Level(level.Swap(int32(l)))
}

// CurrentLevel returns the process-wide diagnostics level.
func CurrentLevel() Level {
	return Level(level.Load())
}

// SetProduction toggles production mode and returns the previous setting.
func SetProduction(on bool) bool {
	return production.Swap(on)
}

// Production reports whether misuse diagnostics are suppressed.
func Production() bool {
	return production.Load()
}
