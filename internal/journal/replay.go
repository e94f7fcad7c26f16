package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/statekit/internal/ir"
)

// ErrNotReplayable is returned when a commit has neither a complete patch
// log nor a snapshot.
var ErrNotReplayable = errors.New("journal: commit is not replayable")

// DivergenceError reports a commit whose replayed patches do not reproduce
// the journaled snapshot.
type DivergenceError struct {
	Module string
	Seq    int64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("journal: replay of %s diverged at seq %d", e.Module, e.Seq)
}

// Replay reconstructs a module's state by applying the journaled commits
// with seq <= upTo to initial, in seq order. upTo <= 0 replays everything.
// It returns the state and the seq of the last applied commit.
//
// Each commit is replayed from its patch log when every patch is a set on a
// parseable path with a recorded value. Otherwise the commit's snapshot is
// used. When both are available the patched state must equal the snapshot.
func (s *Store) Replay(ctx context.Context, module string, initial ir.IRObject, upTo int64) (ir.IRObject, int64, error) {
	commits, err := s.ReadCommits(ctx, module)
	if err != nil {
		return nil, 0, fmt.Errorf("replay: %w", err)
	}

	state := initial
	var last int64
	for _, c := range commits {
		if upTo > 0 && c.TxnSeq > upTo {
			break
		}
		patches, err := s.ReadPatches(ctx, module, c.TxnSeq)
		if err != nil {
			return nil, 0, fmt.Errorf("replay: %w", err)
		}

		next, ok := applyPatches(state, c.PatchCount, patches)
		switch {
		case ok && c.Snapshot != nil && !ir.Equal(next, c.Snapshot):
			return nil, 0, &DivergenceError{Module: module, Seq: c.TxnSeq}
		case ok:
			state = next
		case c.Snapshot != nil:
			state = c.Snapshot
		default:
			return nil, 0, fmt.Errorf("replay seq %d: %w", c.TxnSeq, ErrNotReplayable)
		}
		last = c.TxnSeq
	}
	return state, last, nil
}

// applyPatches applies a complete patch log. It reports false when the log
// is incomplete or contains a write it cannot reproduce.
func applyPatches(state ir.IRObject, count int, patches []ir.PatchRecord) (ir.IRObject, bool) {
	if count != len(patches) {
		return nil, false
	}
	for _, p := range patches {
		if p.To == nil || (p.Reason != ir.PatchSet && p.Reason != ir.PatchTrait) {
			return nil, false
		}
		// "#<id>" names an id in a registry that is not persisted.
		if strings.HasPrefix(p.Path, "#") {
			return nil, false
		}
		path, err := ir.ParsePath(p.Path)
		if err != nil {
			return nil, false
		}
		next, err := ir.SetPath(state, path, p.To)
		if err != nil {
			return nil, false
		}
		state = next
	}
	return state, true
}
