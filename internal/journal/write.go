package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/statekit/internal/diag"
)

// WriteCommit appends one commit and its patch log.
// Uses ON CONFLICT(module, seq) DO NOTHING for idempotency: rewriting a
// commit that is already journaled leaves the stored rows untouched.
func (s *Store) WriteCommit(ctx context.Context, module string, c diag.CommitInfo, at time.Time) error {
	details, err := marshalDetails(c.Origin.Details)
	if err != nil {
		return fmt.Errorf("write commit: %w", err)
	}
	roots, err := marshalRoots(c.Dirty.RootIDs)
	if err != nil {
		return fmt.Errorf("write commit: %w", err)
	}
	snapshot, err := marshalSnapshot(c.Snapshot)
	if err != nil {
		return fmt.Errorf("write commit: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write commit: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commits
		(module, seq, txn_id, origin_kind, origin_name, origin_details,
		 dirty_all, dirty_reason, dirty_roots, root_count, key_hash,
		 patch_count, patches_truncated, duration_ms, snapshot, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(module, seq) DO NOTHING
	`,
		module,
		c.TxnSeq,
		c.TxnID,
		string(c.Origin.Kind),
		c.Origin.Name,
		details,
		boolToInt(c.Dirty.DirtyAll),
		string(c.Dirty.Reason),
		roots,
		c.Dirty.RootCount,
		int64(c.Dirty.KeyHash),
		c.PatchCount,
		boolToInt(c.PatchesTruncated),
		c.DurationMs,
		snapshot,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write commit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tx.Commit()
	}

	if err := writePatches(ctx, tx, module, c); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write commit: %w", err)
	}
	return nil
}

func writePatches(ctx context.Context, tx *sql.Tx, module string, c diag.CommitInfo) error {
	if len(c.Patches) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO patches
		(module, seq, op_seq, path_id, resolved, path, reason, step_id, trait_node_id, from_value, to_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write patches: %w", err)
	}
	defer stmt.Close()

	for _, p := range c.Patches {
		from, err := marshalValue(p.From)
		if err != nil {
			return fmt.Errorf("write patch %d: %w", p.OpSeq, err)
		}
		to, err := marshalValue(p.To)
		if err != nil {
			return fmt.Errorf("write patch %d: %w", p.OpSeq, err)
		}
		if _, err := stmt.ExecContext(ctx,
			module, c.TxnSeq, p.OpSeq, int(p.PathID), boolToInt(p.Resolved),
			p.Path, string(p.Reason), p.StepID, p.TraitNodeID, from, to,
		); err != nil {
			return fmt.Errorf("write patch %d: %w", p.OpSeq, err)
		}
	}
	return nil
}

// Emit implements diag.Sink. Commit events are journaled; every other
// kind is ignored. Write failures are logged and remembered in Err.
func (s *Store) Emit(e diag.Event) {
	if e.Kind != diag.KindCommit || e.Commit == nil {
		return
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.WriteCommit(context.Background(), e.Module, *e.Commit, at); err != nil {
		s.logger.Error("journal write failed",
			"module", e.Module,
			"txn_id", e.Commit.TxnID,
			"seq", e.Commit.TxnSeq,
			"error", err)
		s.mu.Lock()
		if s.emitErr == nil {
			s.emitErr = err
		}
		s.mu.Unlock()
	}
}
