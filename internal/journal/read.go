package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/ir"
)

// ErrNoSnapshot is returned by LatestSnapshot when no journaled commit of
// the module carries a snapshot (light instrumentation).
var ErrNoSnapshot = errors.New("journal: no snapshot recorded")

// Commit is one journaled commit. Patches are loaded separately with
// ReadPatches.
type Commit struct {
	Module     string
	RecordedAt time.Time
	diag.CommitInfo
}

// Modules returns the distinct module names present in the journal, sorted.
func (s *Store) Modules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT module FROM commits ORDER BY module COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	modules := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		modules = append(modules, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return modules, nil
}

// ReadCommits returns every journaled commit of a module ordered by seq.
//
// Returns an empty slice (not nil) if nothing was journaled.
func (s *Store) ReadCommits(ctx context.Context, module string) ([]Commit, error) {
	return s.QueryCommits(ctx, Query{Module: module})
}

// ReadPatches returns the patch log of one commit ordered by op_seq.
//
// Returns an empty slice (not nil) when the commit was journaled under
// light instrumentation or does not exist.
func (s *Store) ReadPatches(ctx context.Context, module string, seq int64) ([]ir.PatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_seq, path_id, resolved, path, reason, step_id, trait_node_id, from_value, to_value
		FROM patches
		WHERE module = ? AND seq = ?
		ORDER BY op_seq ASC
	`, module, seq)
	if err != nil {
		return nil, fmt.Errorf("query patches: %w", err)
	}
	defer rows.Close()

	patches := []ir.PatchRecord{}
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patches: %w", err)
	}
	return patches, nil
}

// LatestSnapshot returns the most recent journaled snapshot of a module and
// the seq of the commit that produced it.
func (s *Store) LatestSnapshot(ctx context.Context, module string) (ir.IRObject, int64, error) {
	var (
		seq  int64
		data sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, snapshot
		FROM commits
		WHERE module = ? AND snapshot IS NOT NULL
		ORDER BY seq DESC
		LIMIT 1
	`, module).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNoSnapshot
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query snapshot: %w", err)
	}
	snap, err := unmarshalSnapshot(data)
	if err != nil {
		return nil, 0, err
	}
	return snap, seq, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommit(row scanner) (Commit, error) {
	var (
		c          Commit
		kind       string
		details    string
		dirtyAll   int
		reason     string
		roots      string
		keyHash    int64
		truncated  int
		snapshot   sql.NullString
		recordedAt string
	)
	err := row.Scan(
		&c.Module, &c.TxnSeq, &c.TxnID, &kind, &c.Origin.Name, &details,
		&dirtyAll, &reason, &roots, &c.Dirty.RootCount, &keyHash,
		&c.PatchCount, &truncated, &c.DurationMs, &snapshot, &recordedAt,
	)
	if err != nil {
		return Commit{}, fmt.Errorf("scan commit: %w", err)
	}

	c.Origin.Kind = ir.OriginKind(kind)
	if c.Origin.Details, err = unmarshalDetails(details); err != nil {
		return Commit{}, err
	}
	c.Dirty.DirtyAll = dirtyAll != 0
	c.Dirty.Reason = ir.DirtyReason(reason)
	if c.Dirty.RootIDs, err = unmarshalRoots(roots); err != nil {
		return Commit{}, err
	}
	c.Dirty.KeyHash = uint64(keyHash)
	c.PatchesTruncated = truncated != 0
	if c.Snapshot, err = unmarshalSnapshot(snapshot); err != nil {
		return Commit{}, err
	}
	if c.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return Commit{}, fmt.Errorf("scan commit: recorded_at: %w", err)
	}
	return c, nil
}

func scanPatch(row scanner) (ir.PatchRecord, error) {
	var (
		p        ir.PatchRecord
		pathID   int
		resolved int
		reason   string
		from, to sql.NullString
	)
	if err := row.Scan(&p.OpSeq, &pathID, &resolved, &p.Path, &reason, &p.StepID, &p.TraitNodeID, &from, &to); err != nil {
		return ir.PatchRecord{}, fmt.Errorf("scan patch: %w", err)
	}
	p.PathID = ir.PathID(pathID)
	p.Resolved = resolved != 0
	p.Reason = ir.PatchReason(reason)

	var err error
	if p.From, err = unmarshalValue(from); err != nil {
		return ir.PatchRecord{}, err
	}
	if p.To, err = unmarshalValue(to); err != nil {
		return ir.PatchRecord{}, err
	}
	return p, nil
}
