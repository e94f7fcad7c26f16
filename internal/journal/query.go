package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/statekit/internal/ir"
)

// Predicate filters journaled commits. Only types in this package
// implement it, so the compiler below can switch exhaustively.
type Predicate interface {
	predicateNode()
}

// OriginIs matches commits by origin kind, and by origin name when Name is
// set.
type OriginIs struct {
	Kind ir.OriginKind
	Name string
}

// PhaseIs matches task commits made in one lifecycle phase
// ("pending", "success", "failure").
type PhaseIs struct {
	Phase string
}

// SeqRange matches From <= seq <= To. A zero bound is open.
type SeqRange struct {
	From, To int64
}

// DirtyAllIs matches commits that did (or did not) mark every selector
// dirty.
type DirtyAllIs struct {
	Value bool
}

// And matches when every predicate matches. An empty And matches all.
type And struct {
	Predicates []Predicate
}

func (OriginIs) predicateNode()   {}
func (PhaseIs) predicateNode()    {}
func (SeqRange) predicateNode()   {}
func (DirtyAllIs) predicateNode() {}
func (And) predicateNode()        {}

// Query selects commits of one module.
type Query struct {
	Module string
	Where  Predicate // nil matches every commit
	Limit  int       // 0 means no limit
	Newest bool      // order by seq descending
}

// Validate reports structural problems with the query.
func (q Query) Validate() error {
	if q.Module == "" {
		return errors.New("query: module is required")
	}
	if q.Limit < 0 {
		return fmt.Errorf("query: negative limit %d", q.Limit)
	}
	if q.Where == nil {
		return nil
	}
	return validatePredicate(q.Where)
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case OriginIs:
		if pred.Kind == "" {
			return errors.New("query: origin kind is required")
		}
	case PhaseIs:
		if pred.Phase == "" {
			return errors.New("query: phase is required")
		}
	case SeqRange:
		if pred.From < 0 || pred.To < 0 {
			return fmt.Errorf("query: negative seq bound in [%d, %d]", pred.From, pred.To)
		}
		if pred.To > 0 && pred.From > pred.To {
			return fmt.Errorf("query: empty seq range [%d, %d]", pred.From, pred.To)
		}
	case DirtyAllIs:
	case And:
		for i, sub := range pred.Predicates {
			if sub == nil {
				return fmt.Errorf("query: nil predicate at index %d", i)
			}
			if err := validatePredicate(sub); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("query: unsupported predicate %T", p)
	}
	return nil
}

// compileQuery renders q as parameterized SQL over the commits table.
// Values are always bound as parameters and results always carry a total
// order.
func compileQuery(q Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	where := []string{"module = ?"}
	params := []any{q.Module}
	if q.Where != nil {
		clause, p, err := compilePredicate(q.Where)
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			where = append(where, clause)
			params = append(params, p...)
		}
	}

	order := "ASC"
	if q.Newest {
		order = "DESC"
	}

	var b strings.Builder
	b.WriteString(`SELECT module, seq, txn_id, origin_kind, origin_name, origin_details,
       dirty_all, dirty_reason, dirty_roots, root_count, key_hash,
       patch_count, patches_truncated, duration_ms, snapshot, recorded_at
FROM commits
WHERE `)
	b.WriteString(strings.Join(where, " AND "))
	fmt.Fprintf(&b, "\nORDER BY seq %s, txn_id COLLATE BINARY %s", order, order)
	if q.Limit > 0 {
		b.WriteString("\nLIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params, nil
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case OriginIs:
		if pred.Name == "" {
			return "origin_kind = ?", []any{string(pred.Kind)}, nil
		}
		return "(origin_kind = ? AND origin_name = ?)", []any{string(pred.Kind), pred.Name}, nil
	case PhaseIs:
		return "json_extract(origin_details, '$.phase') = ?", []any{pred.Phase}, nil
	case SeqRange:
		switch {
		case pred.From > 0 && pred.To > 0:
			return "seq BETWEEN ? AND ?", []any{pred.From, pred.To}, nil
		case pred.From > 0:
			return "seq >= ?", []any{pred.From}, nil
		case pred.To > 0:
			return "seq <= ?", []any{pred.To}, nil
		default:
			return "", nil, nil
		}
	case DirtyAllIs:
		return "dirty_all = ?", []any{boolToInt(pred.Value)}, nil
	case And:
		var (
			clauses []string
			params  []any
		)
		for _, sub := range pred.Predicates {
			clause, p, err := compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			if clause == "" {
				continue
			}
			clauses = append(clauses, clause)
			params = append(params, p...)
		}
		if len(clauses) == 0 {
			return "", nil, nil
		}
		return "(" + strings.Join(clauses, " AND ") + ")", params, nil
	default:
		return "", nil, fmt.Errorf("query: unsupported predicate %T", p)
	}
}

// QueryCommits returns the journaled commits matching q.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) QueryCommits(ctx context.Context, q Query) ([]Commit, error) {
	query, params, err := compileQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	commits := []Commit{}
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}
