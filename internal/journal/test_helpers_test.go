package journal

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/txn"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCommit creates a reducer commit touching one root.
func createTestCommit(seq int64, action string) diag.CommitInfo {
	return diag.CommitInfo{
		TxnID:      "txn-" + action,
		TxnSeq:     seq,
		Origin:     ir.Origin{Kind: ir.OriginReducer, Name: action},
		Dirty:      ir.DirtySet{RootIDs: []ir.PathID{1}, RootCount: 1, KeyHash: 1<<63 + 7},
		PatchCount: 1,
		DurationMs: 0.25,
	}
}

func counterDefinition() engine.Definition {
	return engine.Definition{
		Name:    "counter",
		Initial: ir.Obj(ir.O("count", ir.IRInt(0)), ir.O("label", ir.IRString("clicks"))),
		Actions: map[string]engine.Reducer{
			"increment": func(w txn.Writer, _ ir.IRValue) error {
				cur, _ := w.Get("count")
				n, _ := cur.(ir.IRInt)
				return w.Set("count", n+1)
			},
			"rename": func(w txn.Writer, p ir.IRValue) error {
				return w.Set("label", p)
			},
			"reset": func(w txn.Writer, _ ir.IRValue) error {
				return w.Replace(ir.Obj(ir.O("count", ir.IRInt(0)), ir.O("label", ir.IRString("reset"))))
			},
		},
	}
}

// journaledModule creates a counter module whose commits are journaled.
func journaledModule(t *testing.T, s *Store, level txn.Instrumentation) *engine.Module {
	t.Helper()
	m, err := engine.New(counterDefinition(),
		engine.WithSinks(s),
		engine.WithDiagnosticsLevel(diag.LevelLight),
		engine.WithInstrumentation(level),
		engine.WithIDGenerator(txn.NewSequenceGenerator("txn")),
		engine.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m
}
