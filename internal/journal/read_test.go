package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/txn"
)

func TestReadCommitsEmpty(t *testing.T) {
	s := createTestStore(t)

	commits, err := s.ReadCommits(t.Context(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, commits)
	assert.Empty(t, commits)

	patches, err := s.ReadPatches(t.Context(), "missing", 1)
	require.NoError(t, err)
	assert.NotNil(t, patches)
	assert.Empty(t, patches)
}

func TestReadCommitsOrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	for _, seq := range []int64{3, 1, 2} {
		require.NoError(t, s.WriteCommit(t.Context(), "m", createTestCommit(seq, "a"), testTime))
	}
	require.NoError(t, s.WriteCommit(t.Context(), "other", createTestCommit(9, "b"), testTime))

	commits, err := s.ReadCommits(t.Context(), "m")
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for i, c := range commits {
		assert.Equal(t, int64(i+1), c.TxnSeq)
	}

	modules, err := s.Modules(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"m", "other"}, modules)
}

func TestLatestSnapshotNone(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.WriteCommit(t.Context(), "m", createTestCommit(1, "a"), testTime))

	_, _, err := s.LatestSnapshot(t.Context(), "m")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestJournalLightInstrumentation(t *testing.T) {
	s := createTestStore(t)
	m := journaledModule(t, s, txn.InstrumentLight)

	for range 3 {
		_, err := m.Dispatch(t.Context(), "increment", nil)
		require.NoError(t, err)
	}
	_, err := m.Dispatch(t.Context(), "rename", ir.IRString("clicks"))
	require.NoError(t, err)
	require.NoError(t, s.Err())

	commits, err := s.ReadCommits(t.Context(), "counter")
	require.NoError(t, err)
	require.Len(t, commits, 3, "zero-commits are not journaled")
	for i, c := range commits {
		assert.Equal(t, int64(i+1), c.TxnSeq)
		assert.Equal(t, "reducer:increment", c.Origin.Label())
		assert.Equal(t, 1, c.PatchCount)
		assert.Nil(t, c.Snapshot)
	}

	patches, err := s.ReadPatches(t.Context(), "counter", 1)
	require.NoError(t, err)
	assert.Empty(t, patches)
}

func TestJournalFullInstrumentation(t *testing.T) {
	s := createTestStore(t)
	m := journaledModule(t, s, txn.InstrumentFull)

	_, err := m.Dispatch(t.Context(), "increment", nil)
	require.NoError(t, err)
	_, err = m.Dispatch(t.Context(), "rename", ir.IRString("taps"))
	require.NoError(t, err)
	require.NoError(t, s.Err())

	patches, err := s.ReadPatches(t.Context(), "counter", 2)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, "label", patches[0].Path)
	assert.Equal(t, ir.PatchSet, patches[0].Reason)
	assert.Equal(t, ir.IRString("clicks"), patches[0].From)
	assert.Equal(t, ir.IRString("taps"), patches[0].To)

	snap, seq, err := s.LatestSnapshot(t.Context(), "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
	assert.True(t, ir.Equal(m.State(), snap))
}
