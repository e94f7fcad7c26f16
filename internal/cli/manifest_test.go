package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/ir"
)

func TestManifestPrintsToStdout(t *testing.T) {
	specsDir := writeCounterSpecs(t, t.TempDir())

	out, _, err := execute(NewManifestCommand(&RootOptions{Format: "text"}), specsDir)
	require.NoError(t, err)

	var m ir.Manifest
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "Counter", m.Module)
	assert.Equal(t, []string{"add", "increment"}, m.Actions)
	assert.NotEmpty(t, m.Digest)
}

func TestManifestWritesFiles(t *testing.T) {
	dir := t.TempDir()
	specsDir := writeCounterSpecs(t, dir)
	outDir := filepath.Join(dir, "out")

	out, _, err := execute(NewManifestCommand(&RootOptions{Format: "json"}), specsDir, "-o", outDir)
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   []ManifestSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Counter", resp.Data[0].Module)

	data, err := os.ReadFile(filepath.Join(outDir, "Counter.manifest.json"))
	require.NoError(t, err)
	var m ir.Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, resp.Data[0].Digest, m.Digest)
}

func TestManifestIsStable(t *testing.T) {
	specsDir := writeCounterSpecs(t, t.TempDir())

	first, _, err := execute(NewManifestCommand(&RootOptions{Format: "text"}), specsDir)
	require.NoError(t, err)
	second, _, err := execute(NewManifestCommand(&RootOptions{Format: "text"}), specsDir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestManifestUnknownModule(t *testing.T) {
	specsDir := writeCounterSpecs(t, t.TempDir())

	out, _, err := execute(NewManifestCommand(&RootOptions{Format: "text"}), specsDir, "--module", "Nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, `module "Nope" not found`)
}

func TestManifestInvalidModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.cue"), invalidSpec)

	out, _, err := execute(NewManifestCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E212")
}
