package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const counterSpec = `
package counter

module: Counter: {
	state: {
		count:  0
		result: null
	}

	actions: {
		increment: assign: count: "state.count + 1"
		add: assign: count:       "state.count + payload"
	}

	traits: doubled: computed: "state.count * 2"

	selectors: count: "state.count"

	tasks: load: {
		mode: "latest"
		success: assign: result: "result"
	}
}
`

const counterScenario = `
name: counter_basics
description: Two reducers and a task run

specs:
  - ../specs

steps:
  - dispatch: increment
  - dispatch: add
    payload: 5
  - trigger: load
    payload: a
    result: 42

assertions:
  - type: final_state
    state:
      count: 6
      doubled: 12
      result: 42
  - type: origin_order
    origins:
      - reducer:increment
      - reducer:add
      - task:load/success
`

// writeFile writes content to path, creating parent directories.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// writeCounterSpecs writes the counter module under dir/specs and returns
// the specs directory.
func writeCounterSpecs(t *testing.T, dir string) string {
	t.Helper()
	specsDir := filepath.Join(dir, "specs")
	writeFile(t, filepath.Join(specsDir, "counter.cue"), counterSpec)
	return specsDir
}

// execute runs cmd with args, capturing stdout and stderr separately.
func execute(cmd *cobra.Command, args ...string) (stdout, stderr string, err error) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}
