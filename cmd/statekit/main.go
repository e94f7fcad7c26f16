package main

import (
	"fmt"
	"os"

	"github.com/roach88/statekit/internal/cli"
	"github.com/roach88/statekit/internal/ir"
)

// Version is set via ldflags during release builds.
var Version = "dev"

func main() {
	rootCmd := cli.NewRootCommand()
	rootCmd.Version = fmt.Sprintf("%s (engine %s, manifest v%s)", Version, ir.EngineVersion, ir.ManifestVersion)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
