package main

// ============================================================================
// Beaver-Iterator entry point: build the CLI, run it, and turn a panic or a
// command error into a non-zero exit.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-iterator/internal/cli"
)

// Injected at build time:
//
//	go build -ldflags "-X main.version=1.2.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
