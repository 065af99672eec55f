package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build [INSTALLER_BRANCH]",
	Short: "Build an OVA unless one already exists",
	Long: `Check the history log like 'check' does. When no OVA exists for the current
commits, clone both repositories, run the configured build command and
record the outcome.

Example:
  ovabuilder build
  ovabuilder build feature/arm64`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	branch := a.cfg.Installer.Branch
	if len(args) == 1 {
		branch = args[0]
	}

	result, err := a.runner.Ensure(cmd.Context(), branch)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !result.Built {
		fmt.Fprintf(out, "Already built: %s\n", result.Artifact)
		return nil
	}

	fmt.Fprintf(out, "Built %s in %s\n", result.Artifact, result.Duration.Round(time.Second))
	if ws, err := a.cloner.Latest(); err == nil && ws != "" {
		fmt.Fprintf(out, "  Workspace: %s\n", ws)
	}
	return nil
}
