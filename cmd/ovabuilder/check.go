package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitNoBuild is the exit code of check when no OVA exists yet.
const exitNoBuild = 2

var errNoBuildPresent = errors.New("no build present")

var checkCmd = &cobra.Command{
	Use:   "check [INSTALLER_BRANCH]",
	Short: "Report whether an OVA exists for the current commits",
	Long: `Resolve the latest commit of the source branch and of the installer branch,
then look up a successful build of exactly that pair in the history log.

Prints the artifact name and exits 0 when one exists, exits 2 when none does.
The installer branch defaults to the configured installer branch.

Example:
  ovabuilder check
  ovabuilder check feature/arm64`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	branch := a.cfg.Installer.Branch
	if len(args) == 1 {
		branch = args[0]
	}

	d, err := a.engine.Decide(cmd.Context(), branch)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "source:    %s@%s\n", d.SourceBranch, d.SourceCommit)
	fmt.Fprintf(out, "installer: %s@%s\n", d.InstallerBranch, d.InstallerCommit)

	if !d.Present {
		fmt.Fprintln(out, "No build present")
		return errNoBuildPresent
	}

	fmt.Fprintf(out, "artifact:  %s\n", d.Artifact)
	return nil
}
