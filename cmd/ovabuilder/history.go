package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var resetYes bool

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or manage the build history log",
}

var historyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty history log if none exists",
	Args:  cobra.NoArgs,
	RunE:  runHistoryInit,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every recorded build attempt",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the history log",
	Long: `Delete the history log. Every build will be considered missing afterwards,
so the next 'build' rebuilds from scratch.`,
	Args: cobra.NoArgs,
	RunE: runHistoryReset,
}

func init() {
	historyResetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")

	historyCmd.AddCommand(historyInitCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyResetCmd)
}

func runHistoryInit(cmd *cobra.Command, args []string) error {
	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.InitializeIfAbsent(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "History log ready at %s\n", a.store.Path())
	return nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSOURCE COMMIT\tINSTALLER\tINSTALLER COMMIT\tSTATUS\tARTIFACT\tNOTES")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SourceBranch, short(r.SourceCommit),
			r.InstallerBranch, short(r.InstallerCommit),
			r.Status, r.ArtifactName, r.Notes)
	}
	return w.Flush()
}

func runHistoryReset(cmd *cobra.Command, args []string) error {
	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if !resetYes {
		ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
			fmt.Sprintf("Delete %s? Every build will be redone. [y/N] ", a.store.Path()))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
	}

	if err := a.store.Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "History log deleted")
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
