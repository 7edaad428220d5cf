package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/stagehand/pkg/history"
	"github.com/3leaps/stagehand/pkg/job"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished job outcomes",
	Long: `Show the ledger of finished jobs, most recent first. The ledger keeps
entries after jobs are cleared from the queue.

Examples:
  stagehand history
  stagehand history --status failed --limit 10
  stagehand history --group strings --json`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("limit", 50, "Maximum number of entries")
	historyCmd.Flags().String("status", "", "Only show done, failed or canceled entries")
	historyCmd.Flags().String("group", "", "Only show entries with this group")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	statusFlag, _ := cmd.Flags().GetString("status")
	group, _ := cmd.Flags().GetString("group")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if limit < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 1"))
	}
	q := history.Query{Limit: limit, Group: strings.TrimSpace(group)}
	if s := strings.TrimSpace(statusFlag); s != "" {
		q.Status = job.Status(strings.ToLower(s))
		if !q.Status.Terminal() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("status must be done, failed or canceled"))
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return exitError(foundry.ExitInvalidArgument, "History is disabled", fmt.Errorf("set history.enabled to true"))
	}
	store, err := history.Open(ctx, history.Config{Path: cfg.History.Path})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open history", err)
	}
	defer func() { _ = store.Close() }()

	entries, err := store.List(ctx, q)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if entries == nil {
			entries = []history.Entry{}
		}
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No history found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "FINISHED\tJOB ID\tLABEL\tGROUP\tSTATUS\tATTEMPT\tDURATION\tRESULT")
	for _, e := range entries {
		result := e.OutputPath
		if e.Error != "" {
			result = firstLine(e.Error)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			formatOptionalTime(e.FinishedAt),
			shortJobID(e.JobID),
			e.Label,
			dash(e.Group),
			e.Status,
			e.Attempt,
			e.Duration().Round(time.Millisecond),
			dash(result),
		)
	}
	return nil
}
