package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stagehand/internal/observability"
	"github.com/3leaps/stagehand/pkg/job"
	"github.com/3leaps/stagehand/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
	Long: `Inspect and manage the persisted job list.

Management commands change jobs.json directly and must not run while
'stagehand serve' owns the same data directory. Jobs returned to pending run
on the next 'stagehand run' or 'stagehand serve'.

Job ids may be abbreviated to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Return canceled jobs to pending",
	RunE:  runJobsResume,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed jobs to pending",
	RunE:  runJobsRetry,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove finished jobs from the list",
	Long: `Remove finished jobs from the list. Exactly one of --completed, --failed or
--all is required.

--completed removes done jobs; their outputs stay queued for delivery.
--failed removes failed and canceled jobs.
--all removes every job and drops undelivered outputs from the outbox.`,
	RunE: runJobsClear,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsClearCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Only show jobs with this status (pending, running, done, failed, canceled)")
	jobsClearCmd.Flags().Bool("completed", false, "Remove done jobs")
	jobsClearCmd.Flags().Bool("failed", false, "Remove failed and canceled jobs")
	jobsClearCmd.Flags().Bool("all", false, "Remove every job and reset the outbox")
}

// runJobsList reads the job file without taking ownership of it, so it is
// safe alongside serve.
func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusFilter, _ := cmd.Flags().GetString("status")

	var want job.Status
	if s := strings.TrimSpace(statusFilter); s != "" {
		want = job.Status(strings.ToLower(s))
		if !want.Valid() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("unknown status %q", s))
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	jobs, err := jobstore.NewStore(cfg.DataDir).Load()
	if errors.Is(err, jobstore.ErrCorrupt) {
		observability.CLILogger.Warn("Job list was unreadable and has been moved aside", zap.Error(err))
		jobs, err = nil, nil
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read job list", err)
	}
	if want != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	return printJobs(cmd, jobs, jsonOutput)
}

func runJobsResume(cmd *cobra.Command, _ []string) error {
	return withPausedApp(cmd, func(a *app) error {
		n := a.engine.ResumeCanceled()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "resumed=%d\n", n)
		return nil
	})
}

func runJobsRetry(cmd *cobra.Command, _ []string) error {
	return withPausedApp(cmd, func(a *app) error {
		n := a.engine.RetryFailed()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "retried=%d\n", n)
		return nil
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	return withPausedApp(cmd, func(a *app) error {
		id, err := resolveJobID(a.engine.Jobs(), args[0])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
		}
		if err := a.engine.Cancel(id); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot cancel job", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "canceled=%s\n", id)
		return nil
	})
}

func runJobsClear(cmd *cobra.Command, _ []string) error {
	completed, _ := cmd.Flags().GetBool("completed")
	failed, _ := cmd.Flags().GetBool("failed")
	all, _ := cmd.Flags().GetBool("all")

	selected := 0
	for _, b := range []bool{completed, failed, all} {
		if b {
			selected++
		}
	}
	if selected != 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags",
			fmt.Errorf("exactly one of --completed, --failed or --all is required"))
	}

	return withPausedApp(cmd, func(a *app) error {
		var n int
		switch {
		case completed:
			n = a.engine.ClearCompleted()
		case failed:
			n = a.engine.ClearCanceledFailed()
		default:
			n = len(a.engine.Jobs())
			a.engine.ResetAll()
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed=%d\n", n)
		return nil
	})
}

// withPausedApp opens the data directory with dispatch paused, runs fn and
// closes it again.
func withPausedApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, appOptions{paused: true})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

// resolveJobID accepts a full id or a unique prefix.
func resolveJobID(jobs []job.Job, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}
	var matches []string
	for _, j := range jobs {
		if j.ID == input {
			return j.ID, nil
		}
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matches %q", input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("job id prefix %q is ambiguous (%d matches)", input, len(matches))
	}
}
