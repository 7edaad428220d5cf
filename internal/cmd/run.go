package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stagehand/internal/config"
	"github.com/3leaps/stagehand/internal/observability"
	"github.com/3leaps/stagehand/pkg/job"
	"github.com/3leaps/stagehand/pkg/outbox"
	"github.com/3leaps/stagehand/pkg/queue"
)

var runCmd = &cobra.Command{
	Use:   "run <path-or-glob>...",
	Short: "Queue files and process them",
	Long: `Queue every matching file, process the queue one job at a time and wait
until it is idle.

Patterns support doublestar globs (** matches across directories). Pending
jobs left from an earlier session are processed too.

Exit status is non-zero when any job queued by this run fails.

Examples:
  stagehand run take1.wav
  stagehand run 'sessions/**/*.wav' --group strings
  stagehand run 'sessions/*.flac' --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runGroup           string
	runDryRun          bool
	runJSON            bool
	runDeliveryTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runGroup, "group", "", "Group tag recorded on each job")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "List matching files without queueing them")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output results as JSON")
	runCmd.Flags().DurationVar(&runDeliveryTimeout, "delivery-timeout", time.Minute, "How long to wait for outbox delivery after the queue is idle (0 = don't wait)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	inputs, err := expandInputs(args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid input", err)
	}
	if runDryRun {
		for _, in := range inputs {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), in)
		}
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	deliverCtx, stopDelivery := context.WithCancel(context.Background())
	deliveryDone := make(chan struct{})
	go func() {
		defer close(deliveryDone)
		_ = a.outbox.Run(deliverCtx)
	}()
	defer func() {
		stopDelivery()
		<-deliveryDone
	}()

	reqs := make([]queue.Request, 0, len(inputs))
	for _, in := range inputs {
		reqs = append(reqs, queue.Request{Source: in, Group: runGroup})
	}
	added := a.engine.Add(reqs...)
	observability.CLILogger.Info("Queued inputs", zap.Int("count", len(added)))
	a.engine.Start()

	if err := a.engine.Wait(ctx); err != nil {
		a.engine.Stop()
		return exitError(foundry.ExitSignalInt, "run cancelled", err)
	}

	results := make([]job.Job, 0, len(added))
	failed := 0
	for _, j := range added {
		cur, ok := a.engine.Job(j.ID)
		if !ok {
			continue
		}
		if cur.Status != job.StatusDone {
			failed++
		}
		results = append(results, cur)
	}
	if err := printJobs(cmd, results, runJSON); err != nil {
		return err
	}

	if runDeliveryTimeout > 0 && cfg.Sink.Kind != config.SinkNone {
		waitForDelivery(ctx, a.outbox, runDeliveryTimeout)
	}

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "run completed with failures",
			fmt.Errorf("failed=%d of %d", failed, len(results)))
	}
	return nil
}

// expandInputs resolves each pattern to absolute file paths, in argument
// order and without duplicates. Plain paths must exist; globs must match at
// least one file.
func expandInputs(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", p)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			out = append(out, abs)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no inputs")
	}
	return out, nil
}

// waitForDelivery polls until every outbox entry is delivered or parked.
func waitForDelivery(ctx context.Context, ob *outbox.Outbox, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		stats := ob.Snapshot()
		if stats.Pending == stats.Parked {
			if stats.Parked > 0 {
				observability.CLILogger.Warn("Some outputs could not be delivered; see 'stagehand outbox status'",
					zap.Int("parked", stats.Parked))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			observability.CLILogger.Warn("Outbox delivery still pending; it resumes on the next run or serve",
				zap.Int("pending", stats.Pending))
			return
		case <-tick.C:
		}
	}
}
