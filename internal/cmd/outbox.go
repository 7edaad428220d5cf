package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/stagehand/internal/config"
	"github.com/3leaps/stagehand/internal/observability"
	"github.com/3leaps/stagehand/pkg/outbox"
	"github.com/3leaps/stagehand/pkg/outbox/sink"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drive output delivery",
}

var outboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show undelivered outputs",
	RunE:  runOutboxStatus,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Give parked entries a fresh set of attempts",
	RunE:  runOutboxRetry,
}

var outboxDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop undelivered outputs for a job",
	RunE:  runOutboxDrop,
}

var outboxDeliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver pending outputs now",
	Long: `Run the delivery loop until every entry is delivered or parked, or until
--timeout expires.`,
	RunE: runOutboxDeliver,
}

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxStatusCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxDropCmd)
	outboxCmd.AddCommand(outboxDeliverCmd)

	outboxStatusCmd.Flags().Bool("json", false, "Output as JSON")
	outboxDropCmd.Flags().String("job", "", "Job id whose entries are dropped (required)")
	_ = outboxDropCmd.MarkFlagRequired("job")
	outboxDeliverCmd.Flags().Duration("timeout", time.Minute, "Maximum time to keep delivering")
}

type outboxStatus struct {
	Stats   outbox.Stats   `json:"stats"`
	Entries []outbox.Entry `json:"entries"`
}

// openOutbox opens the outbox file. Without a sink, delivery is a no-op,
// which is fine for inspection commands.
func openOutbox(cfg *config.Config, s outbox.Sink) (*outbox.Outbox, error) {
	if s == nil {
		s = sink.Nop{}
	}
	ob, err := outbox.Open(outbox.Config{
		Path:        cfg.OutboxPath(),
		MaxAttempts: cfg.Outbox.MaxAttempts,
		CapSeconds:  cfg.Outbox.CapSeconds,
		RateLimit:   cfg.Outbox.RateLimit,
		Logger:      observability.CLILogger.Named("outbox"),
	}, s)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot open outbox", err)
	}
	return ob, nil
}

func runOutboxStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ob, err := openOutbox(cfg, nil)
	if err != nil {
		return err
	}

	status := outboxStatus{Stats: ob.Snapshot(), Entries: ob.Entries()}
	if status.Entries == nil {
		status.Entries = []outbox.Entry{}
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, status)
	}

	_, _ = fmt.Fprintf(out, "pending=%d errors=%d parked=%d\n", status.Stats.Pending, status.Stats.Errors, status.Stats.Parked)
	if len(status.Entries) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tATTEMPTS\tLAST ATTEMPT\tPAYLOAD\tLAST ERROR")
	for _, e := range status.Entries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			dash(shortJobID(e.JobID)),
			e.AttemptCount,
			formatOptionalTime(e.LastAttemptAt),
			e.PayloadPath,
			dash(firstLine(e.LastError)),
		)
	}
	return nil
}

func runOutboxRetry(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ob, err := openOutbox(cfg, nil)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d\n", ob.RetryParked())
	return nil
}

func runOutboxDrop(cmd *cobra.Command, _ []string) error {
	jobID, _ := cmd.Flags().GetString("job")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ob, err := openOutbox(cfg, nil)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "dropped=%d\n", ob.Forget(jobID))
	return nil
}

func runOutboxDeliver(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := newSink(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure delivery sink", err)
	}
	ob, err := openOutbox(cfg, s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ob.Run(ctx)
	}()
	waitForDelivery(cmd.Context(), ob, timeout)
	cancel()
	<-done

	stats := ob.Snapshot()
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pending=%d errors=%d parked=%d\n", stats.Pending, stats.Errors, stats.Parked)
	if stats.Pending > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "outputs remain undelivered",
			fmt.Errorf("pending=%d parked=%d", stats.Pending, stats.Parked))
	}
	return nil
}
