package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/stagehand/internal/config"
	"github.com/3leaps/stagehand/internal/observability"
	"github.com/3leaps/stagehand/pkg/executor"
	"github.com/3leaps/stagehand/pkg/history"
	"github.com/3leaps/stagehand/pkg/invocation"
	"github.com/3leaps/stagehand/pkg/jobstore"
	"github.com/3leaps/stagehand/pkg/outbox"
	"github.com/3leaps/stagehand/pkg/outbox/sink"
	"github.com/3leaps/stagehand/pkg/queue"
	"github.com/3leaps/stagehand/pkg/staging"
)

// app is the wired set of components over one data directory.
type app struct {
	cfg     *config.Config
	engine  *queue.Engine
	outbox  *outbox.Outbox
	history *history.Store
	diag    *executor.LogSink
}

type appOptions struct {
	// paused keeps the engine from dispatching until Start.
	paused bool
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger := observability.CLILogger
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Cannot create data directory", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	s, err := newSink(ctx, cfg)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure delivery sink", err)
	}
	if a.outbox, err = openOutbox(cfg, s); err != nil {
		return nil, err
	}

	execCfg := executor.DefaultConfig()
	execCfg.DefaultTimeout = cfg.Executor.Timeout
	execCfg.KillGrace = cfg.Executor.KillGrace
	execCfg.DefaultDir = cfg.Executor.WorkDir
	execCfg.SearchPath = cfg.Executor.SearchPath
	execCfg.Logger = logger.Named("executor")
	if d := cfg.Executor.Diagnostics; d.Enabled {
		a.diag = executor.NewFileSink(executor.DiagnosticsConfig{
			Path:       d.Path,
			MaxSizeMB:  d.MaxSizeMB,
			MaxBackups: d.MaxBackups,
			MaxAgeDays: d.MaxAgeDays,
		}, logger)
		execCfg.Diagnostics = a.diag
	}

	var recorder queue.Recorder
	if cfg.History.Enabled {
		a.history, err = history.Open(ctx, history.Config{Path: cfg.History.Path})
		if err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "Cannot open history", err)
		}
		recorder = a.history
	}

	provider, err := commandProvider(cfg)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid command configuration", err)
	}

	a.engine, err = queue.New(queue.Options{
		Store:        jobstore.NewStore(cfg.DataDir),
		Executor:     executor.New(execCfg),
		Staging:      staging.NewResolver(cfg.Output.Dir, cfg.Output.Extension),
		Provider:     provider,
		Outbox:       a.outbox,
		History:      recorder,
		FailOnStderr: cfg.Queue.FailOnStderr,
		Paused:       opts.paused,
		Logger:       logger.Named("queue"),
	})
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot load job queue", err)
	}
	ok = true
	return a, nil
}

// close stops the engine and releases every resource. Safe on a partially
// opened app.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			observability.CLILogger.Warn("Failed to close history", zap.Error(err))
		}
	}
	if a.diag != nil {
		_ = a.diag.Close()
		if n := a.diag.Dropped(); n > 0 {
			observability.CLILogger.Warn("Dropped diagnostic records", zap.Int64("count", n))
		}
	}
}

// commandProvider returns nil when no command is configured; jobs then fail
// unless they carry a prepared invocation.
func commandProvider(cfg *config.Config) (invocation.Provider, error) {
	if cfg.Command.Executable == "" {
		return nil, nil
	}
	t := invocation.Template{
		Executable: cfg.Command.Executable,
		Args:       cfg.Command.Args,
		Dir:        cfg.Command.Dir,
		Env:        cfg.Command.EnvMap(),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func newSink(ctx context.Context, cfg *config.Config) (outbox.Sink, error) {
	switch cfg.Sink.Kind {
	case config.SinkNone, "":
		return sink.Nop{}, nil
	case config.SinkDir:
		return sink.NewDir(sink.DirConfig{Inbox: cfg.Sink.Dir})
	case config.SinkS3:
		// Credentials come from the SDK default chain.
		s3 := cfg.Sink.S3
		return sink.NewS3(ctx, sink.S3Config{
			Bucket:         s3.Bucket,
			Prefix:         s3.Prefix,
			Region:         s3.Region,
			Endpoint:       s3.Endpoint,
			Profile:        s3.Profile,
			ForcePathStyle: s3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
}
