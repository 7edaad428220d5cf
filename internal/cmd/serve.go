package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stagehand/internal/observability"
	"github.com/3leaps/stagehand/internal/server"
	"github.com/3leaps/stagehand/internal/server/handlers"
	"github.com/3leaps/stagehand/internal/server/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue and delivery loop behind an HTTP API",
	Long: `Run the queue engine and the delivery outbox in the foreground and expose
them over a JSON HTTP API for display clients.

Endpoints:
  GET  /health, /health/live, /health/ready, /version
  GET  /jobs, /jobs/{id}, /events (server-sent snapshots)
  POST /jobs/{id}/cancel
  POST /queue/start|stop|resume|retry|clear-completed|clear-failed|reset
  GET  /outbox      POST /outbox/retry
  GET  /history?limit=&status=&group=

Pending jobs from an earlier session start immediately unless --paused is set.`,
	RunE: runServe,
}

var (
	serveHost   string
	servePort   int
	servePaused bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&servePaused, "paused", false, "Wait for POST /queue/start before processing")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server"] = map[string]any{"host": serveHost}
	}
	if cmd.Flags().Changed("port") {
		srv, _ := overrides["server"].(map[string]any)
		if srv == nil {
			srv = map[string]any{}
		}
		srv["port"] = servePort
		overrides["server"] = srv
	}
	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, appOptions{paused: servePaused})
	if err != nil {
		return err
	}
	defer a.close()

	logger := observability.CLILogger
	middleware.PanicLogger = logger.Named("http")

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("data_dir", handlers.DirChecker{Path: cfg.DataDir})
	deps := server.Deps{
		Version:         versionInfo.Version,
		Health:          health,
		Queue:           a.engine,
		Outbox:          a.outbox,
		Logger:          logger.Named("http"),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if a.history != nil {
		health.RegisterChecker("history", a.history)
		deps.History = a.history
	}

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

	if !servePaused {
		a.engine.Start()
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, deps)
	logger.Info("Starting stagehand server",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.Bool("paused", servePaused))

	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	if ctx.Err() != nil {
		logger.Info("Shutting down", zap.String("reason", fmt.Sprint(context.Cause(ctx))))
	}
	return nil
}
