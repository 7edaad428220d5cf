// Package server exposes the queue over a small JSON HTTP API for display
// clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/stagehand/internal/server/handlers"
	"github.com/3leaps/stagehand/internal/server/middleware"
)

// Deps are the components behind the routes. Queue routes are registered
// only when Queue is set; outbox and history routes need their component too.
type Deps struct {
	Version string
	Health  *handlers.HealthManager
	Queue   handlers.Queue
	Outbox  handlers.Outbox
	History handlers.History
	Logger  *zap.Logger

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration
}

type Server struct {
	host   string
	port   int
	deps   Deps
	router chi.Router
}

func New(host string, port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Health == nil {
		deps.Health = handlers.NewHealthManager(deps.Version)
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{host: host, port: port, deps: deps}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.deps.Logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound, middleware.CodeNotFound,
			fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed, middleware.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), nil)
	})

	r.Get("/health", s.deps.Health.HealthHandler)
	r.Get("/health/live", s.deps.Health.LivenessHandler)
	r.Get("/health/ready", s.deps.Health.ReadinessHandler)
	r.Get("/version", s.versionHandler)

	if s.deps.Queue == nil {
		return r
	}
	h := &handlers.QueueHandlers{Queue: s.deps.Queue, Outbox: s.deps.Outbox, History: s.deps.History}

	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Post("/jobs/{id}/cancel", h.CancelJob)
	r.Get("/events", h.Events)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Post("/resume", h.Resume)
		r.Post("/retry", h.Retry)
		r.Post("/clear-completed", h.ClearCompleted)
		r.Post("/clear-failed", h.ClearFailed)
		r.Post("/reset", h.Reset)
	})

	if s.deps.Outbox != nil {
		r.Get("/outbox", h.GetOutbox)
		r.Post("/outbox/retry", h.RetryOutbox)
	}
	if s.deps.History != nil {
		r.Get("/history", h.ListHistory)
	}
	return r
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, "{\"version\":%q}\n", s.deps.Version)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

// Addr is host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Request contexts derive from ctx so streaming handlers end on shutdown.
	srv := &http.Server{
		Handler:           s.router,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.deps.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	s.deps.Logger.Info("HTTP server stopped")
	return nil
}
