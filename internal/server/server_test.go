package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stagehand/internal/server/middleware"
	"github.com/3leaps/stagehand/pkg/executor"
	"github.com/3leaps/stagehand/pkg/invocation"
	"github.com/3leaps/stagehand/pkg/job"
	"github.com/3leaps/stagehand/pkg/jobstore"
	"github.com/3leaps/stagehand/pkg/outbox"
	"github.com/3leaps/stagehand/pkg/queue"
	"github.com/3leaps/stagehand/pkg/staging"
)

// blockingExec holds each invocation until it is canceled.
type blockingExec struct{}

func (blockingExec) Execute(ctx context.Context, _ executor.Invocation) executor.Result {
	<-ctx.Done()
	return executor.Result{Canceled: true}
}

func newEngine(t *testing.T) (*queue.Engine, *outbox.Outbox) {
	t.Helper()
	dir := t.TempDir()
	ob, err := outbox.Open(outbox.Config{Path: filepath.Join(dir, "outbox.json")}, outbox.SinkFunc(
		func(context.Context, string, string) error { return nil }))
	require.NoError(t, err)

	e, err := queue.New(queue.Options{
		Store:    jobstore.NewStore(dir),
		Executor: blockingExec{},
		Staging:  staging.NewResolver(filepath.Join(dir, "outputs"), "json"),
		Provider: invocation.Template{Executable: "true", Args: []string{"{output}"}},
		Outbox:   ob,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, ob
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{8787, 9000, 0} {
		srv := New("127.0.0.1", port, Deps{})
		assert.Equal(t, port, srv.Port())
	}
	assert.Equal(t, "127.0.0.1:8787", New("127.0.0.1", 8787, Deps{}).Addr())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Error.Code)
}

func TestServer_QueueRoutesNeedQueue(t *testing.T) {
	srv := New("127.0.0.1", 0, Deps{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	e, ob := newEngine(t)
	srv := New("127.0.0.1", 0, Deps{Version: "test", Queue: e, Outbox: ob})

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/jobs", http.StatusOK},
		{"GET", "/jobs/unknown", http.StatusNotFound},
		{"POST", "/jobs/unknown/cancel", http.StatusNotFound},
		{"GET", "/outbox", http.StatusOK},
		{"POST", "/outbox/retry", http.StatusOK},
		{"POST", "/queue/stop", http.StatusOK},
		{"POST", "/queue/resume", http.StatusOK},
		{"POST", "/queue/retry", http.StatusOK},
		{"POST", "/queue/clear-completed", http.StatusOK},
		{"POST", "/queue/clear-failed", http.StatusOK},
		{"POST", "/queue/reset", http.StatusOK},
		{"GET", "/history", http.StatusNotFound},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(ep.method, ep.path, nil))
			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s should return %d", ep.method, ep.path, ep.want)
		})
	}
}

func TestServer_JobsReflectEngine(t *testing.T) {
	e, ob := newEngine(t)
	e.Enqueue("/takes/one.wav", "/takes/two.wav")
	srv := New("127.0.0.1", 0, Deps{Queue: e, Outbox: ob})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap queue.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, 1, snap.Counts.Running)
	assert.Equal(t, 1, snap.Counts.Pending)
	assert.Equal(t, snap.Jobs[0].ID, snap.CurrentJobID)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/"+snap.Jobs[1].ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	j, ok := e.Job(snap.Jobs[1].ID)
	require.True(t, ok)
	assert.Equal(t, job.StatusCanceled, j.Status)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/"+snap.Jobs[1].ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New("127.0.0.1", 0, Deps{Version: "test", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
