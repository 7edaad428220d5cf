package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/stagehand/pkg/history"
	"github.com/3leaps/stagehand/pkg/job"
	"github.com/3leaps/stagehand/pkg/outbox"
	"github.com/3leaps/stagehand/pkg/queue"
)

var errBadRequest = errors.New("bad request")

// Queue is the engine surface the API drives.
type Queue interface {
	Snapshot() queue.Snapshot
	Subscribe() (<-chan queue.Event, func())
	Job(id string) (job.Job, bool)
	Start()
	Stop()
	Cancel(jobID string) error
	ResumeCanceled() int
	RetryFailed() int
	ClearCompleted() int
	ClearCanceledFailed() int
	ResetAll()
}

// Outbox is the delivery surface the API reads.
type Outbox interface {
	Snapshot() outbox.Stats
	Entries() []outbox.Entry
	RetryParked() int
}

// History is the ledger surface the API reads.
type History interface {
	List(ctx context.Context, q history.Query) ([]history.Entry, error)
}

// QueueHandlers serves the job list, queue controls and delivery state.
// Outbox and History may be nil.
type QueueHandlers struct {
	Queue   Queue
	Outbox  Outbox
	History History
}

type countResponse struct {
	Affected int           `json:"affected"`
	Counts   queue.Counts  `json:"counts"`
	Outbox   *outbox.Stats `json:"outbox,omitempty"`
}

type outboxResponse struct {
	Stats   outbox.Stats   `json:"stats"`
	Entries []outbox.Entry `json:"entries"`
}

// ListJobs returns the full queue snapshot.
func (h *QueueHandlers) ListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Queue.Snapshot())
}

func (h *QueueHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := h.Queue.Job(id)
	if !ok {
		respondWithError(w, r, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *QueueHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Cancel(chi.URLParam(r, "id")); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.writeCounts(w, 1)
}

func (h *QueueHandlers) Start(w http.ResponseWriter, _ *http.Request) {
	h.Queue.Start()
	h.writeCounts(w, 0)
}

func (h *QueueHandlers) Stop(w http.ResponseWriter, _ *http.Request) {
	h.Queue.Stop()
	h.writeCounts(w, 0)
}

func (h *QueueHandlers) Resume(w http.ResponseWriter, _ *http.Request) {
	h.writeCounts(w, h.Queue.ResumeCanceled())
}

func (h *QueueHandlers) Retry(w http.ResponseWriter, _ *http.Request) {
	h.writeCounts(w, h.Queue.RetryFailed())
}

func (h *QueueHandlers) ClearCompleted(w http.ResponseWriter, _ *http.Request) {
	h.writeCounts(w, h.Queue.ClearCompleted())
}

func (h *QueueHandlers) ClearFailed(w http.ResponseWriter, _ *http.Request) {
	h.writeCounts(w, h.Queue.ClearCanceledFailed())
}

func (h *QueueHandlers) Reset(w http.ResponseWriter, _ *http.Request) {
	n := len(h.Queue.Snapshot().Jobs)
	h.Queue.ResetAll()
	h.writeCounts(w, n)
}

func (h *QueueHandlers) writeCounts(w http.ResponseWriter, affected int) {
	resp := countResponse{Affected: affected, Counts: h.Queue.Snapshot().Counts}
	if h.Outbox != nil {
		stats := h.Outbox.Snapshot()
		resp.Outbox = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOutbox returns delivery stats and undelivered entries.
func (h *QueueHandlers) GetOutbox(w http.ResponseWriter, _ *http.Request) {
	entries := h.Outbox.Entries()
	if entries == nil {
		entries = []outbox.Entry{}
	}
	writeJSON(w, http.StatusOK, outboxResponse{Stats: h.Outbox.Snapshot(), Entries: entries})
}

func (h *QueueHandlers) RetryOutbox(w http.ResponseWriter, _ *http.Request) {
	n := h.Outbox.RetryParked()
	stats := h.Outbox.Snapshot()
	writeJSON(w, http.StatusOK, countResponse{Affected: n, Counts: h.Queue.Snapshot().Counts, Outbox: &stats})
}

// ListHistory supports ?limit=, ?status= and ?group=.
func (h *QueueHandlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	entries, err := h.History.List(r.Context(), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseHistoryQuery(r *http.Request) (history.Query, error) {
	values := r.URL.Query()
	q := history.Query{Group: strings.TrimSpace(values.Get("group"))}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		q.Limit = n
	}
	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		s := job.Status(strings.ToLower(raw))
		if !s.Terminal() {
			return q, fmt.Errorf("%w: status must be done, failed or canceled", errBadRequest)
		}
		q.Status = s
	}
	return q, nil
}

// Events streams a snapshot as a server-sent event on every queue change.
// The first event is sent immediately.
func (h *QueueHandlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, r, errors.New("streaming unsupported"))
		return
	}
	events, unsubscribe := h.Queue.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		snap := h.Queue.Snapshot()
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Revision, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-events:
			if !ok || !send() {
				return
			}
		}
	}
}
