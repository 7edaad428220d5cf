// Package outbox implements a durable retry queue that hands completed job
// outputs to a downstream ingestion sink.
//
// Entries survive restarts (they are persisted to a single JSON file that is
// rewritten on every change). Delivery failures are retried with capped
// exponential backoff until the attempt ceiling is reached; after that the
// entry is parked with its last error and stays visible until delivered,
// re-armed or reset.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/stagehand/internal/fsutil"
)

// Sink is the downstream ingestion step. A nil error means the payload was
// accepted.
type Sink interface {
	Ingest(ctx context.Context, payloadPath string, jobID string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payloadPath string, jobID string) error

func (f SinkFunc) Ingest(ctx context.Context, payloadPath string, jobID string) error {
	return f(ctx, payloadPath, jobID)
}

// Entry is one pending delivery.
type Entry struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id,omitempty"`
	PayloadPath   string     `json:"payload_path"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Stats is the observable outbox state.
type Stats struct {
	// Pending counts every undelivered entry, parked ones included.
	Pending int `json:"pending"`
	// Errors counts entries whose last attempt failed.
	Errors int `json:"errors"`
	// Parked counts entries that reached the attempt ceiling.
	Parked int `json:"parked"`
}

// Config configures an Outbox.
type Config struct {
	// Path is the outbox file. Empty keeps the outbox in memory only.
	Path string

	// MaxAttempts is the attempt ceiling after which entries are parked.
	// Default: 5
	MaxAttempts int

	// CapSeconds caps the retry delay.
	// Default: 300
	CapSeconds int

	// RateLimit is the maximum number of deliveries per second.
	// Zero means unlimited.
	RateLimit float64

	Logger *zap.Logger
}

// DefaultConfig returns the default outbox configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		CapSeconds:  300,
	}
}

// Delay returns the wait after the given number of failed attempts:
// min(2^attempts, capSeconds) seconds.
func Delay(attempts, capSeconds int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if capSeconds <= 0 {
		capSeconds = math.MaxInt32
	}
	// 2^31 seconds is far beyond any sane cap; avoid overflow.
	if attempts >= 31 {
		return time.Duration(capSeconds) * time.Second
	}
	secs := 1 << attempts
	if secs > capSeconds {
		secs = capSeconds
	}
	return time.Duration(secs) * time.Second
}

type document struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Outbox is safe for concurrent use. Run drives delivery on its own
// goroutine; every other method only touches in-memory state and the file.
type Outbox struct {
	cfg     Config
	sink    Sink
	logger  *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	entries []Entry

	wake chan struct{}
}

// Open loads any persisted entries from cfg.Path and returns an outbox
// delivering to sink.
func Open(cfg Config, sink Sink) (*Outbox, error) {
	if sink == nil {
		return nil, fmt.Errorf("outbox sink is required")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CapSeconds <= 0 {
		cfg.CapSeconds = def.CapSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Outbox{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		wake:   make(chan struct{}, 1),
	}
	if cfg.RateLimit > 0 {
		burst := int(math.Ceil(cfg.RateLimit))
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	entries, err := o.load()
	if err != nil {
		return nil, err
	}
	o.entries = entries
	return o, nil
}

func (o *Outbox) load() ([]Entry, error) {
	if strings.TrimSpace(o.cfg.Path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(o.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, nil
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		moved, qerr := fsutil.Quarantine(o.cfg.Path, o.now())
		if qerr != nil {
			return nil, fmt.Errorf("parse outbox: %w (%v)", err, qerr)
		}
		o.logger.Warn("Outbox file was unreadable; starting empty",
			zap.String("moved_to", moved),
			zap.Error(err))
		return nil, nil
	}

	// Collapse duplicates a hand-edited file might carry.
	seen := make(map[string]bool, len(doc.Entries))
	out := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if e.PayloadPath == "" || seen[e.PayloadPath] {
			continue
		}
		seen[e.PayloadPath] = true
		out = append(out, e)
	}
	return out, nil
}

// persistLocked rewrites the outbox file. Failures are logged and swallowed.
func (o *Outbox) persistLocked() {
	if strings.TrimSpace(o.cfg.Path) == "" {
		return
	}
	entries := o.entries
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.MarshalIndent(document{Version: 1, Entries: entries}, "", "  ")
	if err == nil {
		err = fsutil.WriteFileAtomic(o.cfg.Path, append(b, '\n'))
	}
	if err != nil {
		o.logger.Warn("Failed to persist outbox", zap.String("path", o.cfg.Path), zap.Error(err))
	}
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds payloadPath for delivery. It is idempotent by path and
// reports whether a new entry was created.
func (o *Outbox) Enqueue(payloadPath, jobID string) bool {
	payloadPath = strings.TrimSpace(payloadPath)
	if payloadPath == "" {
		return false
	}

	o.mu.Lock()
	for _, e := range o.entries {
		if e.PayloadPath == payloadPath {
			o.mu.Unlock()
			return false
		}
	}
	o.entries = append(o.entries, Entry{
		ID:          uuid.New().String(),
		JobID:       jobID,
		PayloadPath: payloadPath,
		CreatedAt:   o.now(),
	})
	o.persistLocked()
	o.mu.Unlock()

	o.logger.Debug("Outbox entry added", zap.String("payload", payloadPath), zap.String("job_id", jobID))
	o.signal()
	return true
}

// Snapshot returns current counters.
func (o *Outbox) Snapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Stats{Pending: len(o.entries)}
	for _, e := range o.entries {
		if e.LastError != "" {
			st.Errors++
		}
		if e.AttemptCount >= o.cfg.MaxAttempts {
			st.Parked++
		}
	}
	return st
}

// Entries returns a copy of all entries in delivery order.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

// Forget removes all entries belonging to jobID and returns how many were
// removed.
func (o *Outbox) Forget(jobID string) int {
	if jobID == "" {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.entries[:0]
	removed := 0
	for _, e := range o.entries {
		if e.JobID == jobID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
	if removed > 0 {
		o.persistLocked()
	}
	return removed
}

// Reset empties the outbox.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = nil
	o.persistLocked()
}

// RetryParked re-arms parked entries with a fresh attempt budget and returns
// how many were re-armed.
func (o *Outbox) RetryParked() int {
	o.mu.Lock()
	n := 0
	for i := range o.entries {
		if o.entries[i].AttemptCount >= o.cfg.MaxAttempts {
			o.entries[i].AttemptCount = 0
			o.entries[i].LastAttemptAt = nil
			n++
		}
	}
	if n > 0 {
		o.persistLocked()
	}
	o.mu.Unlock()

	if n > 0 {
		o.signal()
	}
	return n
}

// eligibleAt returns when e may next be attempted, or false if parked.
func (o *Outbox) eligibleAt(e Entry) (time.Time, bool) {
	if e.AttemptCount >= o.cfg.MaxAttempts {
		return time.Time{}, false
	}
	if e.LastAttemptAt == nil {
		return time.Time{}, true
	}
	return e.LastAttemptAt.Add(Delay(e.AttemptCount, o.cfg.CapSeconds)), true
}

// next returns the first eligible entry, or the wait until the earliest
// entry becomes eligible (zero when nothing is waiting).
func (o *Outbox) next() (Entry, time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	var earliest time.Time
	for _, e := range o.entries {
		at, ok := o.eligibleAt(e)
		if !ok {
			continue
		}
		if !at.After(now) {
			return e, 0, true
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	if earliest.IsZero() {
		return Entry{}, 0, false
	}
	return Entry{}, earliest.Sub(now), false
}

// DeliverNext attempts the next eligible entry, if any. It reports whether
// an attempt was made.
func (o *Outbox) DeliverNext(ctx context.Context) bool {
	e, _, ok := o.next()
	if !ok {
		return false
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return false
		}
	}
	o.attempt(ctx, e)
	return true
}

func (o *Outbox) attempt(ctx context.Context, e Entry) {
	err := o.sink.Ingest(ctx, e.PayloadPath, e.JobID)
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the attempt; it does not count.
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	idx := -1
	for i := range o.entries {
		if o.entries[i].ID == e.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Forgotten or reset while in flight.
		return
	}

	if err == nil {
		o.entries = append(o.entries[:idx], o.entries[idx+1:]...)
		o.persistLocked()
		o.logger.Info("Delivered output",
			zap.String("payload", e.PayloadPath),
			zap.String("job_id", e.JobID),
			zap.Int("attempts", e.AttemptCount+1))
		return
	}

	now := o.now()
	cur := &o.entries[idx]
	cur.AttemptCount++
	cur.LastAttemptAt = &now
	cur.LastError = err.Error()
	o.persistLocked()

	if cur.AttemptCount >= o.cfg.MaxAttempts {
		o.logger.Warn("Delivery parked after max attempts",
			zap.String("payload", cur.PayloadPath),
			zap.Int("attempts", cur.AttemptCount),
			zap.Error(err))
		return
	}
	o.logger.Info("Delivery failed; will retry",
		zap.String("payload", cur.PayloadPath),
		zap.Int("attempts", cur.AttemptCount),
		zap.Duration("retry_in", Delay(cur.AttemptCount, o.cfg.CapSeconds)),
		zap.Error(err))
}

// Run delivers entries until ctx is done. When nothing is eligible it sleeps
// until the earliest retry time or the next Enqueue/RetryParked.
func (o *Outbox) Run(ctx context.Context) error {
	o.logger.Debug("Outbox loop started", zap.Int("entries", o.Snapshot().Pending))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if o.DeliverNext(ctx) {
			continue
		}

		// An entry may have become eligible since DeliverNext looked.
		_, wait, ok := o.next()
		if ok {
			continue
		}
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
		case <-o.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
