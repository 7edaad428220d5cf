package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records calls and fails while failing is set.
type fakeSink struct {
	mu      sync.Mutex
	calls   []string
	failing bool
}

func (f *fakeSink) Ingest(_ context.Context, payloadPath string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payloadPath)
	if f.failing {
		return errors.New("ingest rejected")
	}
	return nil
}

func (f *fakeSink) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestOutbox(t *testing.T, sink Sink) (*Outbox, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "outbox.json")
	o, err := Open(cfg, sink)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	o.now = clock.Now
	return o, clock
}

func TestDelay(t *testing.T) {
	tests := []struct {
		attempts int
		cap      int
		want     time.Duration
	}{
		{0, 60, 1 * time.Second},
		{1, 60, 2 * time.Second},
		{2, 60, 4 * time.Second},
		{5, 60, 32 * time.Second},
		{6, 60, 60 * time.Second},
		{40, 60, 60 * time.Second},
		{-1, 60, 1 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(tt.attempts, tt.cap), "Delay(%d, %d)", tt.attempts, tt.cap)
	}
}

func TestDelay_NonDecreasingUpToCap(t *testing.T) {
	for _, capSeconds := range []int{1, 7, 60, 300} {
		prev := time.Duration(0)
		for attempts := 0; attempts < 40; attempts++ {
			d := Delay(attempts, capSeconds)
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, time.Duration(capSeconds)*time.Second)
			prev = d
		}
	}
}

func TestOpen_RequiresSink(t *testing.T) {
	_, err := Open(DefaultConfig(), nil)
	require.Error(t, err)
}

func TestEnqueue_IdempotentByPath(t *testing.T) {
	o, _ := newTestOutbox(t, &fakeSink{})

	assert.True(t, o.Enqueue("/out/a.json", "job-a"))
	assert.False(t, o.Enqueue("/out/a.json", "job-a"))
	assert.False(t, o.Enqueue("/out/a.json", "job-other"))
	assert.False(t, o.Enqueue("  ", "job-x"))
	assert.True(t, o.Enqueue("/out/b.json", ""))

	assert.Equal(t, 2, o.Snapshot().Pending)
}

func TestDeliverNext_SuccessRemovesEntry(t *testing.T) {
	sink := &fakeSink{}
	o, _ := newTestOutbox(t, sink)
	o.Enqueue("/out/a.json", "job-a")

	assert.True(t, o.DeliverNext(context.Background()))
	assert.Equal(t, Stats{}, o.Snapshot())
	assert.Equal(t, []string{"/out/a.json"}, sink.calls)

	assert.False(t, o.DeliverNext(context.Background()))
}

func TestDeliverNext_FailureBacksOff(t *testing.T) {
	sink := &fakeSink{failing: true}
	o, clock := newTestOutbox(t, sink)
	o.Enqueue("/out/a.json", "job-a")
	ctx := context.Background()

	require.True(t, o.DeliverNext(ctx))
	entries := o.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].AttemptCount)
	assert.Equal(t, "ingest rejected", entries[0].LastError)
	require.NotNil(t, entries[0].LastAttemptAt)
	assert.Equal(t, Stats{Pending: 1, Errors: 1}, o.Snapshot())

	// Delay after one failure is 2s: never attempted before then.
	assert.False(t, o.DeliverNext(ctx))
	clock.Advance(1999 * time.Millisecond)
	assert.False(t, o.DeliverNext(ctx))
	_, wait, ok := o.next()
	assert.False(t, ok)
	assert.Equal(t, time.Millisecond, wait)

	clock.Advance(time.Millisecond)
	sink.setFailing(false)
	assert.True(t, o.DeliverNext(ctx))
	assert.Equal(t, 0, o.Snapshot().Pending)
}

func TestDeliverNext_ParksAtCeiling(t *testing.T) {
	sink := &fakeSink{failing: true}
	o, clock := newTestOutbox(t, sink)
	o.Enqueue("/out/a.json", "job-a")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, o.DeliverNext(ctx), "attempt %d", i+1)
		clock.Advance(time.Hour)
	}

	assert.False(t, o.DeliverNext(ctx))
	assert.Equal(t, 5, sink.callCount())
	assert.Equal(t, Stats{Pending: 1, Errors: 1, Parked: 1}, o.Snapshot())

	// Parked entries have no wake-up time.
	_, wait, ok := o.next()
	assert.False(t, ok)
	assert.Zero(t, wait)

	assert.Equal(t, 1, o.RetryParked())
	sink.setFailing(false)
	assert.True(t, o.DeliverNext(ctx))
	assert.Equal(t, Stats{}, o.Snapshot())
}

func TestOutbox_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	cfg := DefaultConfig()
	cfg.Path = path

	sink := &fakeSink{failing: true}
	o, err := Open(cfg, sink)
	require.NoError(t, err)
	o.Enqueue("/out/a.json", "job-a")
	o.Enqueue("/out/b.json", "job-b")
	require.True(t, o.DeliverNext(context.Background()))

	reopened, err := Open(cfg, sink)
	require.NoError(t, err)
	entries := reopened.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/out/a.json", entries[0].PayloadPath)
	assert.Equal(t, 1, entries[0].AttemptCount)
	assert.Equal(t, "ingest rejected", entries[0].LastError)
	assert.Equal(t, "job-b", entries[1].JobID)
}

func TestOutbox_ForgetAndReset(t *testing.T) {
	o, _ := newTestOutbox(t, &fakeSink{})
	o.Enqueue("/out/a.json", "job-a")
	o.Enqueue("/out/b.json", "job-b")

	assert.Equal(t, 1, o.Forget("job-a"))
	assert.Equal(t, 0, o.Forget("job-a"))
	assert.Equal(t, 0, o.Forget(""))
	require.Len(t, o.Entries(), 1)

	o.Reset()
	assert.Empty(t, o.Entries())
}

func TestAttempt_ForgottenWhileInFlight(t *testing.T) {
	var o *Outbox
	sink := SinkFunc(func(_ context.Context, _ string, jobID string) error {
		o.Forget(jobID)
		return errors.New("late failure")
	})
	o, _ = newTestOutbox(t, sink)
	o.Enqueue("/out/a.json", "job-a")

	assert.True(t, o.DeliverNext(context.Background()))
	assert.Empty(t, o.Entries())
}

func TestRun_DeliversAndWakesOnEnqueue(t *testing.T) {
	sink := &fakeSink{}
	cfg := DefaultConfig()
	o, err := Open(cfg, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	o.Enqueue("/out/a.json", "job-a")
	require.Eventually(t, func() bool { return sink.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	o.Enqueue("/out/b.json", "job-b")
	require.Eventually(t, func() bool { return sink.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, o.Snapshot().Pending)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RetriesAfterBackoff(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	sink := SinkFunc(func(context.Context, string, string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("downstream busy")
		}
		return nil
	})

	o, err := Open(DefaultConfig(), sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	o.Enqueue("/out/a.json", "job-a")

	// First retry is due 2s after the failed attempt.
	require.Eventually(t, func() bool { return o.Snapshot().Pending == 0 }, 5*time.Second, 50*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestRun_RateLimited(t *testing.T) {
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.RateLimit = 1000
	o, err := Open(cfg, sink)
	require.NoError(t, err)
	require.NotNil(t, o.limiter)

	o.Enqueue("/out/a.json", "job-a")
	assert.True(t, o.DeliverNext(context.Background()))
	assert.Equal(t, 1, sink.callCount())
}

func TestRun_DeliversEntryThatBecomesEligibleBetweenChecks(t *testing.T) {
	sink := &fakeSink{failing: true}
	o, clock := newTestOutbox(t, sink)
	base := clock.Now()

	o.Enqueue("/out/a.json", "job-a")
	require.True(t, o.DeliverNext(context.Background()))
	sink.setFailing(false)

	// Eligible again at base+2s. The first look sees base+1s, every later
	// look sees base+2s.
	var mu sync.Mutex
	calls := 0
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return base.Add(time.Second)
		}
		return base.Add(2 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	require.Eventually(t, func() bool { return o.Snapshot().Pending == 0 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, sink.callCount())
}

func TestOpen_CorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"entries":[{"id":`), 0644))

	cfg := DefaultConfig()
	cfg.Path = path
	o, err := Open(cfg, &fakeSink{})
	require.NoError(t, err)
	assert.Zero(t, o.Snapshot().Pending)

	moved, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, moved, 1)

	// The outbox keeps working and writes a fresh file.
	assert.True(t, o.Enqueue("/out/a.json", "job-a"))
	reopened, err := Open(cfg, &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Snapshot().Pending)
}
