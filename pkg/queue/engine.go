// Package queue runs jobs one at a time: dequeue, stage, execute, promote or
// clean up, persist, advance.
//
// All job state lives behind a single mutex owned by Engine. The external
// process runs on its own goroutine and re-enters through that owner when it
// finishes, so a slow process never blocks Snapshot or the control
// operations. Stop and Cancel update state immediately; the process is
// terminated best-effort and its late result is discarded.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stagehand/pkg/executor"
	"github.com/3leaps/stagehand/pkg/invocation"
	"github.com/3leaps/stagehand/pkg/job"
	"github.com/3leaps/stagehand/pkg/jobstore"
)

// Executor runs one invocation to completion.
type Executor interface {
	Execute(ctx context.Context, inv executor.Invocation) executor.Result
}

// Store persists the job list.
type Store interface {
	Load() ([]job.Job, error)
	Save(jobs []job.Job) error
}

// Staging allocates and promotes job outputs.
type Staging interface {
	EnsureOutput(j job.Job) (finalPath, tempPath string, err error)
	Finalize(tempPath, finalPath string) error
	CleanupTemp(tempPath string) error
	Sweep() (int, error)
}

// Outbox receives the outputs of successful jobs.
type Outbox interface {
	Enqueue(payloadPath, jobID string) bool
	Reset()
}

// Recorder receives every job that reaches a terminal state.
type Recorder interface {
	Record(ctx context.Context, j job.Job) error
}

// Options configures an Engine. Store, Executor and Staging are required.
type Options struct {
	Store    Store
	Executor Executor
	Staging  Staging

	// Provider builds invocations for jobs without a prepared invocation.
	Provider invocation.Provider

	Outbox  Outbox
	History Recorder

	// FailOnStderr treats output on stderr as failure even on exit 0.
	FailOnStderr bool

	// Paused engines accept changes but dispatch nothing until Start.
	Paused bool

	Logger *zap.Logger
	Now    func() time.Time
}

// Request describes a job to enqueue.
type Request struct {
	Source     string
	Label      string
	Group      string
	Invocation *executor.Invocation
}

// Counts tallies jobs by status.
type Counts struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
}

// Snapshot is a consistent copy of engine state.
type Snapshot struct {
	Jobs         []job.Job `json:"jobs"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
	Stopping     bool      `json:"stopping"`
	Counts       Counts    `json:"counts"`
	Revision     uint64    `json:"revision"`
}

// Event signals that engine state changed. Events coalesce: a subscriber
// that falls behind sees only the latest revision.
type Event struct {
	Revision uint64
}

// Engine is the sequential queue. It is safe for concurrent use.
type Engine struct {
	store        Store
	exec         Executor
	staging      Staging
	provider     invocation.Provider
	outbox       Outbox
	history      Recorder
	failOnStderr bool
	logger       *zap.Logger
	now          func() time.Time

	mu         sync.Mutex
	jobs       []job.Job
	stopping   bool
	current    string
	generation uint64
	cancelRun  context.CancelFunc
	delivered  map[string]bool
	finished   []job.Job

	revision uint64
	subs     map[uint64]chan Event
	nextSub  uint64

	runs sync.WaitGroup
}

// New loads persisted jobs, removes orphaned staged outputs and returns an
// idle engine. Jobs left running by a previous session come back failed.
// Call Start to begin processing.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Staging == nil {
		return nil, fmt.Errorf("staging resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		store:        opts.Store,
		exec:         opts.Executor,
		staging:      opts.Staging,
		provider:     opts.Provider,
		outbox:       opts.Outbox,
		history:      opts.History,
		failOnStderr: opts.FailOnStderr,
		stopping:     opts.Paused,
		logger:       logger,
		now:          now,
		delivered:    make(map[string]bool),
		subs:         make(map[uint64]chan Event),
	}

	jobs, err := e.store.Load()
	if errors.Is(err, jobstore.ErrCorrupt) {
		logger.Warn("Job list was unreadable; starting empty", zap.Error(err))
		jobs, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	e.jobs = jobs
	for _, j := range jobs {
		// Done jobs from earlier sessions were already handed to the outbox.
		if j.Status == job.StatusDone {
			e.delivered[j.ID] = true
		}
	}

	if n, err := e.staging.Sweep(); err != nil {
		logger.Warn("Failed to sweep staging dir", zap.Error(err))
	} else if n > 0 {
		logger.Info("Removed orphaned staged outputs", zap.Int("count", n))
	}

	e.mu.Lock()
	e.persistLocked()
	e.mu.Unlock()

	logger.Debug("Queue loaded", zap.Int("jobs", len(jobs)))
	return e, nil
}

// Enqueue adds one pending job per non-empty source path and kicks
// processing.
func (e *Engine) Enqueue(sources ...string) []job.Job {
	reqs := make([]Request, 0, len(sources))
	for _, s := range sources {
		reqs = append(reqs, Request{Source: s})
	}
	return e.Add(reqs...)
}

// Add enqueues jobs with explicit labels, groups or prepared invocations.
func (e *Engine) Add(reqs ...Request) []job.Job {
	e.mu.Lock()
	defer e.unlock()

	now := e.now()
	added := make([]job.Job, 0, len(reqs))
	for _, r := range reqs {
		if strings.TrimSpace(r.Source) == "" {
			continue
		}
		j := job.New(r.Source, now)
		if l := strings.TrimSpace(r.Label); l != "" {
			j.Label = l
		}
		j.Group = r.Group
		if r.Invocation != nil {
			inv := *r.Invocation
			j.PreparedInvocation = &inv
		}
		e.jobs = append(e.jobs, j)
		added = append(added, j.Clone())
	}
	if len(added) == 0 {
		return added
	}

	e.logger.Info("Jobs enqueued", zap.Int("count", len(added)))
	e.changedLocked()
	e.processNextLocked()
	return added
}

// Start clears the stopping flag and kicks processing.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.unlock()

	e.stopping = false
	e.changedLocked()
	e.processNextLocked()
}

// Stop cancels every pending job and the in-flight job, if any. The slot is
// freed immediately; the process is terminated best-effort.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.unlock()

	e.stopping = true
	now := e.now()
	for i := range e.jobs {
		if e.jobs[i].Status == job.StatusPending {
			e.jobs[i].MarkCanceled(now)
			e.finishedLocked(e.jobs[i])
		}
	}
	e.abortCurrentLocked(now)
	e.changedLocked()
	e.logger.Info("Queue stopped")
}

// Cancel cancels a single pending or running job.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	defer e.unlock()

	idx := e.indexLocked(jobID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	now := e.now()
	switch e.jobs[idx].Status {
	case job.StatusPending:
		e.jobs[idx].MarkCanceled(now)
		e.finishedLocked(e.jobs[idx])
	case job.StatusRunning:
		e.abortCurrentLocked(now)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotCancelable, jobID, e.jobs[idx].Status)
	}
	e.changedLocked()
	e.processNextLocked()
	return nil
}

// abortCurrentLocked marks the in-flight job canceled and frees the slot.
func (e *Engine) abortCurrentLocked(now time.Time) {
	if e.current == "" {
		return
	}
	if idx := e.indexLocked(e.current); idx >= 0 {
		e.jobs[idx].MarkCanceled(now)
		e.finishedLocked(e.jobs[idx])
		e.logger.Info("Canceled running job", zap.String("job_id", e.current))
	}
	e.releaseLocked()
}

func (e *Engine) releaseLocked() {
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.cancelRun = nil
	e.current = ""
}

// ResumeCanceled returns every canceled job to a fresh pending state.
func (e *Engine) ResumeCanceled() int {
	return e.resetWhere(job.StatusCanceled)
}

// RetryFailed returns every failed job to a fresh pending state.
func (e *Engine) RetryFailed() int {
	return e.resetWhere(job.StatusFailed)
}

func (e *Engine) resetWhere(status job.Status) int {
	e.mu.Lock()
	defer e.unlock()

	now := e.now()
	n := 0
	for i := range e.jobs {
		if e.jobs[i].Status == status {
			e.jobs[i].Reset(now)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	e.logger.Info("Jobs reset to pending", zap.String("from", string(status)), zap.Int("count", n))
	e.changedLocked()
	e.processNextLocked()
	return n
}

// ClearCompleted removes done jobs. Their outbox entries are kept so
// delivery still completes.
func (e *Engine) ClearCompleted() int {
	return e.removeWhere(func(s job.Status) bool { return s == job.StatusDone })
}

// ClearCanceledFailed removes canceled and failed jobs.
func (e *Engine) ClearCanceledFailed() int {
	return e.removeWhere(func(s job.Status) bool {
		return s == job.StatusCanceled || s == job.StatusFailed
	})
}

func (e *Engine) removeWhere(match func(job.Status) bool) int {
	e.mu.Lock()
	defer e.unlock()

	kept := e.jobs[:0]
	n := 0
	for _, j := range e.jobs {
		if match(j.Status) {
			delete(e.delivered, j.ID)
			n++
			continue
		}
		kept = append(kept, j)
	}
	e.jobs = kept
	if n > 0 {
		e.changedLocked()
	}
	return n
}

// ResetAll cancels any in-flight job, removes every job and empties the
// outbox.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.unlock()

	e.releaseLocked()
	e.jobs = nil
	e.delivered = make(map[string]bool)
	if e.outbox != nil {
		e.outbox.Reset()
	}
	e.changedLocked()
	e.logger.Info("Queue reset")
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Jobs:         e.jobsLocked(),
		CurrentJobID: e.current,
		Stopping:     e.stopping,
		Revision:     e.revision,
	}
	for _, j := range e.jobs {
		switch j.Status {
		case job.StatusPending:
			s.Counts.Pending++
		case job.StatusRunning:
			s.Counts.Running++
		case job.StatusDone:
			s.Counts.Done++
		case job.StatusFailed:
			s.Counts.Failed++
		case job.StatusCanceled:
			s.Counts.Canceled++
		}
	}
	return s
}

// Jobs returns a copy of the job list in queue order.
func (e *Engine) Jobs() []job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobsLocked()
}

// Job returns one job by id.
func (e *Engine) Job(id string) (job.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexLocked(id)
	if idx < 0 {
		return job.Job{}, false
	}
	return e.jobs[idx].Clone(), true
}

// Subscribe returns a channel that receives an Event after every state
// change, and a function that cancels the subscription.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, 1)
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
}

// Wait blocks until no job is running and none will be started: either no
// job is pending or the engine is stopped.
func (e *Engine) Wait(ctx context.Context) error {
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	for {
		if e.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		}
	}
}

func (e *Engine) idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != "" {
		return false
	}
	if e.stopping {
		return true
	}
	return e.firstPendingLocked() < 0
}

// Close pauses dispatch, cancels the in-flight job and waits for execution
// goroutines to return. Pending jobs stay pending for the next session.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopping = true
	if e.current != "" {
		e.abortCurrentLocked(e.now())
	}
	e.changedLocked()
	e.unlock()

	e.runs.Wait()
}

// processNextLocked starts the first pending job unless the engine is
// stopping or a job is already in flight. Jobs that fail before their
// process starts are recorded and the next one is tried.
func (e *Engine) processNextLocked() {
	for {
		if e.stopping || e.current != "" {
			return
		}
		idx := e.firstPendingLocked()
		if idx < 0 {
			return
		}
		if e.dispatchLocked(idx) {
			return
		}
	}
}

// dispatchLocked moves jobs[idx] to running and launches its execution. It
// reports false when the job failed before a process could be started.
func (e *Engine) dispatchLocked(idx int) bool {
	now := e.now()
	j := &e.jobs[idx]

	finalPath, tempPath, err := e.staging.EnsureOutput(*j)
	j.MarkRunning(now)
	if err != nil {
		e.failLocked(j, fmt.Sprintf("resolve staged output: %v", err), now)
		return false
	}
	j.StagedOutputPath = tempPath
	e.changedLocked()

	inv, err := e.invocationFor(*j)
	if err != nil {
		_ = e.staging.CleanupTemp(tempPath)
		e.failLocked(j, err.Error(), now)
		return false
	}

	e.generation++
	gen := e.generation
	ctx, cancel := context.WithCancel(context.Background())
	e.current = j.ID
	e.cancelRun = cancel

	e.logger.Info("Job started",
		zap.String("job_id", j.ID),
		zap.String("source", j.SourcePath),
		zap.Int("attempt", j.AttemptCount))

	run := completion{gen: gen, jobID: j.ID, finalPath: finalPath, tempPath: tempPath}
	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		defer cancel()
		run.result = e.exec.Execute(ctx, inv)
		e.complete(run)
	}()
	return true
}

func (e *Engine) invocationFor(j job.Job) (executor.Invocation, error) {
	if j.PreparedInvocation != nil {
		return invocation.Expand(*j.PreparedInvocation, j), nil
	}
	if e.provider == nil {
		return executor.Invocation{}, ErrNoCommand
	}
	inv, err := e.provider.Invocation(j.Clone())
	if err != nil {
		return executor.Invocation{}, fmt.Errorf("build invocation: %w", err)
	}
	return inv, nil
}

type completion struct {
	gen       uint64
	jobID     string
	finalPath string
	tempPath  string
	result    executor.Result
}

// complete applies an execution result. Results from runs that were
// canceled, superseded or removed only clean up their staged output.
func (e *Engine) complete(c completion) {
	e.mu.Lock()
	defer e.unlock()

	live := e.current == c.jobID && e.generation == c.gen
	if live {
		e.releaseLocked()
	}

	idx := e.indexLocked(c.jobID)
	if !live || idx < 0 || e.jobs[idx].Status != job.StatusRunning {
		// The same job may be running again under a newer run sharing the
		// temp path.
		if e.current != c.jobID {
			_ = e.staging.CleanupTemp(c.tempPath)
		}
		e.logger.Debug("Discarded result of abandoned run", zap.String("job_id", c.jobID))
		e.processNextLocked()
		return
	}

	now := e.now()
	j := &e.jobs[idx]
	res := c.result
	if res.Canceled {
		_ = e.staging.CleanupTemp(c.tempPath)
		j.MarkCanceled(now)
		e.finishedLocked(*j)
		e.changedLocked()
		e.processNextLocked()
		return
	}

	if runErr := classify(res, e.failOnStderr); runErr != nil {
		_ = e.staging.CleanupTemp(c.tempPath)
		e.logger.Warn("Job failed",
			zap.String("job_id", j.ID),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut),
			zap.Duration("duration", res.Duration),
			zap.Error(runErr.Kind))
		e.failLocked(j, runErr.Error(), now)
		e.processNextLocked()
		return
	}

	if err := e.staging.Finalize(c.tempPath, c.finalPath); err != nil {
		_ = e.staging.CleanupTemp(c.tempPath)
		e.logger.Warn("Failed to promote staged output", zap.String("job_id", j.ID), zap.Error(err))
		e.failLocked(j, err.Error(), now)
		e.processNextLocked()
		return
	}

	// The outbox entry is durable before Done reaches the job file: a job
	// loaded as done never needs its output re-enqueued.
	j.MarkDone(c.finalPath, now)
	e.deliverLocked(*j)
	e.finishedLocked(*j)
	e.changedLocked()
	e.logger.Info("Job done",
		zap.String("job_id", j.ID),
		zap.String("output", c.finalPath),
		zap.Duration("duration", res.Duration))
	e.processNextLocked()
}

// deliverLocked hands a done job's output to the outbox at most once per
// job id.
func (e *Engine) deliverLocked(j job.Job) {
	if e.delivered[j.ID] {
		return
	}
	e.delivered[j.ID] = true
	if e.outbox != nil && j.OutputPath != "" {
		e.outbox.Enqueue(j.OutputPath, j.ID)
	}
}

func (e *Engine) failLocked(j *job.Job, msg string, now time.Time) {
	j.MarkFailed(msg, now)
	e.finishedLocked(*j)
	e.changedLocked()
}

func (e *Engine) finishedLocked(j job.Job) {
	if e.history != nil {
		e.finished = append(e.finished, j.Clone())
	}
}

// changedLocked persists the job list and notifies subscribers.
func (e *Engine) changedLocked() {
	e.persistLocked()
	e.revision++
	ev := Event{Revision: e.revision}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) persistLocked() {
	if err := e.store.Save(e.jobsLocked()); err != nil {
		e.logger.Warn("Failed to persist jobs", zap.Error(err))
	}
}

// unlock releases the engine lock and then records finished jobs, keeping
// history writes off the critical section.
func (e *Engine) unlock() {
	finished := e.finished
	e.finished = nil
	e.mu.Unlock()

	for _, j := range finished {
		if err := e.history.Record(context.Background(), j); err != nil {
			e.logger.Warn("Failed to record job history", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
}

func (e *Engine) jobsLocked() []job.Job {
	out := make([]job.Job, len(e.jobs))
	for i, j := range e.jobs {
		out[i] = j.Clone()
	}
	return out
}

func (e *Engine) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range e.jobs {
		if e.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) firstPendingLocked() int {
	for i := range e.jobs {
		if e.jobs[i].Status == job.StatusPending {
			return i
		}
	}
	return -1
}
