// Package job defines the job record tracked by the sequential queue.
package job

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/stagehand/pkg/executor"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in jobs.json and are part of the stable
// on-disk contract.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s is one of done, failed or canceled.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Job is one input file awaiting, undergoing or having completed external
// processing.
//
// The schema is designed for backward-compatible extension (additive fields).
type Job struct {
	ID                 string               `json:"id"`
	SourcePath         string               `json:"source_path"`
	Label              string               `json:"label"`
	Status             Status               `json:"status"`
	StagedOutputPath   string               `json:"staged_output_path,omitempty"`
	OutputPath         string               `json:"output_path,omitempty"`
	LastError          string               `json:"last_error,omitempty"`
	Group              string               `json:"group,omitempty"`
	PreparedInvocation *executor.Invocation `json:"prepared_invocation,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	FinishedAt         *time.Time           `json:"finished_at,omitempty"`
	AttemptCount       int                  `json:"attempt_count"`
}

// New returns a pending job for source. The label defaults to the file name
// without extension.
func New(source string, now time.Time) Job {
	source = strings.TrimSpace(source)
	return Job{
		ID:         uuid.New().String(),
		SourcePath: source,
		Label:      DefaultLabel(source),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// DefaultLabel derives a display label from a source path.
func DefaultLabel(source string) string {
	base := filepath.Base(strings.TrimSpace(source))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Progress is derived from status and is never stored.
func (j Job) Progress() float64 {
	switch {
	case j.Status == StatusRunning:
		return 0.5
	case j.Status.Terminal():
		return 1.0
	default:
		return 0.0
	}
}

// MarkRunning moves a pending job to running and counts the attempt.
func (j *Job) MarkRunning(now time.Time) {
	j.Status = StatusRunning
	j.StartedAt = timePtr(now)
	j.FinishedAt = nil
	j.LastError = ""
	j.AttemptCount++
	j.UpdatedAt = now
}

// MarkDone records a successful run. outputPath is the promoted artifact.
func (j *Job) MarkDone(outputPath string, now time.Time) {
	j.Status = StatusDone
	j.OutputPath = outputPath
	j.StagedOutputPath = ""
	j.LastError = ""
	j.FinishedAt = timePtr(now)
	j.UpdatedAt = now
}

// MarkFailed records a failed run with its most specific message.
func (j *Job) MarkFailed(msg string, now time.Time) {
	j.Status = StatusFailed
	j.StagedOutputPath = ""
	j.LastError = msg
	j.FinishedAt = timePtr(now)
	j.UpdatedAt = now
}

// MarkCanceled records a user cancellation. It is not an error.
func (j *Job) MarkCanceled(now time.Time) {
	j.Status = StatusCanceled
	j.FinishedAt = timePtr(now)
	j.UpdatedAt = now
}

// Reset returns a job to a fresh pending state. Only createdAt survives.
func (j *Job) Reset(now time.Time) {
	j.Status = StatusPending
	j.AttemptCount = 0
	j.StartedAt = nil
	j.FinishedAt = nil
	j.LastError = ""
	j.StagedOutputPath = ""
	j.UpdatedAt = now
}

// Clone returns a deep copy safe to hand to observers.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		out.StartedAt = timePtr(*j.StartedAt)
	}
	if j.FinishedAt != nil {
		out.FinishedAt = timePtr(*j.FinishedAt)
	}
	if j.PreparedInvocation != nil {
		inv := *j.PreparedInvocation
		inv.Args = append([]string(nil), j.PreparedInvocation.Args...)
		if j.PreparedInvocation.Env != nil {
			inv.Env = make(map[string]string, len(j.PreparedInvocation.Env))
			for k, v := range j.PreparedInvocation.Env {
				inv.Env[k] = v
			}
		}
		out.PreparedInvocation = &inv
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
