package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/stagehand/pkg/executor"
)

// Failure kinds recorded on jobs. Use errors.Is against a *RunError.
var (
	ErrSpawnFailure = errors.New("spawn failure")
	ErrTimeout      = errors.New("timeout")
	ErrNonZeroExit  = errors.New("non-zero exit")
	ErrStderr       = errors.New("error output")
)

// Engine operation errors.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotCancelable = errors.New("job is not pending or running")
	ErrNoCommand     = errors.New("no command configured")
)

// RunError describes why an execution did not succeed. Error returns the
// message recorded on the job.
type RunError struct {
	Kind    error
	Message string
}

func (e *RunError) Error() string { return e.Message }
func (e *RunError) Unwrap() error { return e.Kind }

// classify returns nil when res counts as success. The message prefers the
// spawn error, then the timeout marker, then stderr, then "exit N".
func classify(res executor.Result, failOnStderr bool) *RunError {
	stderr := strings.TrimSpace(res.Stderr)
	switch {
	case res.SpawnError != "":
		return &RunError{Kind: ErrSpawnFailure, Message: res.SpawnError}
	case res.TimedOut:
		return &RunError{Kind: ErrTimeout, Message: timeoutLine(stderr)}
	case res.ExitCode != 0:
		if stderr != "" {
			return &RunError{Kind: ErrNonZeroExit, Message: stderr}
		}
		return &RunError{Kind: ErrNonZeroExit, Message: fmt.Sprintf("exit %d", res.ExitCode)}
	case failOnStderr && stderr != "":
		return &RunError{Kind: ErrStderr, Message: stderr}
	}
	return nil
}

func timeoutLine(stderr string) string {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), executor.TimeoutMarker) {
			return strings.TrimSpace(lines[i])
		}
	}
	return executor.TimeoutMarker + " process exceeded wall-clock limit"
}
