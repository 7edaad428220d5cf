package executor

import (
	"strings"
	"time"
)

// Invocation is a fully-formed external command.
//
// NOTE: Invocations are persisted alongside job records (as the prepared
// invocation) and are part of the on-disk contract. Add fields, don't rename.
type Invocation struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Dir        string            `json:"dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	// Timeout overrides the executor default when > 0. A negative value
	// disables the wall-clock limit for this invocation.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CommandLine renders the invocation for diagnostics. It is not shell-safe.
func (inv Invocation) CommandLine() string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, inv.Executable)
	for _, a := range inv.Args {
		if strings.ContainsAny(a, " \t\"'") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Result is the captured outcome of an invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// SpawnError is set when the process could not be started at all.
	SpawnError string

	// TimedOut is set when the wall-clock limit expired and the process was killed.
	TimedOut bool

	// Canceled is set when the caller's context ended before the process exited.
	Canceled bool

	Duration time.Duration
}

// Succeeded reports whether the process started, finished in time and exited 0.
func (r Result) Succeeded() bool {
	return r.SpawnError == "" && !r.TimedOut && !r.Canceled && r.ExitCode == 0
}
