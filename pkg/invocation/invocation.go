// Package invocation builds the external command for a job.
package invocation

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/stagehand/pkg/executor"
	"github.com/3leaps/stagehand/pkg/job"
)

// Provider returns the invocation for a job. The job's StagedOutputPath is
// already resolved when Invocation is called.
type Provider interface {
	Invocation(j job.Job) (executor.Invocation, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(j job.Job) (executor.Invocation, error)

func (f ProviderFunc) Invocation(j job.Job) (executor.Invocation, error) { return f(j) }

// Placeholders understood by Template.
const (
	PlaceholderInput  = "{input}"
	PlaceholderOutput = "{output}"
	PlaceholderLabel  = "{label}"
	PlaceholderID     = "{id}"
	PlaceholderGroup  = "{group}"
)

// Template expands placeholders in a configured command line.
//
// Example:
//
//	Template{Executable: "scorer", Args: []string{"--in", "{input}", "--out", "{output}"}}
type Template struct {
	Executable string
	Args       []string
	Dir        string
	Env        map[string]string
	Timeout    time.Duration
}

// Validate checks that the template can produce a runnable command that
// writes to the staged output.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Executable) == "" {
		return fmt.Errorf("command executable is required")
	}
	for _, a := range t.Args {
		if strings.Contains(a, PlaceholderOutput) {
			return nil
		}
	}
	for _, v := range t.Env {
		if strings.Contains(v, PlaceholderOutput) {
			return nil
		}
	}
	return fmt.Errorf("command must reference %s in args or env", PlaceholderOutput)
}

// Invocation implements Provider.
func (t Template) Invocation(j job.Job) (executor.Invocation, error) {
	if strings.TrimSpace(t.Executable) == "" {
		return executor.Invocation{}, fmt.Errorf("command executable is required")
	}
	if strings.TrimSpace(j.StagedOutputPath) == "" {
		return executor.Invocation{}, fmt.Errorf("job %s has no staged output path", j.ID)
	}
	return t.expand(j), nil
}

// Expand substitutes job placeholders into a prepared invocation. An
// invocation without placeholders is returned unchanged.
func Expand(inv executor.Invocation, j job.Job) executor.Invocation {
	t := Template{Executable: inv.Executable, Args: inv.Args, Dir: inv.Dir, Env: inv.Env, Timeout: inv.Timeout}
	return t.expand(j)
}

func (t Template) expand(j job.Job) executor.Invocation {
	r := strings.NewReplacer(
		PlaceholderInput, j.SourcePath,
		PlaceholderOutput, j.StagedOutputPath,
		PlaceholderLabel, j.Label,
		PlaceholderID, j.ID,
		PlaceholderGroup, j.Group,
	)

	inv := executor.Invocation{
		Executable: r.Replace(t.Executable),
		Dir:        r.Replace(t.Dir),
		Timeout:    t.Timeout,
	}
	if len(t.Args) > 0 {
		inv.Args = make([]string, len(t.Args))
		for i, a := range t.Args {
			inv.Args[i] = r.Replace(a)
		}
	}
	if len(t.Env) > 0 {
		inv.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			inv.Env[k] = r.Replace(v)
		}
	}
	return inv
}
