package invocation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stagehand/pkg/executor"
	"github.com/3leaps/stagehand/pkg/job"
)

func testJob() job.Job {
	return job.Job{
		ID:               "job-1",
		SourcePath:       "/takes/scale run.wav",
		Label:            "scale run",
		Group:            "violin",
		StagedOutputPath: "/out/.staging/job-1.json.partial",
	}
}

func TestTemplate_Invocation(t *testing.T) {
	tmpl := Template{
		Executable: "/usr/local/bin/scorer",
		Args:       []string{"--in", "{input}", "--out={output}", "--name", "{label}", "--profile", "{group}"},
		Dir:        "/work/{id}",
		Env:        map[string]string{"SCORER_JOB": "{id}"},
		Timeout:    time.Minute,
	}

	inv, err := tmpl.Invocation(testJob())
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/scorer", inv.Executable)
	assert.Equal(t, []string{
		"--in", "/takes/scale run.wav",
		"--out=/out/.staging/job-1.json.partial",
		"--name", "scale run",
		"--profile", "violin",
	}, inv.Args)
	assert.Equal(t, "/work/job-1", inv.Dir)
	assert.Equal(t, map[string]string{"SCORER_JOB": "job-1"}, inv.Env)
	assert.Equal(t, time.Minute, inv.Timeout)

	// The template itself is untouched.
	assert.Equal(t, "{input}", tmpl.Args[1])
}

func TestTemplate_RequiresStagedOutput(t *testing.T) {
	j := testJob()
	j.StagedOutputPath = ""
	_, err := Template{Executable: "scorer"}.Invocation(j)
	require.Error(t, err)
}

func TestTemplate_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    Template
		wantErr bool
	}{
		{"missing executable", Template{Args: []string{"{output}"}}, true},
		{"no output placeholder", Template{Executable: "scorer", Args: []string{"{input}"}}, true},
		{"output in args", Template{Executable: "scorer", Args: []string{"-o", "{output}"}}, false},
		{"output in env", Template{Executable: "scorer", Env: map[string]string{"OUT": "{output}"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tmpl.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProviderFunc(t *testing.T) {
	p := ProviderFunc(func(j job.Job) (executor.Invocation, error) {
		if j.ID == "" {
			return executor.Invocation{}, errors.New("no id")
		}
		return executor.Invocation{Executable: "echo", Args: []string{j.ID}}, nil
	})

	inv, err := p.Invocation(testJob())
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, inv.Args)

	_, err = p.Invocation(job.Job{})
	assert.Error(t, err)
}

func TestExpand_PreparedInvocation(t *testing.T) {
	prepared := executor.Invocation{Executable: "scorer", Args: []string{"-o", "{output}", "--fixed"}}

	inv := Expand(prepared, testJob())
	assert.Equal(t, []string{"-o", "/out/.staging/job-1.json.partial", "--fixed"}, inv.Args)
	assert.Equal(t, "{output}", prepared.Args[1])

	plain := executor.Invocation{Executable: "true"}
	assert.Equal(t, plain, Expand(plain, testJob()))
}
