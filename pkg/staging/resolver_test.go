package staging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stagehand/pkg/job"
)

func TestResolver_EnsureOutputPaths(t *testing.T) {
	out := t.TempDir()
	r := NewResolver(out, ".mid")

	j := job.New("/music/Take 1.wav", time.Now())
	final, temp, err := r.EnsureOutput(j)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "Take 1-"+j.ID[:8]+".mid"), final)
	assert.Equal(t, filepath.Join(out, ".staging", j.ID+".mid.partial"), temp)

	fi, err := os.Stat(r.StagingDir())
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestResolver_LabelIsSanitized(t *testing.T) {
	r := NewResolver(t.TempDir(), "")

	j := job.New("/music/a.wav", time.Now())
	j.Label = "../../etc/passwd"
	final, _, err := r.EnsureOutput(j)
	require.NoError(t, err)

	assert.Equal(t, r.OutputDir(), filepath.Dir(final))
	assert.Equal(t, ".json", filepath.Ext(final))
}

func TestResolver_EnsureOutputRemovesStaleTemp(t *testing.T) {
	r := NewResolver(t.TempDir(), "json")
	j := job.New("/music/a.wav", time.Now())

	_, temp, err := r.EnsureOutput(j)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(temp, []byte("half"), 0644))

	_, temp2, err := r.EnsureOutput(j)
	require.NoError(t, err)
	assert.Equal(t, temp, temp2)
	assert.NoFileExists(t, temp)
}

func TestResolver_EnsureOutputRequiresConfig(t *testing.T) {
	_, _, err := NewResolver("", "json").EnsureOutput(job.New("/a.wav", time.Now()))
	require.Error(t, err)

	_, _, err = NewResolver(t.TempDir(), "json").EnsureOutput(job.Job{})
	require.Error(t, err)
}

func TestResolver_FinalizePromotes(t *testing.T) {
	r := NewResolver(t.TempDir(), "json")
	j := job.New("/music/a.wav", time.Now())
	final, temp, err := r.EnsureOutput(j)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(temp, []byte(`{"ok":true}`), 0644))
	require.NoError(t, os.WriteFile(final, []byte("old"), 0644))

	require.NoError(t, r.Finalize(temp, final))

	assert.NoFileExists(t, temp)
	b, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(b))
}

func TestResolver_FinalizeMissingTemp(t *testing.T) {
	r := NewResolver(t.TempDir(), "json")
	j := job.New("/music/a.wav", time.Now())
	final, temp, err := r.EnsureOutput(j)
	require.NoError(t, err)

	err = r.Finalize(temp, final)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStagedOutputMissing))
	assert.NoFileExists(t, final)
}

func TestResolver_CleanupTemp(t *testing.T) {
	r := NewResolver(t.TempDir(), "json")
	j := job.New("/music/a.wav", time.Now())
	_, temp, err := r.EnsureOutput(j)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(temp, []byte("half"), 0644))

	require.NoError(t, r.CleanupTemp(temp))
	assert.NoFileExists(t, temp)

	// Idempotent.
	require.NoError(t, r.CleanupTemp(temp))
	require.NoError(t, r.CleanupTemp(""))
}

func TestResolver_Sweep(t *testing.T) {
	r := NewResolver(t.TempDir(), "json")

	n, err := r.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, os.MkdirAll(r.StagingDir(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(r.StagingDir(), "a.json.partial"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(r.StagingDir(), "b.json.partial"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(r.StagingDir(), "keep.txt"), nil, 0644))

	n, err = r.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(r.StagingDir(), "keep.txt"))
}

func TestResolver_SameStemGetsDistinctFinalPaths(t *testing.T) {
	r := NewResolver(t.TempDir(), "json")

	a := job.New("/session1/take.wav", time.Now())
	b := job.New("/session2/take.wav", time.Now())
	finalA, _, err := r.EnsureOutput(a)
	require.NoError(t, err)
	finalB, _, err := r.EnsureOutput(b)
	require.NoError(t, err)

	assert.NotEqual(t, finalA, finalB)
	assert.Equal(t, "take-"+a.ID[:8]+".json", filepath.Base(finalA))

	// A rerun of the same job reuses its own path.
	again, _, err := r.EnsureOutput(a)
	require.NoError(t, err)
	assert.Equal(t, finalA, again)
}
