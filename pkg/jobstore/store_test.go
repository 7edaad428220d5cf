package jobstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stagehand/pkg/executor"
	"github.com/3leaps/stagehand/pkg/job"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	done := job.New("/music/a.wav", now)
	done.Group = "session-1"
	done.PreparedInvocation = &executor.Invocation{Executable: "/usr/bin/analyze", Args: []string{"a.wav"}}
	done.MarkRunning(now)
	done.MarkDone("/out/a.json", now.Add(time.Minute))

	pending := job.New("/music/b.wav", now)

	require.NoError(t, s.Save([]job.Job{done, pending}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, done.ID, got[0].ID)
	assert.Equal(t, job.StatusDone, got[0].Status)
	assert.Equal(t, "/out/a.json", got[0].OutputPath)
	assert.Equal(t, "session-1", got[0].Group)
	require.NotNil(t, got[0].PreparedInvocation)
	assert.Equal(t, []string{"a.wav"}, got[0].PreparedInvocation.Args)
	assert.Equal(t, 1, got[0].AttemptCount)
	require.NotNil(t, got[0].FinishedAt)

	assert.Equal(t, job.StatusPending, got[1].Status)
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := NewStore(t.TempDir())

	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_LoadReclassifiesRunning(t *testing.T) {
	s := NewStore(t.TempDir())
	fixed := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	j := job.New("/music/c.wav", fixed.Add(-time.Hour))
	j.MarkRunning(fixed.Add(-time.Minute))
	j.StagedOutputPath = "/out/.staging/c.partial"
	require.NoError(t, s.Save([]job.Job{j}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, job.StatusFailed, got[0].Status)
	assert.Equal(t, InterruptedError, got[0].LastError)
	require.NotNil(t, got[0].FinishedAt)
	assert.True(t, got[0].FinishedAt.Equal(fixed))
}

func TestStore_LoadRejectsUnknownStatus(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	raw := `{"version":1,"jobs":[{"id":"j1","source_path":"/a.wav","status":"exploded"},{"source_path":"/no-id.wav","status":"pending"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs.json"), []byte(raw), 0644))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, job.StatusFailed, got[0].Status)
	assert.Contains(t, got[0].LastError, "exploded")
}

func TestStore_LoadCorruptFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs.json"), []byte("{not json"), 0644))

	s := NewStore(root)
	s.now = func() time.Time { return time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC) }

	got, err := s.Load()
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Empty(t, got)
	assert.NoFileExists(t, filepath.Join(root, "jobs.json"))
	assert.FileExists(t, filepath.Join(root, "jobs.json.corrupt-20260402T083000Z"))

	// The next load starts from an empty list.
	got, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	require.NoError(t, s.Save(nil))
	require.NoError(t, s.Save([]job.Job{job.New("/a.wav", time.Now())}))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "jobs.json", entries[0].Name())
}

func TestStore_EmptyRoot(t *testing.T) {
	s := NewStore("  ")
	require.Error(t, s.Save(nil))
}
