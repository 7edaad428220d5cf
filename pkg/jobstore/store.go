// Package jobstore persists the queue's job list as a single JSON document.
//
// File layout:
//
//	<root>/jobs.json
//
// The file is fully rewritten on every save (temp file + rename in the same
// directory), so readers always observe a complete snapshot.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/stagehand/internal/fsutil"
	"github.com/3leaps/stagehand/pkg/job"
)

// ErrCorrupt reports a job list that could not be parsed. Load moves such a
// file aside before returning it, so the next Save starts a fresh list.
var ErrCorrupt = errors.New("job list is corrupt")

// InterruptedError is recorded on jobs found running at load time.
const InterruptedError = "interrupted during previous session"

const (
	fileName      = "jobs.json"
	schemaVersion = 1
)

type document struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Jobs    []job.Job `json:"jobs"`
}

// Store reads and writes the job list file.
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: func() time.Time { return time.Now().UTC() }}
}

// Path returns the job list file location.
func (s *Store) Path() string {
	return filepath.Join(s.root, fileName)
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Load reconstructs the persisted job list. A missing file yields an empty
// list. Jobs left running by an unclean shutdown are reclassified as failed.
// An unparsable file is renamed to jobs.json.corrupt-<ts> and reported as
// ErrCorrupt.
func (s *Store) Load() ([]job.Job, error) {
	b, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job list: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		moved, qerr := fsutil.Quarantine(s.Path(), s.now())
		if qerr != nil {
			return nil, fmt.Errorf("%w: parse %s: %v (%v)", ErrCorrupt, fileName, err, qerr)
		}
		return nil, fmt.Errorf("%w: parse %s: %v (moved to %s)", ErrCorrupt, fileName, err, filepath.Base(moved))
	}

	now := s.now()
	out := make([]job.Job, 0, len(doc.Jobs))
	for _, j := range doc.Jobs {
		if strings.TrimSpace(j.ID) == "" {
			continue
		}
		if !j.Status.Valid() {
			j.MarkFailed(fmt.Sprintf("unknown status %q in saved job list", j.Status), now)
		}
		if j.Status == job.StatusRunning {
			j.MarkFailed(InterruptedError, now)
		}
		out = append(out, j)
	}
	return out, nil
}

// Save rewrites the job list file atomically.
func (s *Store) Save(jobs []job.Job) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}
	if jobs == nil {
		jobs = []job.Job{}
	}

	b, err := json.MarshalIndent(document{Version: schemaVersion, SavedAt: s.now(), Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job list: %w", err)
	}
	b = append(b, '\n')
	return fsutil.WriteFileAtomic(s.Path(), b)
}
