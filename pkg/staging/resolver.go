// Package staging allocates private temp locations for job outputs and
// promotes them to their public path only on success.
//
// Directory layout:
//
//	<outputDir>/<label>-<id8>.<ext>             final artifact
//	<outputDir>/.staging/<job_id>.<ext>.partial in-progress artifact
//
// <id8> is the first eight characters of the job id, so sources sharing a
// file stem never promote onto each other's artifact.
//
// The staging directory lives under outputDir so promotion is a same-volume
// rename.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/stagehand/pkg/job"
)

// ErrStagedOutputMissing is returned by Finalize when the temp artifact is
// gone (never written, or removed externally).
var ErrStagedOutputMissing = errors.New("staged output missing")

const (
	stagingDirName = ".staging"
	partialSuffix  = ".partial"
)

// Resolver maps jobs to output paths.
type Resolver struct {
	outputDir string
	ext       string
}

// NewResolver returns a resolver writing under outputDir with extension ext
// (default "json").
func NewResolver(outputDir, ext string) *Resolver {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "json"
	}
	return &Resolver{outputDir: filepath.Clean(strings.TrimSpace(outputDir)), ext: ext}
}

// OutputDir returns the public output directory.
func (r *Resolver) OutputDir() string { return r.outputDir }

// StagingDir returns the private temp directory.
func (r *Resolver) StagingDir() string { return filepath.Join(r.outputDir, stagingDirName) }

// EnsureOutput creates the output and staging directories and returns the
// final and temp paths for j. Any stale temp file for j is removed.
func (r *Resolver) EnsureOutput(j job.Job) (finalPath, tempPath string, err error) {
	if strings.TrimSpace(j.ID) == "" {
		return "", "", fmt.Errorf("job id is required")
	}
	if r.outputDir == "" || r.outputDir == "." {
		return "", "", fmt.Errorf("output dir is not configured")
	}
	if err := os.MkdirAll(r.StagingDir(), 0755); err != nil {
		return "", "", fmt.Errorf("create staging dir: %w", err)
	}

	finalPath = filepath.Join(r.outputDir, r.outputName(j))
	tempPath = filepath.Join(r.StagingDir(), sanitize(j.ID)+"."+r.ext+partialSuffix)
	if err := removeIfExists(tempPath); err != nil {
		return "", "", fmt.Errorf("remove stale temp output: %w", err)
	}
	return finalPath, tempPath, nil
}

// Finalize promotes tempPath to finalPath with a rename. An existing final
// artifact is replaced.
func (r *Resolver) Finalize(tempPath, finalPath string) error {
	fi, err := os.Stat(tempPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStagedOutputMissing, tempPath)
		}
		return fmt.Errorf("stat staged output: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("staged output is a directory: %s", tempPath)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("promote staged output: %w", err)
	}
	return nil
}

// CleanupTemp removes a half-written artifact. A missing file is not an error.
func (r *Resolver) CleanupTemp(tempPath string) error {
	if strings.TrimSpace(tempPath) == "" {
		return nil
	}
	return removeIfExists(tempPath)
}

// Sweep removes orphaned partial artifacts left by a previous process and
// returns how many were deleted.
func (r *Resolver) Sweep() (int, error) {
	entries, err := os.ReadDir(r.StagingDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		if err := removeIfExists(filepath.Join(r.StagingDir(), e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *Resolver) outputName(j job.Job) string {
	id := sanitize(j.ID)
	stem := sanitize(j.Label)
	if stem == "" {
		stem = sanitize(job.DefaultLabel(j.SourcePath))
	}
	if stem == "" {
		return id + "." + r.ext
	}
	return stem + "-" + shortID(id) + "." + r.ext
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sanitize keeps a name usable as a single path element.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	return name
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
