// Package sink provides outbox.Sink implementations for handing completed
// outputs to a downstream ingestion step.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/stagehand/pkg/outbox"
)

// Ensure implementations satisfy outbox.Sink.
var (
	_ outbox.Sink = (*Dir)(nil)
	_ outbox.Sink = (*S3)(nil)
	_ outbox.Sink = Nop{}
)

// ErrPayloadMissing indicates the file to deliver no longer exists.
var ErrPayloadMissing = errors.New("payload missing")

// Dir delivers by copying the payload into an inbox directory watched by the
// downstream application. The copy lands under a temp name first and is
// renamed into place, so the watcher never sees a partial file.
type Dir struct {
	inbox string
}

type DirConfig struct {
	Inbox string
}

func (c DirConfig) Validate() error {
	if strings.TrimSpace(c.Inbox) == "" {
		return fmt.Errorf("inbox dir is required")
	}
	return nil
}

func NewDir(cfg DirConfig) (*Dir, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dir{inbox: filepath.Clean(cfg.Inbox)}, nil
}

// Ingest copies payloadPath into the inbox. Delivering the same payload
// twice overwrites the earlier copy.
func (d *Dir) Ingest(ctx context.Context, payloadPath string, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(payloadPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPayloadMissing, payloadPath)
		}
		return fmt.Errorf("open payload: %w", err)
	}
	defer func() { _ = src.Close() }()

	// #nosec G301 -- inbox directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(d.inbox, 0755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.inbox, "."+filepath.Base(payloadPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	dest := filepath.Join(d.inbox, filepath.Base(payloadPath))
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename into inbox: %w", err)
	}
	return nil
}

// Nop accepts every payload without doing anything. Used when no downstream
// step is configured.
type Nop struct{}

func (Nop) Ingest(context.Context, string, string) error { return nil }
