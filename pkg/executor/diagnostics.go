package executor

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// maxDiagnosticStream caps each captured stream in a diagnostic record.
const maxDiagnosticStream = 64 * 1024

// Diagnostic is one invocation record written to the diagnostic log.
type Diagnostic struct {
	Time        time.Time `json:"ts"`
	CommandLine string    `json:"command"`
	Dir         string    `json:"dir"`
	ExitCode    int       `json:"exit_code"`
	DurationMS  int64     `json:"duration_ms"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	Canceled    bool      `json:"canceled,omitempty"`
	SpawnError  string    `json:"spawn_error,omitempty"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
}

func newDiagnostic(inv Invocation, dir string, res Result, start time.Time) Diagnostic {
	return Diagnostic{
		Time:        start.UTC(),
		CommandLine: inv.CommandLine(),
		Dir:         dir,
		ExitCode:    res.ExitCode,
		DurationMS:  res.Duration.Milliseconds(),
		TimedOut:    res.TimedOut,
		Canceled:    res.Canceled,
		SpawnError:  res.SpawnError,
		Stdout:      truncate(res.Stdout, maxDiagnosticStream),
		Stderr:      truncate(res.Stderr, maxDiagnosticStream),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}

// DiagnosticSink accepts invocation records. Record must not block.
type DiagnosticSink interface {
	Record(d Diagnostic)
}

// DiagnosticsConfig configures a rotating diagnostic log file.
type DiagnosticsConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Buffer is the number of records queued before new records are dropped.
	// Default: 64
	Buffer int
}

// LogSink is an append-only JSONL diagnostic sink drained by a single
// goroutine. When the buffer is full records are dropped and counted.
//
// LogSink is safe for concurrent use.
type LogSink struct {
	ch      chan Diagnostic
	done    chan struct{}
	w       io.Writer
	logger  *zap.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewFileSink opens a rotating log file sink.
func NewFileSink(cfg DiagnosticsConfig, logger *zap.Logger) *LogSink {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return NewLogSink(w, cfg.Buffer, logger)
}

// NewLogSink writes records to w. If w implements io.Closer it is closed by
// Close.
func NewLogSink(w io.Writer, buffer int, logger *zap.Logger) *LogSink {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &LogSink{
		ch:     make(chan Diagnostic, buffer),
		done:   make(chan struct{}),
		w:      w,
		logger: logger,
	}
	go s.drain()
	return s
}

// Record queues d without blocking.
func (s *LogSink) Record(d Diagnostic) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- d:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records discarded because the buffer was full.
func (s *LogSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes queued records and closes the underlying writer.
func (s *LogSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *LogSink) drain() {
	defer close(s.done)
	enc := json.NewEncoder(s.w)
	for d := range s.ch {
		if err := enc.Encode(d); err != nil {
			s.logger.Debug("Failed to write diagnostic record",
				zap.String("command", strings.SplitN(d.CommandLine, " ", 2)[0]),
				zap.Error(err))
		}
	}
}
