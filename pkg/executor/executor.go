// Package executor runs external analysis commands with a wall-clock
// watchdog and captures their output.
//
// The watchdog is independent of the child process: Execute returns within
// a bounded grace period after the timeout or cancellation fires, even if
// the process (or the spawn itself) never reports back.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultSearchPath is prepended to PATH so tool lookup is stable regardless
// of how the host application was launched.
var DefaultSearchPath = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// TimeoutMarker prefixes the line appended to stderr when the wall-clock
// limit expires.
const TimeoutMarker = "[timeout]"

// Config configures an Executor.
type Config struct {
	// DefaultTimeout applies to invocations without their own Timeout.
	// Zero or negative disables the limit.
	// Default: 30m
	DefaultTimeout time.Duration

	// DefaultDir is used when the invocation has no usable working directory.
	DefaultDir string

	// SearchPath entries are prepended to PATH in the child environment.
	// Default: DefaultSearchPath
	SearchPath []string

	// KillGrace is how long a child gets to exit after SIGTERM before it is
	// killed, and again how long Execute waits after the kill before
	// returning.
	// Default: 2s
	KillGrace time.Duration

	// Diagnostics receives one record per invocation. Nil disables.
	Diagnostics DiagnosticSink

	Logger *zap.Logger
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Minute,
		SearchPath:     append([]string(nil), DefaultSearchPath...),
		KillGrace:      2 * time.Second,
	}
}

// Executor spawns external commands.
type Executor struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Executor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.SearchPath == nil {
		cfg.SearchPath = append([]string(nil), DefaultSearchPath...)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, logger: logger}
}

// Execute runs inv and returns its captured outcome. It never returns an
// error: spawn failures, timeouts and cancellation are reported in Result.
func (e *Executor) Execute(ctx context.Context, inv Invocation) Result {
	start := time.Now()
	dir := e.resolveDir(inv.Dir)

	var res Result
	if strings.TrimSpace(inv.Executable) == "" {
		res = Result{ExitCode: -1, SpawnError: "executable is required"}
	} else {
		res = e.run(ctx, inv, dir)
	}
	res.Duration = time.Since(start)

	e.logger.Debug("Command finished",
		zap.String("command", inv.CommandLine()),
		zap.String("dir", dir),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Bool("canceled", res.Canceled),
		zap.Duration("duration", res.Duration))

	if e.cfg.Diagnostics != nil {
		e.cfg.Diagnostics.Record(newDiagnostic(inv, dir, res, start))
	}
	return res
}

func (e *Executor) run(ctx context.Context, inv Invocation, dir string) Result {
	cmd := exec.Command(inv.Executable, inv.Args...)
	cmd.Dir = dir
	cmd.Env = BuildEnv(os.Environ(), inv.Env, e.cfg.SearchPath)

	var stdout, stderr syncBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Bounds Wait when grandchildren keep the output pipes open after a kill.
	cmd.WaitDelay = e.cfg.KillGrace

	p := &process{cmd: cmd}
	spawned := make(chan error, 1)
	exited := make(chan error, 1)
	go func() {
		if err := p.start(); err != nil {
			spawned <- err
			return
		}
		spawned <- nil
		exited <- cmd.Wait()
	}()

	var timer <-chan time.Time
	timeout := e.timeoutFor(inv)
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	res := Result{}
	for {
		select {
		case err := <-spawned:
			spawned = nil
			if err != nil {
				res.ExitCode = -1
				res.SpawnError = err.Error()
				return res
			}
		case err := <-exited:
			res.ExitCode = exitCode(cmd, err)
			res.Stdout = stdout.String()
			res.Stderr = stderr.String()
			if err != nil && res.ExitCode == -1 && res.Stderr == "" {
				res.Stderr = err.Error()
			}
			return res
		case <-timer:
			e.stop(p, exited)
			res.TimedOut = true
			res.ExitCode = -1
			res.Stdout = stdout.String()
			res.Stderr = appendLine(stderr.String(),
				fmt.Sprintf("%s process exceeded wall-clock limit of %s and was terminated", TimeoutMarker, timeout))
			return res
		case <-ctx.Done():
			e.stop(p, exited)
			res.Canceled = true
			res.ExitCode = -1
			res.Stdout = stdout.String()
			res.Stderr = stderr.String()
			return res
		}
	}
}

// stop sends SIGTERM, escalates to SIGKILL once KillGrace passes and gives
// up waiting after a second KillGrace.
func (e *Executor) stop(p *process, exited <-chan error) {
	p.terminate()
	if e.awaitExit(exited) {
		return
	}
	e.logger.Debug("Process ignored SIGTERM; killing", zap.Duration("grace", e.cfg.KillGrace))
	p.kill()
	if !e.awaitExit(exited) {
		e.logger.Warn("Killed process did not exit within grace period", zap.Duration("grace", e.cfg.KillGrace))
	}
}

func (e *Executor) awaitExit(exited <-chan error) bool {
	t := time.NewTimer(e.cfg.KillGrace)
	defer t.Stop()
	select {
	case <-exited:
		return true
	case <-t.C:
		return false
	}
}

func (e *Executor) timeoutFor(inv Invocation) time.Duration {
	switch {
	case inv.Timeout > 0:
		return inv.Timeout
	case inv.Timeout < 0:
		return 0
	default:
		return e.cfg.DefaultTimeout
	}
}

// resolveDir picks the first existing directory of: requested, configured
// default, user home, os temp dir.
func (e *Executor) resolveDir(requested string) string {
	candidates := []string{requested, e.cfg.DefaultDir}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home)
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if fi, err := os.Stat(c); err == nil && fi.IsDir() {
			return c
		}
	}
	return os.TempDir()
}

// BuildEnv merges overrides over base (KEY=VALUE pairs), fills HOME and
// TMPDIR when absent and prepends searchPath to PATH. The result is sorted.
func BuildEnv(base []string, overrides map[string]string, searchPath []string) []string {
	env := make(map[string]string, len(base)+len(overrides)+3)
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}

	if strings.TrimSpace(env["HOME"]) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			env["HOME"] = home
		}
	}
	if strings.TrimSpace(env["TMPDIR"]) == "" {
		env["TMPDIR"] = os.TempDir()
	}
	env["PATH"] = prependPath(searchPath, env["PATH"])

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func prependPath(prefix []string, current string) string {
	seen := make(map[string]bool)
	parts := make([]string, 0, len(prefix)+8)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		parts = append(parts, p)
	}
	for _, p := range prefix {
		add(p)
	}
	for _, p := range filepath.SplitList(current) {
		add(p)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}

// process guards the start/stop race: a stop requested before Start returns
// kills the process as soon as it exists.
type process struct {
	cmd *exec.Cmd

	mu        sync.Mutex
	started   bool
	abandoned bool
}

func (p *process) start() error {
	if err := p.cmd.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	if p.abandoned {
		_ = p.cmd.Process.Kill()
	}
	return nil
}

// terminate asks the child to exit. Platforms without SIGTERM get a kill.
func (p *process) terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = true
	if p.started && p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = p.cmd.Process.Kill()
		}
	}
}

func (p *process) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = true
	if p.started && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// syncBuffer is written by exec's copy goroutines and may be read while a
// killed child is still flushing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
