package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points config discovery and the data dir at temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("STAGEHAND_CONFIG", "")
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
	return home
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "outputs"), cfg.Output.Dir)
		assert.Equal(t, "json", cfg.Output.Extension)
		assert.Equal(t, filepath.Join(cfg.DataDir, "outbox.json"), cfg.OutboxPath())
		assert.Equal(t, filepath.Join(cfg.DataDir, "history.db"), cfg.History.Path)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)

		assert.Equal(t, 30*time.Minute, cfg.Executor.Timeout)
		assert.Equal(t, 2*time.Second, cfg.Executor.KillGrace)
		assert.Equal(t, []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/bin", "/usr/sbin", "/sbin"}, cfg.Executor.SearchPath)
		assert.True(t, cfg.Executor.Diagnostics.Enabled)

		assert.True(t, cfg.Queue.FailOnStderr)
		assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
		assert.Equal(t, 300, cfg.Outbox.CapSeconds)
		assert.Equal(t, SinkNone, cfg.Sink.Kind)
		assert.True(t, cfg.History.Enabled)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8787, cfg.Server.Port)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("STAGEHAND_PORT", "3000")
		t.Setenv("STAGEHAND_LOG_LEVEL", "warn")
		t.Setenv("STAGEHAND_QUEUE_FAIL_ON_STDERR", "false")
		t.Setenv("STAGEHAND_EXECUTOR_TIMEOUT", "45s")
		t.Setenv("STAGEHAND_EXECUTOR_SEARCH_PATH", "/custom/bin,/usr/bin")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Queue.FailOnStderr)
		assert.Equal(t, 45*time.Second, cfg.Executor.Timeout)
		assert.Equal(t, []string{"/custom/bin", "/usr/bin"}, cfg.Executor.SearchPath)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("STAGEHAND_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		home := isolate(t)
		path := filepath.Join(home, ".config", "stagehand", "config.yaml")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(`
data_dir: ~/studio
command:
  executable: /usr/local/bin/scorer
  args: ["--in", "{input}", "--out", "{output}"]
  env:
    - SCORER_PROFILE={group}
executor:
  timeout: -1s
sink:
  kind: dir
  dir: ~/inbox
`), 0644))

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(home, "studio"), cfg.DataDir)
		assert.Equal(t, filepath.Join(home, "studio", "outputs"), cfg.Output.Dir)
		assert.Equal(t, "/usr/local/bin/scorer", cfg.Command.Executable)
		assert.Equal(t, []string{"--in", "{input}", "--out", "{output}"}, cfg.Command.Args)
		assert.Equal(t, map[string]string{"SCORER_PROFILE": "{group}"}, cfg.Command.EnvMap())
		assert.Equal(t, -time.Second, cfg.Executor.Timeout)
		assert.Equal(t, SinkDir, cfg.Sink.Kind)
		assert.Equal(t, filepath.Join(home, "inbox"), cfg.Sink.Dir)
	})

	t.Run("ExplicitConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7001\n"), 0644))
		SetConfigFile(path)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7001, cfg.Server.Port)
	})

	t.Run("MissingExplicitConfigFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(ctx)
		require.Error(t, err)
	})
}

func TestLoad_Validation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		overrides map[string]any
		errSubstr string
	}{
		{"bad sink kind", map[string]any{"sink": map[string]any{"kind": "ftp"}}, "sink.kind"},
		{"dir sink without dir", map[string]any{"sink": map[string]any{"kind": "dir"}}, "sink.dir"},
		{"s3 sink without bucket", map[string]any{"sink": map[string]any{"kind": "s3"}}, "sink.s3.bucket"},
		{"zero attempts", map[string]any{"outbox": map[string]any{"max_attempts": 0}}, "outbox.max_attempts"},
		{"bad port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "STAGEHAND_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = true
	}
	assert.True(t, names["STAGEHAND_LOG_LEVEL"])
	assert.True(t, names["STAGEHAND_PORT"])
	assert.True(t, names["STAGEHAND_DATA_DIR"])
}

func TestCommandConfig_EnvMap(t *testing.T) {
	c := CommandConfig{Env: []string{"A=1", "B=x=y", "broken", " =z", "C="}}
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, c.EnvMap())
	assert.Nil(t, CommandConfig{}.EnvMap())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
