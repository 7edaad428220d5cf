// Package config loads stagehand configuration from defaults, an optional
// YAML file, STAGEHAND_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName is the binary and config directory name.
const AppName = "stagehand"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "STAGEHAND"

// Sink kinds.
const (
	SinkNone = "none"
	SinkDir  = "dir"
	SinkS3   = "s3"
)

type Config struct {
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Command  CommandConfig  `mapstructure:"command" yaml:"command"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Outbox   OutboxConfig   `mapstructure:"outbox" yaml:"outbox"`
	Sink     SinkConfig     `mapstructure:"sink" yaml:"sink"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

type OutputConfig struct {
	Dir       string `mapstructure:"dir" yaml:"dir"`
	Extension string `mapstructure:"extension" yaml:"extension"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type ExecutorConfig struct {
	// Timeout is the default wall-clock limit. Negative disables it.
	Timeout     time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	KillGrace   time.Duration     `mapstructure:"kill_grace" yaml:"kill_grace"`
	WorkDir     string            `mapstructure:"work_dir" yaml:"work_dir"`
	SearchPath  []string          `mapstructure:"search_path" yaml:"search_path"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

type DiagnosticsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// CommandConfig is the external command template. Args and env values may
// use {input}, {output}, {label}, {id} and {group}. Env holds KEY=VALUE
// pairs; a list keeps keys case-sensitive.
type CommandConfig struct {
	Executable string   `mapstructure:"executable" yaml:"executable"`
	Args       []string `mapstructure:"args" yaml:"args"`
	Env        []string `mapstructure:"env" yaml:"env,omitempty"`
	Dir        string   `mapstructure:"dir" yaml:"dir,omitempty"`
}

// EnvMap parses Env. Entries without '=' are ignored.
func (c CommandConfig) EnvMap() map[string]string {
	if len(c.Env) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Env))
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

type QueueConfig struct {
	FailOnStderr bool `mapstructure:"fail_on_stderr" yaml:"fail_on_stderr"`
}

type OutboxConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	CapSeconds  int     `mapstructure:"cap_seconds" yaml:"cap_seconds"`
	RateLimit   float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type SinkConfig struct {
	Kind string       `mapstructure:"kind" yaml:"kind"`
	Dir  string       `mapstructure:"dir" yaml:"dir"`
	S3   S3SinkConfig `mapstructure:"s3" yaml:"s3"`
}

type S3SinkConfig struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Prefix         string `mapstructure:"prefix" yaml:"prefix"`
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile        string `mapstructure:"profile" yaml:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// OutboxPath is the outbox file.
func (c *Config) OutboxPath() string { return filepath.Join(c.DataDir, "outbox.json") }

var (
	configMu   sync.RWMutex
	configFile string
)

// SetConfigFile selects an explicit config file for subsequent Loads. An
// empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the config. Each overrides map is nested like the YAML file
// and wins over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	if path, ok := findConfigFile(); ok {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", gfconfig.GetAppDataDir(AppName))
	v.SetDefault("output.dir", "")
	v.SetDefault("output.extension", "json")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("executor.timeout", "30m")
	v.SetDefault("executor.kill_grace", "2s")
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.search_path", []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/bin", "/usr/sbin", "/sbin"})
	v.SetDefault("executor.diagnostics.enabled", true)
	v.SetDefault("executor.diagnostics.path", "")
	v.SetDefault("executor.diagnostics.max_size_mb", 10)
	v.SetDefault("executor.diagnostics.max_backups", 3)
	v.SetDefault("executor.diagnostics.max_age_days", 14)

	v.SetDefault("command.executable", "")
	v.SetDefault("command.args", []string{})
	v.SetDefault("command.env", []string{})
	v.SetDefault("command.dir", "")

	v.SetDefault("queue.fail_on_stderr", true)

	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.cap_seconds", 300)
	v.SetDefault("outbox.rate_limit", 0)

	v.SetDefault("sink.kind", SinkNone)
	v.SetDefault("sink.dir", "")
	v.SetDefault("sink.s3.bucket", "")
	v.SetDefault("sink.s3.prefix", "")
	v.SetDefault("sink.s3.region", "")
	v.SetDefault("sink.s3.endpoint", "")
	v.SetDefault("sink.s3.profile", "")
	v.SetDefault("sink.s3.force_path_style", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.shutdown_timeout", "10s")
}

// envSpec maps a short environment variable name onto a config key.
type envSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short names bound in addition to the automatic
// STAGEHAND_<SECTION>_<KEY> form.
func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_DATA_DIR", Path: "data_dir"},
		{Name: EnvPrefix + "_OUTPUT_DIR", Path: "output.dir"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_TIMEOUT", Path: "executor.timeout"},
		{Name: EnvPrefix + "_COMMAND", Path: "command.executable"},
		{Name: EnvPrefix + "_SINK", Path: "sink.kind"},
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
	}
}

// getUserConfigPaths lists candidate config files in discovery order.
func getUserConfigPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return nil
	}
	base := filepath.Join(dir, AppName)
	return []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
	}
}

func findConfigFile() (string, bool) {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit != "" {
		return explicit, true
	}
	if p := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); p != "" {
		return p, true
	}
	for _, p := range getUserConfigPaths() {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, true
		}
	}
	return "", false
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func (c *Config) resolvePaths() {
	c.DataDir = expandHome(c.DataDir)
	c.Output.Dir = expandHome(c.Output.Dir)
	if c.Output.Dir == "" {
		c.Output.Dir = filepath.Join(c.DataDir, "outputs")
	}
	c.Sink.Dir = expandHome(c.Sink.Dir)
	if c.Executor.Diagnostics.Path == "" {
		c.Executor.Diagnostics.Path = filepath.Join(c.DataDir, "logs", "executor.jsonl")
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.DataDir, "history.db")
	}
	c.Output.Extension = strings.TrimPrefix(strings.TrimSpace(c.Output.Extension), ".")
	c.Sink.Kind = strings.ToLower(strings.TrimSpace(c.Sink.Kind))
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if c.Output.Extension == "" {
		return errors.New("output.extension must not be empty")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be >= 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.CapSeconds < 1 {
		return fmt.Errorf("outbox.cap_seconds must be >= 1, got %d", c.Outbox.CapSeconds)
	}
	if c.Outbox.RateLimit < 0 {
		return fmt.Errorf("outbox.rate_limit must be >= 0")
	}
	switch c.Sink.Kind {
	case SinkNone:
	case SinkDir:
		if c.Sink.Dir == "" {
			return errors.New("sink.dir is required when sink.kind is dir")
		}
	case SinkS3:
		if strings.TrimSpace(c.Sink.S3.Bucket) == "" {
			return errors.New("sink.s3.bucket is required when sink.kind is s3")
		}
	default:
		return fmt.Errorf("sink.kind must be one of %s, %s, %s; got %q", SinkNone, SinkDir, SinkS3, c.Sink.Kind)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
