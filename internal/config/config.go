// Package config loads orca's settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/iambrandonn/orca/internal/fsutil"
	"github.com/iambrandonn/orca/internal/retry"
	"github.com/iambrandonn/orca/internal/runtime"
	"github.com/iambrandonn/orca/internal/workspace"
)

const (
	// EnvPrefix prefixes every environment override, e.g. ORCA_SERVER_ADDR.
	EnvPrefix = "ORCA"

	EnvModelKey  = "ANTHROPIC_API_KEY"
	EnvSCMToken  = "GITHUB_TOKEN"
	EnvStorePath = "ORCA_STORE_PATH"

	redacted = "[redacted]"
)

// Config is the full orca configuration
type Config struct {
	StateDir   string           `mapstructure:"state_dir"`
	Store      StoreConfig      `mapstructure:"store"`
	Log        LogConfig        `mapstructure:"log"`
	Model      ModelConfig      `mapstructure:"model"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Container  ContainerConfig  `mapstructure:"container"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Server     ServerConfig     `mapstructure:"server"`

	// SCMToken authenticates repository clones. Environment only.
	SCMToken string `mapstructure:"scm_token"`

	// Source is the config file that was read, if any.
	Source string `mapstructure:"-"`
}

// StoreConfig locates the sqlite database
type StoreConfig struct {
	// Path defaults to <state_dir>/orca.db.
	Path string `mapstructure:"path"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ModelConfig configures the hosted model
type ModelConfig struct {
	Name         string `mapstructure:"name"`
	MaxTokens    int64  `mapstructure:"max_tokens"`
	HistoryTurns int    `mapstructure:"history_turns"`
	// APIKey comes from the environment only.
	APIKey string `mapstructure:"api_key"`
}

// ClassifierConfig configures intent classification
type ClassifierConfig struct {
	Trigger      string        `mapstructure:"trigger"`
	CacheSize    int           `mapstructure:"cache_size"`
	ModelTimeout time.Duration `mapstructure:"model_timeout"`
}

// ContainerConfig configures task containers and the reaper
type ContainerConfig struct {
	Image           string        `mapstructure:"image"`
	Memory          string        `mapstructure:"memory"`
	CPUs            float64       `mapstructure:"cpus"`
	PidsLimit       int64         `mapstructure:"pids_limit"`
	Network         string        `mapstructure:"network"`
	Workdir         string        `mapstructure:"workdir"`
	IdleThreshold   time.Duration `mapstructure:"idle_threshold"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	AcquireAttempts int           `mapstructure:"acquire_attempts"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// ExecutorConfig configures agent runs
type ExecutorConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	CloneTimeout time.Duration `mapstructure:"clone_timeout"`
	AgentCmd     []string      `mapstructure:"agent_cmd"`
	AllowedTools []string      `mapstructure:"allowed_tools"`
	Interactive  bool          `mapstructure:"interactive"`
}

// StreamConfig bounds per-task event buffering
type StreamConfig struct {
	QueueSize     int `mapstructure:"queue_size"`
	BacklogSize   int `mapstructure:"backlog_size"`
	MaxRecordSize int `mapstructure:"max_record_size"`
	// HistorySize bounds the events a running task keeps in memory.
	HistorySize int `mapstructure:"history_size"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// GenerateDefault creates a Config with default values.
func GenerateDefault() *Config {
	return &Config{
		StateDir: ".orca",
		Log:      LogConfig{Level: "info", Format: "text"},
		Model: ModelConfig{
			Name:         "claude-sonnet-4-5",
			MaxTokens:    1024,
			HistoryTurns: 20,
		},
		Classifier: ClassifierConfig{
			Trigger:      "/task",
			CacheSize:    512,
			ModelTimeout: 10 * time.Second,
		},
		Container: ContainerConfig{
			Image:           "orca-agent:latest",
			Memory:          "2GiB",
			CPUs:            1,
			PidsLimit:       512,
			Network:         "bridge",
			Workdir:         "/workspace",
			IdleThreshold:   30 * time.Minute,
			ReapInterval:    5 * time.Minute,
			StopTimeout:     10 * time.Second,
			AcquireAttempts: 3,
			BackoffInitial:  500 * time.Millisecond,
			BackoffMax:      10 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout:      30 * time.Minute,
			CloneTimeout: 5 * time.Minute,
			AgentCmd:     []string{"claude", "-p", "--output-format", "stream-json", "--verbose"},
			AllowedTools: []string{"Bash", "Read", "Write", "Edit", "Glob", "Grep"},
		},
		Stream: StreamConfig{
			QueueSize:     64,
			BacklogSize:   1024,
			MaxRecordSize: 1 << 20,
			HistorySize:   1024,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// Settings returns the file-level settings keyed the way they are written
// to disk. Secrets are never included.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"state_dir": c.StateDir,
		"store":     map[string]any{"path": c.Store.Path},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"model": map[string]any{
			"name":          c.Model.Name,
			"max_tokens":    c.Model.MaxTokens,
			"history_turns": c.Model.HistoryTurns,
		},
		"classifier": map[string]any{
			"trigger":       c.Classifier.Trigger,
			"cache_size":    c.Classifier.CacheSize,
			"model_timeout": c.Classifier.ModelTimeout.String(),
		},
		"container": map[string]any{
			"image":            c.Container.Image,
			"memory":           c.Container.Memory,
			"cpus":             c.Container.CPUs,
			"pids_limit":       c.Container.PidsLimit,
			"network":          c.Container.Network,
			"workdir":          c.Container.Workdir,
			"idle_threshold":   c.Container.IdleThreshold.String(),
			"reap_interval":    c.Container.ReapInterval.String(),
			"stop_timeout":     c.Container.StopTimeout.String(),
			"acquire_attempts": c.Container.AcquireAttempts,
			"backoff_initial":  c.Container.BackoffInitial.String(),
			"backoff_max":      c.Container.BackoffMax.String(),
		},
		"executor": map[string]any{
			"timeout":       c.Executor.Timeout.String(),
			"clone_timeout": c.Executor.CloneTimeout.String(),
			"agent_cmd":     c.Executor.AgentCmd,
			"allowed_tools": c.Executor.AllowedTools,
			"interactive":   c.Executor.Interactive,
		},
		"stream": map[string]any{
			"queue_size":      c.Stream.QueueSize,
			"backlog_size":    c.Stream.BacklogSize,
			"max_record_size": c.Stream.MaxRecordSize,
			"history_size":    c.Stream.HistorySize,
		},
		"server": map[string]any{"addr": c.Server.Addr},
	}
}

// Load reads configuration from path, or from orca.{yaml,json} in the
// working directory or $HOME/.orca when path is empty. Environment
// variables override file values; a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", GenerateDefault().Settings())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("model.api_key", EnvModelKey)
	_ = v.BindEnv("scm_token", EnvSCMToken)
	_ = v.BindEnv("store.path", EnvStorePath)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orca")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.orca")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	return &cfg, nil
}

func setDefaults(v *viper.Viper, prefix string, settings map[string]any) {
	for key, val := range settings {
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, prefix+key+".", nested)
			continue
		}
		v.SetDefault(prefix+key, val)
	}
}

// Validate checks the configuration and returns errors with a hint on how
// to fix them.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("configuration error: missing required field 'state_dir'\n\nHint: Point it at a writable directory:\n  state_dir: /var/lib/orca")
	}
	if c.Container.Image == "" {
		return fmt.Errorf("configuration error: missing required field 'container.image'\n\nHint: Name the image tasks run in:\n  container:\n    image: orca-agent:latest")
	}
	if _, err := c.MemoryBytes(); err != nil {
		return fmt.Errorf("configuration error: invalid 'container.memory' value %q: %v\n\nHint: Use a size such as:\n  container:\n    memory: 2GiB", c.Container.Memory, err)
	}
	if c.Container.CPUs <= 0 {
		return fmt.Errorf("configuration error: invalid 'container.cpus' value: %g\n\nHint: Every container needs a CPU limit:\n  container:\n    cpus: 1", c.Container.CPUs)
	}
	if c.Container.IdleThreshold <= 0 || c.Container.ReapInterval <= 0 {
		return fmt.Errorf("configuration error: 'container.idle_threshold' and 'container.reap_interval' must be positive\n\nHint:\n  container:\n    idle_threshold: 30m\n    reap_interval: 5m")
	}
	if c.Container.AcquireAttempts < 1 {
		return fmt.Errorf("configuration error: invalid 'container.acquire_attempts' value: %d\n\nHint: Use at least 1 attempt", c.Container.AcquireAttempts)
	}
	if len(c.Executor.AgentCmd) == 0 {
		return fmt.Errorf("configuration error: 'executor.agent_cmd' is empty\n\nHint: Specify the agent command:\n  executor:\n    agent_cmd: [claude, -p, --output-format, stream-json, --verbose]")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("configuration error: invalid 'executor.timeout' value: %s\n\nHint: Use a duration such as 30m", c.Executor.Timeout)
	}
	if c.Stream.QueueSize <= 0 || c.Stream.BacklogSize <= 0 || c.Stream.HistorySize <= 0 {
		return fmt.Errorf("configuration error: 'stream.queue_size', 'stream.backlog_size' and 'stream.history_size' must be positive\n\nHint:\n  stream:\n    queue_size: 64\n    backlog_size: 1024\n    history_size: 1024")
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("configuration error: %v\n\nHint: Use one of debug, info, warn, error", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("configuration error: invalid 'log.format' value %q\n\nHint: Use text or json", c.Log.Format)
	}
	return nil
}

// MemoryBytes parses the container memory limit.
func (c *Config) MemoryBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Container.Memory)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("must be greater than zero")
	}
	return int64(n), nil
}

// Limits returns the resource limits for task containers.
func (c *Config) Limits() (runtime.Limits, error) {
	mem, err := c.MemoryBytes()
	if err != nil {
		return runtime.Limits{}, err
	}
	return runtime.Limits{MemoryBytes: mem, CPUs: c.Container.CPUs, PidsLimit: c.Container.PidsLimit}, nil
}

// AcquireRetry is the backoff policy for container acquisition.
func (c *Config) AcquireRetry() retry.Config {
	r := retry.DefaultConfig()
	r.Attempts = c.Container.AcquireAttempts
	r.BaseDelay = c.Container.BackoffInitial
	r.MaxDelay = c.Container.BackoffMax
	return r
}

// Layout is the state directory layout.
func (c *Config) Layout() workspace.Layout {
	return workspace.Layout{Root: c.StateDir}
}

// StorePath is the sqlite database location.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return c.Layout().Database()
}

// String renders the effective configuration with secrets redacted.
func (c *Config) String() string {
	key, token := "", ""
	if c.Model.APIKey != "" {
		key = redacted
	}
	if c.SCMToken != "" {
		token = redacted
	}
	return fmt.Sprintf("state_dir=%s store=%s model=%s api_key=%q scm_token=%q image=%s server=%s",
		c.StateDir, c.StorePath(), c.Model.Name, key, token, c.Container.Image, c.Server.Addr)
}

// SaveToFile writes the file-level settings to path, as JSON when the
// extension is .json and YAML otherwise. Secrets are never written.
func (c *Config) SaveToFile(path string) error {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = fsutil.WriteJSON(path, c.Settings())
	} else {
		err = fsutil.WriteYAML(path, c.Settings())
	}
	if err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
