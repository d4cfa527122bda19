package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/simvisor/internal/artifact"
	"github.com/loykin/simvisor/internal/debugger"
	"github.com/loykin/simvisor/internal/env"
	"github.com/loykin/simvisor/internal/executor"
	"github.com/loykin/simvisor/internal/logcapture"
	"github.com/loykin/simvisor/internal/logger"
	"github.com/loykin/simvisor/internal/recorder"
)

// EnvPrefix is prepended to upper-cased keys for environment overrides,
// e.g. SIMVISOR_TIMEOUTS_COMMAND=90s.
const EnvPrefix = "SIMVISOR"

type ArtifactsConfig struct {
	Dir      string        `mapstructure:"dir"`
	MaxBytes int64         `mapstructure:"max_bytes"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LogCaptureConfig struct {
	DefaultBufferSize int   `mapstructure:"default_buffer_size"`
	MaxPayloadBytes   int64 `mapstructure:"max_payload_bytes"`
}

type TimeoutsConfig struct {
	Command time.Duration `mapstructure:"command"`
	Prompt  time.Duration `mapstructure:"prompt"`
	Attach  time.Duration `mapstructure:"attach"`
}

type DebuggerConfig struct {
	Command []string `mapstructure:"command"`
	Prompt  string   `mapstructure:"prompt"`
}

type RecorderConfig struct {
	Dir         string        `mapstructure:"dir"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type LocksConfig struct {
	// Dir enables cross-process lock files; empty keeps locks in memory.
	Dir string `mapstructure:"dir"`
}

type RedactConfig struct {
	ExtraPatterns []string `mapstructure:"extra_patterns"`
}

// ExecConfig shapes the environment handed to one-shot commands.
type ExecConfig struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// TokenHash is a bcrypt hash (see `simvisor hash-token`); empty disables auth.
	TokenHash string `mapstructure:"token_hash"`
}

type SweepConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// Config is the full simvisor configuration.
type Config struct {
	Log        logger.Config    `mapstructure:"log"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	LogCapture LogCaptureConfig `mapstructure:"logcapture"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Debugger   DebuggerConfig   `mapstructure:"debugger"`
	Recorder   RecorderConfig   `mapstructure:"recorder"`
	Locks      LocksConfig      `mapstructure:"locks"`
	Redact     RedactConfig     `mapstructure:"redact"`
	Exec       ExecConfig       `mapstructure:"exec"`
	History    HistoryConfig    `mapstructure:"history"`
	Server     ServerConfig     `mapstructure:"server"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: logger.Config{Level: "info", Format: "text"},
		Artifacts: ArtifactsConfig{
			Dir:      filepath.Join(os.TempDir(), "simvisor-artifacts"),
			MaxBytes: artifact.DefaultMaxBytes,
			TTL:      artifact.DefaultTTL,
		},
		LogCapture: LogCaptureConfig{
			DefaultBufferSize: logcapture.DefaultBufferSize,
			MaxPayloadBytes:   logcapture.DefaultMaxPayloadBytes,
		},
		Timeouts: TimeoutsConfig{
			Command: executor.DefaultTimeout,
			Prompt:  debugger.DefaultPromptTimeout,
			Attach:  debugger.DefaultAttachTimeout,
		},
		Debugger: DebuggerConfig{
			Command: append([]string(nil), debugger.DefaultCommand...),
			Prompt:  debugger.DefaultPrompt,
		},
		Recorder: RecorderConfig{
			Dir:         os.TempDir(),
			GracePeriod: recorder.DefaultGracePeriod,
		},
		Exec:   ExecConfig{UseOSEnv: true},
		Server: ServerConfig{Listen: "127.0.0.1:9464", BasePath: "/"},
		Sweep:  SweepConfig{Schedule: "@every 5m"},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.file.path", d.Log.File.Path)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)
	v.SetDefault("artifacts.dir", d.Artifacts.Dir)
	v.SetDefault("artifacts.max_bytes", d.Artifacts.MaxBytes)
	v.SetDefault("artifacts.ttl", d.Artifacts.TTL)
	v.SetDefault("logcapture.default_buffer_size", d.LogCapture.DefaultBufferSize)
	v.SetDefault("logcapture.max_payload_bytes", d.LogCapture.MaxPayloadBytes)
	v.SetDefault("timeouts.command", d.Timeouts.Command)
	v.SetDefault("timeouts.prompt", d.Timeouts.Prompt)
	v.SetDefault("timeouts.attach", d.Timeouts.Attach)
	v.SetDefault("debugger.command", d.Debugger.Command)
	v.SetDefault("debugger.prompt", d.Debugger.Prompt)
	v.SetDefault("recorder.dir", d.Recorder.Dir)
	v.SetDefault("recorder.grace_period", d.Recorder.GracePeriod)
	v.SetDefault("locks.dir", d.Locks.Dir)
	v.SetDefault("redact.extra_patterns", d.Redact.ExtraPatterns)
	v.SetDefault("exec.env", d.Exec.Env)
	v.SetDefault("exec.env_files", d.Exec.EnvFiles)
	v.SetDefault("exec.use_os_env", d.Exec.UseOSEnv)
	v.SetDefault("history.sinks", d.History.Sinks)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.token_hash", d.Server.TokenHash)
	v.SetDefault("sweep.schedule", d.Sweep.Schedule)
}

// Load reads the TOML file at path over the defaults and applies SIMVISOR_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects values the managers cannot run with.
func (c Config) Validate() error {
	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if c.Artifacts.MaxBytes <= 0 {
		return fmt.Errorf("artifacts.max_bytes must be positive")
	}
	if c.Artifacts.TTL <= 0 {
		return fmt.Errorf("artifacts.ttl must be positive")
	}
	if c.LogCapture.DefaultBufferSize <= 0 {
		return fmt.Errorf("logcapture.default_buffer_size must be positive")
	}
	if len(c.Debugger.Command) == 0 {
		return fmt.Errorf("debugger.command must not be empty")
	}
	if c.Debugger.Prompt == "" {
		return fmt.Errorf("debugger.prompt must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.command":      c.Timeouts.Command,
		"timeouts.prompt":       c.Timeouts.Prompt,
		"timeouts.attach":       c.Timeouts.Attach,
		"recorder.grace_period": c.Recorder.GracePeriod,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// BaseEnv builds the environment one-shot commands start from.
// Precedence: OS env (when enabled), then env_files in order, then the env list.
func (c ExecConfig) BaseEnv() (*env.Env, error) {
	base := env.Var{}
	if c.UseOSEnv {
		for k, v := range env.Parse(os.Environ()) {
			base[k] = v
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			base[k] = v
		}
	}
	for k, v := range env.Parse(c.Env) {
		base[k] = v
	}
	return env.New(base), nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
