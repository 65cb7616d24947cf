// Package config loads the daemon's TOML configuration file: data
// directory, LLM provider settings, scheduler/loopmanager/telemetry
// tuning, and loop-type/validator search paths. spec.md treats config
// file loading as an external collaborator specified only at its
// interface ("a black box"); this package is that interface's concrete
// implementation, built the way the teacher loads its own declarative
// files (looptype's directory-merge, agents_api.go's typed decode).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LLM configures the Anthropic client.
type LLM struct {
	APIKeyEnv         string  `toml:"api_key_env"`
	Model             string  `toml:"model"`
	MaxTokens         int     `toml:"max_tokens"`
	ContextWindow     int     `toml:"context_window"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MaxRetries        int     `toml:"max_retries"`
	InitialBackoffMS  int     `toml:"initial_backoff_ms"`
	MaxBackoffMS      int     `toml:"max_backoff_ms"`
}

// Scheduler configures internal/scheduler's admission controller.
type Scheduler struct {
	MaxConcurrent  int           `toml:"max_concurrent"`
	WindowLimit    int           `toml:"window_limit"`
	WindowDuration time.Duration `toml:"window_duration"`
}

// Manager configures internal/loopmanager.
type Manager struct {
	MaxConcurrent int           `toml:"max_concurrent"`
	ReadinessPoll time.Duration `toml:"readiness_poll"`
	RecoveryAge   time.Duration `toml:"recovery_age"`
	ShutdownGrace time.Duration `toml:"shutdown_grace"`
}

// Telemetry configures OTLP metrics export.
type Telemetry struct {
	Endpoint       string        `toml:"endpoint"`
	Insecure       bool          `toml:"insecure"`
	ExportInterval time.Duration `toml:"export_interval"`
}

// LoopTypes names the directories searched for loop-type definitions,
// merged user-over-builtin then project-over-user, per looptype's
// Discover order.
type LoopTypes struct {
	UserDir    string `toml:"user_dir"`
	ProjectDir string `toml:"project_dir"`
}

// Daemon is the root of the TOML configuration file.
type Daemon struct {
	DataDir    string `toml:"data_dir"`
	SocketPath string `toml:"socket_path"`
	LogLevel   string `toml:"log_level"`

	LLM       LLM       `toml:"llm"`
	Scheduler Scheduler `toml:"scheduler"`
	Manager   Manager   `toml:"manager"`
	Telemetry Telemetry `toml:"telemetry"`
	LoopTypes LoopTypes `toml:"loop_types"`
}

// Default returns a Daemon with every field at the default named in the
// corresponding package's own DefaultConfig, so a config file only needs
// to set the values it wants to override.
func Default() Daemon {
	return Daemon{
		DataDir:    filepath.Join(os.Getenv("HOME"), ".taskdaemon"),
		SocketPath: filepath.Join(os.Getenv("HOME"), ".taskdaemon", "daemon.sock"),
		LogLevel:   "info",
		LLM: LLM{
			APIKeyEnv:        "ANTHROPIC_API_KEY",
			Model:            "claude-sonnet-4-5",
			MaxTokens:        4096,
			MaxRetries:       3,
			InitialBackoffMS: 1000,
			MaxBackoffMS:     30000,
		},
		Scheduler: Scheduler{MaxConcurrent: 10, WindowLimit: 50, WindowDuration: 60 * time.Second},
		Manager: Manager{
			MaxConcurrent: 50,
			ReadinessPoll: 10 * time.Second,
			RecoveryAge:   time.Hour,
			ShutdownGrace: 30 * time.Second,
		},
		Telemetry: Telemetry{ExportInterval: 15 * time.Second},
	}
}

// Load reads and decodes the TOML file at path onto Default's fields:
// only the keys present in the file override a default. A missing file
// is not an error — the defaults alone are a valid configuration, since
// the daemon can run against the builtin loop types with an env-var API
// key and no telemetry export.
func Load(path string) (Daemon, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Daemon{}, fmt.Errorf("config: checking %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Daemon{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// APIKey resolves the Anthropic API key from the environment variable
// named by LLM.APIKeyEnv (or ANTHROPIC_API_KEY if unset).
func (d Daemon) APIKey() (string, error) {
	name := d.LLM.APIKeyEnv
	if name == "" {
		name = "ANTHROPIC_API_KEY"
	}
	key := os.Getenv(name)
	if key == "" {
		return "", fmt.Errorf("config: environment variable %s is unset", name)
	}
	return key, nil
}
