// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Generation GenerationConfig `yaml:"generation"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	LogLevel   string           `yaml:"log_level"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

// GenerationConfig configures session orchestration.
type GenerationConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	SessionExpiry  time.Duration `yaml:"session_expiry"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Model          string        `yaml:"model"`
}

// SandboxConfig configures sandbox provisioning.
type SandboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxSandboxes int           `yaml:"max_sandboxes"`
	MemoryMB     int           `yaml:"memory_mb"`
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	MaxAge       time.Duration `yaml:"max_age"`
	Root         string        `yaml:"root"`
	PreviewHost  string        `yaml:"preview_host"`
}

// ArtifactsConfig configures the artifact pipeline and archiving.
type ArtifactsConfig struct {
	MaxBytes int    `yaml:"max_bytes"`
	Archive  string `yaml:"archive"` // "none", "disk", or "s3"
	Dir      string `yaml:"dir"`     // disk archive root
	Bucket   string `yaml:"bucket"`  // s3 archive bucket
	Prefix   string `yaml:"prefix"`  // s3 key prefix
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Generation: GenerationConfig{
			MaxConcurrent:  3,
			TaskTimeout:    2 * time.Minute,
			SessionTimeout: 15 * time.Minute,
			SessionExpiry:  time.Hour,
			MaxAttempts:    3,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Enabled:      true,
			MaxSandboxes: 10,
			MemoryMB:     512,
			IdleTTL:      30 * time.Minute,
			MaxAge:       2 * time.Hour,
			PreviewHost:  "localhost",
		},
		Artifacts: ArtifactsConfig{
			MaxBytes: 1 << 20,
			Archive:  "none",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Generation.MaxConcurrent <= 0 {
		return fmt.Errorf("generation.max_concurrent must be positive")
	}
	if c.Generation.MaxAttempts <= 0 {
		return fmt.Errorf("generation.max_attempts must be positive")
	}
	if c.Generation.InitialDelay > c.Generation.MaxDelay {
		return fmt.Errorf("generation.initial_delay exceeds generation.max_delay")
	}
	if c.Sandbox.MaxSandboxes <= 0 {
		return fmt.Errorf("sandbox.max_sandboxes must be positive")
	}
	if c.Sandbox.MaxAge > 0 && c.Sandbox.MaxAge < c.Sandbox.IdleTTL {
		return fmt.Errorf("sandbox.max_age must not be shorter than sandbox.idle_ttl")
	}
	if c.Artifacts.MaxBytes <= 0 {
		return fmt.Errorf("artifacts.max_bytes must be positive")
	}
	switch c.Artifacts.Archive {
	case "", "none", "disk", "s3":
	default:
		return fmt.Errorf("artifacts.archive must be none, disk, or s3")
	}
	if c.Artifacts.Archive == "disk" && c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required for the disk archive")
	}
	if c.Artifacts.Archive == "s3" && c.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts.bucket is required for the s3 archive")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error")
	}
	return nil
}
