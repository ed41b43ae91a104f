package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Generation.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Generation.MaxConcurrent)
	}
	if !cfg.Sandbox.Enabled {
		t.Error("Sandbox.Enabled = false, want true by default")
	}
	if cfg.Sandbox.MaxAge != 2*time.Hour {
		t.Errorf("Sandbox.MaxAge = %v, want 2h", cfg.Sandbox.MaxAge)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config fails validation: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  api_key: secret
generation:
  max_concurrent: 5
  task_timeout: 30s
sandbox:
  max_sandboxes: 2
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.APIKey != "secret" {
		t.Errorf("Server.APIKey = %q, want secret", cfg.Server.APIKey)
	}
	if cfg.Generation.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Generation.MaxConcurrent)
	}
	if cfg.Generation.TaskTimeout != 30*time.Second {
		t.Errorf("TaskTimeout = %v, want 30s", cfg.Generation.TaskTimeout)
	}
	// Untouched fields keep their defaults.
	if cfg.Generation.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.Generation.MaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load succeeded for a missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded for malformed YAML")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero concurrency", func(c *Config) { c.Generation.MaxConcurrent = 0 }},
		{"zero attempts", func(c *Config) { c.Generation.MaxAttempts = 0 }},
		{"inverted delays", func(c *Config) {
			c.Generation.InitialDelay = time.Minute
			c.Generation.MaxDelay = time.Second
		}},
		{"zero sandboxes", func(c *Config) { c.Sandbox.MaxSandboxes = 0 }},
		{"age ceiling below idle ttl", func(c *Config) {
			c.Sandbox.IdleTTL = time.Hour
			c.Sandbox.MaxAge = time.Minute
		}},
		{"unknown archive", func(c *Config) { c.Artifacts.Archive = "tape" }},
		{"disk archive without dir", func(c *Config) { c.Artifacts.Archive = "disk" }},
		{"s3 archive without bucket", func(c *Config) { c.Artifacts.Archive = "s3" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate returned no error", tc.name)
		}
	}
}
