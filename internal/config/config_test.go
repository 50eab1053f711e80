package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Kernel.Name != "llmspell" {
		t.Errorf("unexpected kernel name %q", cfg.Kernel.Name)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
kernel:
  base_port: 7777
  transport: inproc
state:
  backend: memory
engine:
  default: go
  exec_timeout: 30s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Kernel.BasePort != 7777 {
		t.Errorf("base_port = %d", cfg.Kernel.BasePort)
	}
	if cfg.Kernel.Transport != "inproc" || cfg.State.Backend != "memory" {
		t.Errorf("overrides not applied: %+v", cfg.Kernel)
	}
	if cfg.Engine.ExecTimeout != 30*time.Second {
		t.Errorf("exec_timeout = %v", cfg.Engine.ExecTimeout)
	}
	// Untouched sections keep defaults.
	if cfg.Sessions.ArtifactThreshold != 1<<20 {
		t.Errorf("artifact_threshold = %d", cfg.Sessions.ArtifactThreshold)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad transport", func(c *Config) { c.Kernel.Transport = "carrier-pigeon" }},
		{"bad backend", func(c *Config) { c.State.Backend = "postgres" }},
		{"bad engine", func(c *Config) { c.Engine.Default = "cobol" }},
		{"bad port", func(c *Config) { c.Kernel.BasePort = -1 }},
		{"bad threshold", func(c *Config) { c.Sessions.ArtifactThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LLMSPELL_STATE_PATH", "/tmp/override.db")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.State.Path != "/tmp/override.db" {
		t.Errorf("env override not applied: %q", cfg.State.Path)
	}
}
