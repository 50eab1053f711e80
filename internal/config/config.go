// Package config holds all llmspell kernel configuration. Config is loaded
// from a YAML file with defaults applied first and a small set of environment
// overrides for secrets and paths.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Kernel   KernelConfig   `yaml:"kernel"`
	State    StateConfig    `yaml:"state"`
	Sessions SessionsConfig `yaml:"sessions"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Engine   EngineConfig   `yaml:"engine"`
	Debug    DebugConfig    `yaml:"debug"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// KernelConfig configures identity, transport and the event loop.
type KernelConfig struct {
	Name           string        `yaml:"name"`            // kernel_name in the connection file
	IP             string        `yaml:"ip"`              // bind address
	BasePort       int           `yaml:"base_port"`       // shell port; the rest are consecutive
	Transport      string        `yaml:"transport"`       // "zmq" or "inproc"
	ConnectionFile string        `yaml:"connection_file"` // empty = discovery dir
	PollInterval   time.Duration `yaml:"poll_interval"`   // loop sleep when idle
	InterruptGrace time.Duration `yaml:"interrupt_grace"` // window before hard engine reset
	ShutdownPhase  time.Duration `yaml:"shutdown_phase"`  // per-phase deadline
}

// StateConfig configures the scoped state store.
type StateConfig struct {
	Backend   string          `yaml:"backend"` // "sqlite" or "memory"
	Path      string          `yaml:"path"`
	FastPath  bool            `yaml:"fast_path"` // in-memory tier for hot entries
	BackupDir string          `yaml:"backup_dir"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig bounds backups by count and age. Zero disables a policy.
type RetentionConfig struct {
	MaxCount int           `yaml:"max_count"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// SessionsConfig configures sessions and artifact storage.
type SessionsConfig struct {
	ArtifactThreshold int64         `yaml:"artifact_threshold"` // bytes; >= goes to blob storage
	BlobDir           string        `yaml:"blob_dir"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
}

// HooksConfig gates hook features and replay persistence.
type HooksConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Features      []string `yaml:"features"`
	DurablePoints []string `yaml:"durable_points"`
	ReplayPath    string   `yaml:"replay_path"`
}

// EngineConfig selects and tunes script engines.
type EngineConfig struct {
	Default        string        `yaml:"default"` // "lua" or "go"
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	StreamChunkMax int           `yaml:"stream_chunk_max"`
}

// DebugConfig configures the interactive debugger and hot reload.
type DebugConfig struct {
	WatchPaths   []string `yaml:"watch_paths"`
	ReloadMaxKiB int      `yaml:"reload_max_kib"` // size cap for hot-reloaded files
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			Name:           "llmspell",
			IP:             "127.0.0.1",
			BasePort:       9555,
			Transport:      "zmq",
			PollInterval:   5 * time.Millisecond,
			InterruptGrace: 2 * time.Second,
			ShutdownPhase:  5 * time.Second,
		},
		State: StateConfig{
			Backend:   "sqlite",
			Path:      ".llmspell/state.db",
			FastPath:  true,
			BackupDir: ".llmspell/backups",
			Retention: RetentionConfig{
				MaxCount: 10,
				MaxAge:   30 * 24 * time.Hour,
			},
		},
		Sessions: SessionsConfig{
			ArtifactThreshold: 1 << 20, // 1 MiB
			BlobDir:           ".llmspell/blobs",
			SnapshotInterval:  time.Minute,
		},
		Hooks: HooksConfig{
			Enabled:       true,
			Features:      []string{"agent", "tool", "workflow", "session"},
			DurablePoints: []string{"session_start", "session_save", "session_end"},
			ReplayPath:    ".llmspell/hooks.db",
		},
		Engine: EngineConfig{
			Default:        "lua",
			ExecTimeout:    5 * time.Minute,
			StreamChunkMax: 8192,
		},
		Debug: DebugConfig{
			ReloadMaxKiB: 512,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned so `llmspell start` works in an empty directory.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteFile serializes the configuration as YAML at path.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv overrides a few fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("LLMSPELL_STATE_PATH"); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv("LLMSPELL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LLMSPELL_CONNECTION_FILE"); v != "" {
		c.Kernel.ConnectionFile = v
	}
}

// Validate rejects configurations the kernel cannot start with.
func (c *Config) Validate() error {
	switch c.Kernel.Transport {
	case "zmq", "inproc":
	default:
		return fmt.Errorf("invalid kernel.transport %q", c.Kernel.Transport)
	}
	switch c.State.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid state.backend %q", c.State.Backend)
	}
	switch c.Engine.Default {
	case "lua", "go":
	default:
		return fmt.Errorf("invalid engine.default %q", c.Engine.Default)
	}
	if c.Kernel.BasePort <= 0 || c.Kernel.BasePort > 65530 {
		return fmt.Errorf("invalid kernel.base_port %d", c.Kernel.BasePort)
	}
	if c.Sessions.ArtifactThreshold <= 0 {
		return fmt.Errorf("invalid sessions.artifact_threshold %d", c.Sessions.ArtifactThreshold)
	}
	return nil
}
