// Package config loads the orchestrator's TOML configuration and layers
// environment-variable overrides on top, mirroring the reference daemon's
// persisted-config-then-env precedence in cmd/overhuman/main.go's
// loadConfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "600s" or "10m", following Heikkila-Pty-Ltd-cortex's internal/config
// Duration pattern.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds every recognized option from §6's "Configuration
// recognized options" table.
type Config struct {
	SQLitePath      string `toml:"sqlite_path"`
	AssistantBinary string `toml:"assistant_binary"`

	MaxConcurrentRuns int `toml:"max_concurrent_runs"`

	RunTimeout                Duration `toml:"run_timeout"`
	EvalTimeout                Duration `toml:"eval_timeout"`
	ImprovementCooldown        Duration `toml:"improvement_cooldown"`
	PendingPollInterval        Duration `toml:"pending_poll_interval"`
	PerTaskStagger             Duration `toml:"per_task_stagger"`
	ImprovementSweepInterval   Duration `toml:"improvement_sweep_interval"`
	ImprovementFileCapPerWeek int      `toml:"improvement_file_cap_per_week"`

	ProjectsDir string `toml:"projects_dir"`
	LogsDir     string `toml:"logs_dir"`

	// SupabaseURL/SupabaseKey are recognized per §6 but are not consulted
	// by the default SQLite-backed Gateway; they exist only so a future
	// remote-store realization has somewhere to read them from.
	SupabaseURL string `toml:"-"`
	SupabaseKey string `toml:"-"`
}

// Default returns the configuration defaults named in §6.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		SQLitePath:                filepath.Join(home, ".orchestrator", "orchestrator.db"),
		AssistantBinary:           "claude",
		MaxConcurrentRuns:         3,
		RunTimeout:                Duration{600 * time.Second},
		EvalTimeout:                Duration{120 * time.Second},
		ImprovementCooldown:        Duration{24 * time.Hour},
		PendingPollInterval:        Duration{10 * time.Second},
		PerTaskStagger:             Duration{2 * time.Second},
		ImprovementSweepInterval:   Duration{time.Hour},
		ImprovementFileCapPerWeek: 3,
		ProjectsDir:               filepath.Join(home, "projects"),
		LogsDir:                   filepath.Join(home, "orchestrator", "logs"),
	}
}

// Load reads path (if it exists) over Default(), then applies environment
// overrides. A missing file is not an error — the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config %q: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("ORCHESTRATOR_ASSISTANT_BINARY"); v != "" {
		cfg.AssistantBinary = v
	}
	if v := os.Getenv("ORCHESTRATOR_PROJECTS_DIR"); v != "" {
		cfg.ProjectsDir = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("ORCHESTRATOR_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxConcurrentRuns = n
		}
	}
	cfg.SupabaseURL = os.Getenv("SUPABASE_URL")
	cfg.SupabaseKey = os.Getenv("SUPABASE_KEY")
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%q is not positive", s)
	}
	return n, nil
}
