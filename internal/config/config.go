// Package config loads the daemon's config.yaml. Values here tune the daemon;
// per-job policy arrives with each submission and is immutable after
// acceptance, so nothing in this file overrides it.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/researchd/internal/otel"
)

// MemoryConfig tunes the two memory tiers.
type MemoryConfig struct {
	// ShortTermTTLMinutes bounds job-scoped working memory. Default 60.
	ShortTermTTLMinutes int `yaml:"short_term_ttl_minutes"`
}

// ToolsConfig tunes the invocation arbiter.
type ToolsConfig struct {
	// CallTimeoutSeconds bounds one capability attempt. Default 30.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	// MaxAttempts bounds transient-failure retries per call. Default 3.
	MaxAttempts int `yaml:"max_attempts"`
	// SearchEndpoint overrides the web_search provider URL. Empty uses the
	// built-in default.
	SearchEndpoint string `yaml:"search_endpoint"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	// SweepSchedule is a 5-field cron expression for the lease/memory sweep.
	// Default "* * * * *" (every minute).
	SweepSchedule string `yaml:"sweep_schedule"`
	// BackupSchedule is a cron expression for database backups. Empty disables.
	BackupSchedule string `yaml:"backup_schedule"`
	// CheckpointKeep is how many checkpoints to retain per terminal job when
	// pruning. 0 disables pruning.
	CheckpointKeep int `yaml:"checkpoint_keep"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int `yaml:"worker_count"`
	SubtaskConcurrency int `yaml:"subtask_concurrency"`
	JoinTimeoutSeconds int `yaml:"join_timeout_seconds"`
	JobTimeoutSeconds  int `yaml:"job_timeout_seconds"`
	LeaseSeconds       int `yaml:"lease_seconds"`
	MaxAttempts        int `yaml:"max_attempts"`
	ReplanDepth        int `yaml:"replan_depth"`
	MinCitations       int `yaml:"min_citations"`

	LogLevel string `yaml:"log_level"`

	Memory      MemoryConfig      `yaml:"memory"`
	Tools       ToolsConfig       `yaml:"tools"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		WorkerCount:        4,
		SubtaskConcurrency: 4,
		JoinTimeoutSeconds: 120,
		JobTimeoutSeconds:  int((10 * time.Minute).Seconds()),
		LeaseSeconds:       30,
		MaxAttempts:        3,
		ReplanDepth:        2,
		LogLevel:           "info",
		Memory:             MemoryConfig{ShortTermTTLMinutes: 60},
		Tools:              ToolsConfig{CallTimeoutSeconds: 30, MaxAttempts: 3},
		Maintenance:        MaintenanceConfig{SweepSchedule: "* * * * *", CheckpointKeep: 5},
	}
}

// HomeDir resolves the daemon home, honoring the RESEARCHD_HOME override.
func HomeDir() string {
	if override := os.Getenv("RESEARCHD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".researchd")
}

// ConfigPath returns the config file path under the given home.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the daemon home, applying defaults and env
// overrides. A missing file is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create researchd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFrom reads a config from an explicit path, for tests and one-off tools.
func LoadFrom(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.SubtaskConcurrency <= 0 {
		cfg.SubtaskConcurrency = 4
	}
	if cfg.JoinTimeoutSeconds <= 0 {
		cfg.JoinTimeoutSeconds = 120
	}
	if cfg.JobTimeoutSeconds <= 0 {
		cfg.JobTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ReplanDepth <= 0 {
		cfg.ReplanDepth = 2
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Memory.ShortTermTTLMinutes <= 0 {
		cfg.Memory.ShortTermTTLMinutes = 60
	}
	if cfg.Tools.CallTimeoutSeconds <= 0 {
		cfg.Tools.CallTimeoutSeconds = 30
	}
	if cfg.Tools.MaxAttempts <= 0 {
		cfg.Tools.MaxAttempts = 3
	}
	if strings.TrimSpace(cfg.Maintenance.SweepSchedule) == "" {
		cfg.Maintenance.SweepSchedule = "* * * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RESEARCHD_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("RESEARCHD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RESEARCHD_OTEL_ENABLED"); v != "" {
		cfg.OTel.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RESEARCHD_OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
	}
}

// JoinTimeout returns the subtask join barrier bound as a duration.
func (c Config) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

// LeaseDuration returns the worker visibility lease as a duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// JobTimeout returns the per-slice job bound as a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// ToolCallTimeout returns the per-capability-attempt bound as a duration.
func (c Config) ToolCallTimeout() time.Duration {
	return time.Duration(c.Tools.CallTimeoutSeconds) * time.Second
}

// ShortTermTTL returns the job-scoped memory TTL as a duration.
func (c Config) ShortTermTTL() time.Duration {
	return time.Duration(c.Memory.ShortTermTTLMinutes) * time.Minute
}

// Fingerprint identifies the operator-tunable settings, used to detect
// whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|subtasks=%d|join=%d|lease=%d|attempts=%d|replan=%d|log=%s|sweep=%s",
		c.WorkerCount, c.SubtaskConcurrency, c.JoinTimeoutSeconds, c.LeaseSeconds,
		c.MaxAttempts, c.ReplanDepth, c.LogLevel, c.Maintenance.SweepSchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
