// Package config holds all codevolve configuration.
// Configuration is an explicit struct passed into constructors; components
// never read the environment at construction time themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codevolve configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Evolution pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Code-generation service
	LLM LLMConfig `yaml:"llm"`

	// Performance profiler
	Profiler ProfilerConfig `yaml:"profiler"`

	// Knowledge store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PipelineConfig configures the evolution pipeline safety toggles.
type PipelineConfig struct {
	// RealModifications enables production writes. When false the
	// Deployment Controller runs in simulation mode.
	RealModifications bool `yaml:"real_modifications"`

	// RequireApproval gates production writes behind an explicit
	// per-candidate approval signal.
	RequireApproval bool `yaml:"require_approval"`

	// BackupRetentionDays is the age window for backup cleanup. The five
	// most recent backups per target are always kept regardless of age.
	BackupRetentionDays int `yaml:"backup_retention_days"`

	// MaxModificationsPerCycle bounds candidates generated and tested per cycle.
	MaxModificationsPerCycle int `yaml:"max_modifications_per_cycle"`

	// SandboxDir is the working directory for isolated candidate testing.
	// Empty means a per-run temp directory.
	SandboxDir string `yaml:"sandbox_dir"`

	// ApprovalDir is where approval-request artifacts are written and
	// approval signals are polled. Empty means <tmp>/codevolve/approvals.
	ApprovalDir string `yaml:"approval_dir"`

	// ApprovalWait, when set, makes a deployment block up to this duration
	// for the approval signal instead of returning pending immediately.
	// Empty or "0" disables waiting.
	ApprovalWait string `yaml:"approval_wait"`
}

// LLMConfig configures the code-generation service client.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
	Timeout     string  `yaml:"timeout"`
}

// ProfilerConfig configures the performance measurement protocol.
type ProfilerConfig struct {
	WarmupRuns      int    `yaml:"warmup_runs"`
	MeasurementRuns int    `yaml:"measurement_runs"`
	TestTimeout     string `yaml:"test_timeout"`
}

// StoreConfig configures the knowledge store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
// Defaults are deliberately conservative: simulation mode on, approval
// required, 7-day retention, 3 modifications per cycle.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codevolve",
		Version: "0.3.0",
		Pipeline: PipelineConfig{
			RealModifications:        false,
			RequireApproval:          true,
			BackupRetentionDays:      7,
			MaxModificationsPerCycle: 3,
			ApprovalDir:              filepath.Join(os.TempDir(), "codevolve", "approvals"),
		},
		LLM: LLMConfig{
			Model:       "gemini-3-flash-preview",
			Temperature: 0.2,
			MaxRetries:  3,
			Timeout:     "2m",
		},
		Profiler: ProfilerConfig{
			WarmupRuns:      2,
			MeasurementRuns: 5,
			TestTimeout:     "10s",
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(".codevolve", "knowledge.db"),
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from the workspace config file, falling back to
// defaults for anything unset, then applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, ".codevolve", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to the workspace config file.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".codevolve")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// applyEnvOverrides applies recognized environment variables on top of the
// loaded configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEVOLVE_REAL_MODIFICATIONS"); v != "" {
		c.Pipeline.RealModifications = parseBool(v)
	}
	if v := os.Getenv("CODEVOLVE_REQUIRE_APPROVAL"); v != "" {
		c.Pipeline.RequireApproval = parseBool(v)
	}
	if v := os.Getenv("CODEVOLVE_BACKUP_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Pipeline.BackupRetentionDays = n
		}
	}
	if v := os.Getenv("CODEVOLVE_MAX_MODS_PER_CYCLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxModificationsPerCycle = n
		}
	}
	if v := os.Getenv("CODEVOLVE_APPROVAL_DIR"); v != "" {
		c.Pipeline.ApprovalDir = v
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if db := os.Getenv("CODEVOLVE_DB"); db != "" {
		c.Store.DatabasePath = db
	}
}

func parseBool(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	default:
		return false
	}
}

// ApprovalWaitDuration parses the approval wait string; unset or invalid
// means no waiting.
func (c *Config) ApprovalWaitDuration() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.ApprovalWait)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// LLMTimeout parses the LLM timeout string, defaulting to two minutes.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// TestTimeout parses the profiler test timeout string, defaulting to ten seconds.
func (c *Config) TestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Profiler.TestTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Pipeline.BackupRetentionDays < 0 {
		return fmt.Errorf("backup_retention_days must be >= 0")
	}
	if c.Pipeline.MaxModificationsPerCycle <= 0 {
		return fmt.Errorf("max_modifications_per_cycle must be > 0")
	}
	if c.Profiler.MeasurementRuns <= 0 {
		return fmt.Errorf("measurement_runs must be > 0")
	}
	return nil
}
