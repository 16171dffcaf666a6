package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"relaycore/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Cache        CacheConfig        `yaml:"cache"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// OrchestratorConfig holds routing, admission, and lifecycle settings.
type OrchestratorConfig struct {
	CheckInterval      time.Duration        `yaml:"check_interval"`
	DrainTimeout       time.Duration        `yaml:"drain_timeout"`
	ShutdownGrace      time.Duration        `yaml:"shutdown_grace"`
	HealthFailureLimit int                  `yaml:"health_failure_limit"`
	ProbeTimeout       time.Duration        `yaml:"probe_timeout"`
	RateLimitPerMin    int                  `yaml:"rate_limit_per_min"` // 0 disables
	RateBurst          int                  `yaml:"rate_burst"`
	Rules              []domain.RoutingRule `yaml:"rules,omitempty"`
}

// ResilienceConfig holds per-operation retry, breaker, and alert settings.
type ResilienceConfig struct {
	Policies map[string]RetryPolicyConfig `yaml:"policies,omitempty"`
	Breakers map[string]BreakerConfig     `yaml:"breakers,omitempty"`
	Alerts   []AlertConfig                `yaml:"alerts,omitempty"`
}

// RetryPolicyConfig defines the retry policy for one operation name.
type RetryPolicyConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	Strategy       string        `yaml:"strategy"` // exponential, linear, fixed, immediate
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	Jitter         bool          `yaml:"jitter"`
	RetryableCodes []string      `yaml:"retryable_codes,omitempty"`
}

// BreakerConfig defines the circuit breaker for one operation name.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// AlertConfig defines a sliding-window alert threshold for an error code.
type AlertConfig struct {
	Code      string        `yaml:"code"`
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Severity  string        `yaml:"severity"` // low, medium, high, critical
}

// CacheConfig holds tiered cache settings.
type CacheConfig struct {
	Dir              string        `yaml:"dir"` // empty disables the persistent tier
	MaxMemoryEntries int           `yaml:"max_memory_entries"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	DefaultTTL       time.Duration `yaml:"default_ttl"` // 0 = entries never expire
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.relaycore/data, falling back to "./data".
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".relaycore", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			CheckInterval:      30 * time.Second,
			DrainTimeout:       10 * time.Second,
			ShutdownGrace:      30 * time.Second,
			HealthFailureLimit: 3,
			ProbeTimeout:       5 * time.Second,
		},
		Cache: CacheConfig{
			Dir:              filepath.Join(defaultDataDir(), "cache"),
			MaxMemoryEntries: 1000,
			SweepInterval:    5 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, merges includes, and applies env var
// overrides. A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps RELAYCORE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYCORE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAYCORE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAYCORE_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("RELAYCORE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RELAYCORE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("RELAYCORE_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("RELAYCORE_CACHE_MAX_MEMORY_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.MaxMemoryEntries = n
		}
	}
	if v := os.Getenv("RELAYCORE_CACHE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SweepInterval = d
		}
	}
	if v := os.Getenv("RELAYCORE_ORCHESTRATOR_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Orchestrator.CheckInterval = d
		}
	}
	if v := os.Getenv("RELAYCORE_ORCHESTRATOR_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Orchestrator.DrainTimeout = d
		}
	}
	if v := os.Getenv("RELAYCORE_ORCHESTRATOR_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Orchestrator.ShutdownGrace = d
		}
	}
	if v := os.Getenv("RELAYCORE_ORCHESTRATOR_RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Orchestrator.RateLimitPerMin = n
		}
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
