package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateOrchestrator(cfg, ve)
	validateResilience(cfg, ve)
	validateCache(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.CheckInterval <= 0 {
		ve.Add("orchestrator.check_interval must be > 0")
	}
	if o.DrainTimeout <= 0 {
		ve.Add("orchestrator.drain_timeout must be > 0")
	}
	if o.ShutdownGrace <= 0 {
		ve.Add("orchestrator.shutdown_grace must be > 0")
	}
	if o.HealthFailureLimit <= 0 {
		ve.Add("orchestrator.health_failure_limit must be > 0")
	}
	if o.RateLimitPerMin < 0 {
		ve.Add("orchestrator.rate_limit_per_min must be >= 0")
	}

	seen := make(map[string]bool)
	for i, r := range o.Rules {
		if r.TargetType == "" {
			ve.Add("orchestrator.rules[%d] (%s): target_type must not be empty", i, r.Name)
		}
		if len(r.Keywords) == 0 && len(r.Metadata) == 0 {
			ve.Add("orchestrator.rules[%d] (%s): needs at least one keyword or metadata matcher", i, r.Name)
		}
		if r.Name != "" && seen[r.Name] {
			ve.Add("orchestrator.rules[%d]: duplicate rule name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
}

var validStrategies = map[string]bool{
	"exponential": true,
	"linear":      true,
	"fixed":       true,
	"immediate":   true,
}

var validSeverities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

func validateResilience(cfg *Config, ve *ValidationError) {
	for op, p := range cfg.Resilience.Policies {
		if op == "" {
			ve.Add("resilience.policies: operation name must not be empty")
		}
		if p.MaxRetries < 0 {
			ve.Add("resilience.policies[%s].max_retries must be >= 0", op)
		}
		if p.Strategy != "" && !validStrategies[p.Strategy] {
			ve.Add("resilience.policies[%s].strategy %q is invalid (want: exponential, linear, fixed, immediate)", op, p.Strategy)
		}
		if p.BaseDelay < 0 {
			ve.Add("resilience.policies[%s].base_delay must be >= 0", op)
		}
		if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
			ve.Add("resilience.policies[%s].max_delay must be >= base_delay", op)
		}
		if p.Strategy == "exponential" && p.BackoffFactor < 1 && p.BackoffFactor != 0 {
			ve.Add("resilience.policies[%s].backoff_factor must be >= 1 for exponential backoff", op)
		}
	}

	for op, b := range cfg.Resilience.Breakers {
		if op == "" {
			ve.Add("resilience.breakers: operation name must not be empty")
		}
		if b.FailureThreshold < 0 {
			ve.Add("resilience.breakers[%s].failure_threshold must be >= 0", op)
		}
		if b.RecoveryTimeout < 0 {
			ve.Add("resilience.breakers[%s].recovery_timeout must be >= 0", op)
		}
	}

	for i, a := range cfg.Resilience.Alerts {
		if a.Code == "" {
			ve.Add("resilience.alerts[%d].code must not be empty", i)
		}
		if a.Threshold <= 0 {
			ve.Add("resilience.alerts[%d].threshold must be > 0", i)
		}
		if a.Window < 0 {
			ve.Add("resilience.alerts[%d].window must be >= 0", i)
		}
		if a.Severity != "" && !validSeverities[a.Severity] {
			ve.Add("resilience.alerts[%d].severity %q is invalid (want: low, medium, high, critical)", i, a.Severity)
		}
	}
}

func validateCache(cfg *Config, ve *ValidationError) {
	if cfg.Cache.MaxMemoryEntries <= 0 {
		ve.Add("cache.max_memory_entries must be > 0")
	}
	if cfg.Cache.DefaultTTL < 0 {
		ve.Add("cache.default_ttl must be >= 0")
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty (stderr, stdout, or a file path)")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}
