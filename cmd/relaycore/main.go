package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"relaycore/internal/adapter/agent"
	"relaycore/internal/adapter/cache"
	"relaycore/internal/domain"
	"relaycore/internal/infra/config"
	"relaycore/internal/infra/logger"
	"relaycore/internal/infra/tracer"
	"relaycore/internal/usecase/orchestrator"
	"relaycore/internal/usecase/resilience"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relaycore - resilient agent orchestration core

USAGE:
    relaycore [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: RELAYCORE_* variables override config

EXAMPLES:
    relaycore                                # Run with config.yaml
    relaycore --config /etc/relaycore.yaml   # Run with custom config`)
}

// configPath returns the config file path from --config or the default.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "./config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Cache
	tc, err := cache.NewTieredCache(cache.Config{
		Dir:              cfg.Cache.Dir,
		MaxMemoryEntries: cfg.Cache.MaxMemoryEntries,
		SweepInterval:    cfg.Cache.SweepInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() {
		if err := tc.Close(); err != nil {
			log.Error("cache close error", "error", err)
		}
	}()

	// 4. Resilience engine
	engine := buildEngine(cfg.Resilience, log)

	// 5. Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		CheckInterval:      cfg.Orchestrator.CheckInterval,
		DrainTimeout:       cfg.Orchestrator.DrainTimeout,
		ShutdownGrace:      cfg.Orchestrator.ShutdownGrace,
		HealthFailureLimit: cfg.Orchestrator.HealthFailureLimit,
		ProbeTimeout:       cfg.Orchestrator.ProbeTimeout,
		RateLimitPerMin:    cfg.Orchestrator.RateLimitPerMin,
		RateBurst:          cfg.Orchestrator.RateBurst,
	}, engine, log)

	for _, rule := range cfg.Orchestrator.Rules {
		if err := orch.AddRule(rule); err != nil {
			return fmt.Errorf("routing rule %q: %w", rule.Name, err)
		}
	}

	// 6. Built-in agents
	echo := agent.NewCachedAgent(agent.NewEchoAgent(""), tc, cfg.Cache.DefaultTTL, log)
	if err := orch.Register(ctx, echo, domain.Descriptor{
		AgentType:      echo.Type(),
		Capabilities:   []string{"echo"},
		MaxConcurrency: 4,
	}); err != nil {
		return fmt.Errorf("register echo agent: %w", err)
	}

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch.Start(ctx)

	log.Info("relaycore started",
		"agents", len(orch.Status()),
		"rules", len(cfg.Orchestrator.Rules),
		"cache_dir", cfg.Cache.Dir,
		"rate_limit_per_min", cfg.Orchestrator.RateLimitPerMin,
	)

	<-ctx.Done()
	log.Info("signal received, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Orchestrator.ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("orchestrator shutdown error", "error", err)
	}
	return nil
}

// buildEngine constructs the resilience engine from config: per-operation
// retry policies, circuit breakers, and alert thresholds.
func buildEngine(rc config.ResilienceConfig, log *slog.Logger) *resilience.Engine {
	engine := resilience.NewEngine(log)

	for op, pc := range rc.Policies {
		policy := resilience.DefaultRetryPolicy()
		policy.MaxRetries = pc.MaxRetries
		policy.Strategy = resilience.ParseStrategy(pc.Strategy)
		if pc.BaseDelay > 0 {
			policy.BaseDelay = pc.BaseDelay
		}
		if pc.MaxDelay > 0 {
			policy.MaxDelay = pc.MaxDelay
		}
		if pc.BackoffFactor > 0 {
			policy.BackoffFactor = pc.BackoffFactor
		}
		policy.Jitter = pc.Jitter
		if len(pc.RetryableCodes) > 0 {
			policy.RetryableCodes = make(map[domain.ErrorCode]bool, len(pc.RetryableCodes))
			for _, code := range pc.RetryableCodes {
				policy.RetryableCodes[domain.ErrorCode(code)] = true
			}
		}
		engine.SetRetryPolicy(op, policy)
	}

	for op, bc := range rc.Breakers {
		engine.SetCircuitBreaker(op, resilience.BreakerConfig{
			FailureThreshold: uint32(bc.FailureThreshold),
			RecoveryTimeout:  bc.RecoveryTimeout,
			HalfOpenMaxCalls: uint32(bc.HalfOpenMaxCalls),
		})
	}

	for _, ac := range rc.Alerts {
		engine.SetAlertThreshold(domain.ErrorCode(ac.Code), resilience.AlertThreshold{
			Threshold: ac.Threshold,
			Window:    ac.Window,
			Severity:  resilience.ParseSeverity(ac.Severity),
		})
	}

	engine.RegisterAlertCallback(func(a resilience.Alert) {
		log.Warn("alert",
			"severity", string(a.Severity),
			"code", string(a.Code),
			"count", a.Count,
			"message", a.Message,
		)
	})

	return engine
}
