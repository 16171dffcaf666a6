package resilience

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"relaycore/internal/domain"
)

const defaultHistoryCapacity = 1000

// Engine wraps operations with retry, circuit breaking, error recording,
// and alerting. One engine instance is shared by every caller that needs
// resilient execution; policies and breakers are keyed by operation name.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]RetryPolicy

	breakers *breakerSet
	history  *history
	alerter  *alerter
	logger   *slog.Logger

	retryAttempts        atomic.Uint64
	successfulRecoveries atomic.Uint64
	failedRecoveries     atomic.Uint64
}

// Stats aggregates engine-wide error and recovery counters.
type Stats struct {
	TotalErrors          uint64                      `json:"total_errors"`
	ByCode               map[domain.ErrorCode]uint64 `json:"errors_by_code"`
	ByOperation          map[string]uint64           `json:"errors_by_operation"`
	RetryAttempts        uint64                      `json:"retry_attempts"`
	SuccessfulRecoveries uint64                      `json:"successful_recoveries"`
	FailedRecoveries     uint64                      `json:"failed_recoveries"`
	ResolutionRate       float64                     `json:"resolution_rate"`
	ErrorRatePerMinute   int                         `json:"error_rate_per_minute"`
	LastErrorTime        time.Time                   `json:"last_error_time,omitempty"`
	Breakers             map[string]BreakerStatus    `json:"circuit_breakers"`
}

// NewEngine creates an Engine with an empty policy map and a bounded
// error history.
func NewEngine(logger *slog.Logger) *Engine {
	h := newHistory(defaultHistoryCapacity)
	return &Engine{
		policies: make(map[string]RetryPolicy),
		breakers: newBreakerSet(logger),
		history:  h,
		alerter:  newAlerter(h, logger),
		logger:   logger,
	}
}

// SetRetryPolicy installs the retry policy for an operation name.
func (e *Engine) SetRetryPolicy(op string, p RetryPolicy) {
	e.mu.Lock()
	e.policies[op] = p
	e.mu.Unlock()
	e.logger.Debug("retry policy set",
		"operation", op,
		"max_retries", p.MaxRetries,
		"strategy", p.Strategy.String(),
	)
}

// SetCircuitBreaker installs (or replaces) the circuit breaker for an
// operation name. Operations without a breaker are never gated.
func (e *Engine) SetCircuitBreaker(op string, cfg BreakerConfig) {
	e.breakers.configure(op, cfg)
	e.logger.Debug("circuit breaker set", "operation", op)
}

// SetAlertThreshold configures sliding-window alerting for an error code.
func (e *Engine) SetAlertThreshold(code domain.ErrorCode, t AlertThreshold) {
	e.alerter.setThreshold(code, t)
}

// RegisterAlertCallback subscribes fn to threshold alerts.
func (e *Engine) RegisterAlertCallback(fn func(Alert)) {
	e.alerter.register(fn)
}

// Execute runs fn under the operation's retry policy and circuit breaker.
// An open breaker rejects immediately without invoking fn. Every failed
// attempt is classified, recorded, and counted toward the breaker; only
// codes in the policy's retryable set are retried. Cancellation is checked
// between attempts so shutdown aborts the loop early.
func (e *Engine) Execute(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	policy := e.policy(op)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.WrapOp(op, err)
		}

		result, err := e.invoke(ctx, op, fn)
		if err == nil {
			if attempt > 0 {
				e.successfulRecoveries.Add(1)
				e.logger.Info("operation recovered",
					"operation", op, "attempts", attempt+1)
			}
			return result, nil
		}

		if isBreakerRejection(err) {
			// The gate rejected before fn ran; nothing to record or retry.
			return nil, domain.NewDomainError(op, domain.ErrCircuitOpen, err.Error())
		}

		lastErr = err
		now := time.Now()
		code := Classify(err)
		rec := e.history.add(op, err, code, now)
		e.alerter.check(code, now)

		if !policy.Retryable(code) || attempt == policy.MaxRetries {
			if attempt > 0 {
				e.failedRecoveries.Add(1)
			}
			e.logger.Warn("operation failed",
				"operation", op,
				"error_id", rec.ID,
				"code", string(code),
				"attempts", attempt+1,
				"error", err,
			)
			return nil, err
		}

		delay := policy.Delay(attempt)
		if policy.Jitter {
			delay = jittered(delay)
		}
		e.retryAttempts.Add(1)
		e.logger.Warn("operation failed, retrying",
			"operation", op,
			"error_id", rec.ID,
			"code", string(code),
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"delay", delay.String(),
			"error", err,
		)

		if err := sleep(ctx, delay); err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}
	return nil, lastErr
}

// invoke runs fn through the operation's breaker when one is configured.
func (e *Engine) invoke(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	cb := e.breakers.get(op)
	if cb == nil {
		return fn(ctx)
	}
	return cb.Execute(func() (any, error) {
		return fn(ctx)
	})
}

func (e *Engine) policy(op string) RetryPolicy {
	e.mu.RLock()
	p, ok := e.policies[op]
	e.mu.RUnlock()
	if !ok {
		return DefaultRetryPolicy()
	}
	return p
}

// Stats snapshots engine-wide counters, breaker states, and the rolling
// error rate derived from the bounded history.
func (e *Engine) Stats() Stats {
	total, byCode, byOp, lastAt := e.history.snapshot()

	succ := e.successfulRecoveries.Load()
	fail := e.failedRecoveries.Load()
	rate := 0.0
	if succ+fail > 0 {
		rate = float64(succ) / float64(succ+fail)
	}

	return Stats{
		TotalErrors:          total,
		ByCode:               byCode,
		ByOperation:          byOp,
		RetryAttempts:        e.retryAttempts.Load(),
		SuccessfulRecoveries: succ,
		FailedRecoveries:     fail,
		ResolutionRate:       rate,
		ErrorRatePerMinute:   e.history.ratePerMinute(time.Now()),
		LastErrorTime:        lastAt,
		Breakers:             e.breakers.status(),
	}
}

// RecentErrors returns up to limit retained error records, newest first.
func (e *Engine) RecentErrors(limit int) []ErrorRecord {
	return e.history.recent(limit)
}

// ClearHistory drops retained error records and their counters. Recovery
// and retry counters are unaffected.
func (e *Engine) ClearHistory() {
	e.history.clear()
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
