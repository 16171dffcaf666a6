package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings, matching DefaultRetryPolicy's posture
// of tolerating short upstream blips.
const (
	defaultFailureThreshold uint32        = 5
	defaultRecoveryTimeout  time.Duration = 60 * time.Second
	defaultHalfOpenMaxCalls uint32        = 1
)

// BreakerConfig configures the circuit breaker for one operation name.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before allowing
	// half-open probes.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds the number of probe invocations admitted
	// in the half-open state.
	HalfOpenMaxCalls uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	return c
}

// BreakerStatus is a read-only snapshot of one breaker for Stats.
type BreakerStatus struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalFailures       uint32 `json:"total_failures"`
}

// breakerSet owns the per-operation circuit breakers. Breakers are created
// lazily on the first SetCircuitBreaker call for an operation; operations
// without a configured breaker are not gated.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	logger   *slog.Logger
}

func newBreakerSet(logger *slog.Logger) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		logger:   logger,
	}
}

// configure installs (or replaces) the breaker for an operation.
func (s *breakerSet) configure(op string, cfg BreakerConfig) {
	cfg = cfg.withDefaults()
	logger := s.logger
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        op,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"operation", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool { return err == nil },
	})

	s.mu.Lock()
	s.breakers[op] = cb
	s.mu.Unlock()
}

// get returns the breaker for op, or nil when none is configured.
func (s *breakerSet) get(op string) *gobreaker.CircuitBreaker[any] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakers[op]
}

// status snapshots every configured breaker.
func (s *breakerSet) status() map[string]BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerStatus, len(s.breakers))
	for op, cb := range s.breakers {
		counts := cb.Counts()
		out[op] = BreakerStatus{
			State:               cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalFailures:       counts.TotalFailures,
		}
	}
	return out
}

// isBreakerRejection reports whether err came from the breaker gate rather
// than the wrapped call.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
