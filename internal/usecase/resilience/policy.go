package resilience

import (
	"math/rand"
	"time"

	"relaycore/internal/domain"
)

// RetryStrategy selects how retry delays grow across attempts.
type RetryStrategy int

const (
	Exponential RetryStrategy = iota
	Linear
	Fixed
	Immediate
)

func (s RetryStrategy) String() string {
	switch s {
	case Linear:
		return "linear"
	case Fixed:
		return "fixed"
	case Immediate:
		return "immediate"
	default:
		return "exponential"
	}
}

// ParseStrategy converts a config string to a RetryStrategy. Unknown or
// empty strings fall back to Exponential.
func ParseStrategy(s string) RetryStrategy {
	switch s {
	case "linear":
		return Linear
	case "fixed":
		return Fixed
	case "immediate":
		return Immediate
	default:
		return Exponential
	}
}

// RetryPolicy configures the retry loop for one logical operation name.
type RetryPolicy struct {
	MaxRetries    int
	Strategy      RetryStrategy
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// RetryableCodes is the set of taxonomy codes worth retrying.
	// Anything else propagates after the first failed attempt.
	RetryableCodes map[domain.ErrorCode]bool
}

// DefaultRetryPolicy mirrors the defaults applied when no policy has been
// set for an operation: three exponential retries with jitter, retrying
// only transient upstream failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		Strategy:      Exponential,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		RetryableCodes: map[domain.ErrorCode]bool{
			domain.CodeExternalService: true,
			domain.CodeTimeout:         true,
		},
	}
}

// Retryable reports whether the policy retries errors of the given code.
func (p RetryPolicy) Retryable(code domain.ErrorCode) bool {
	return p.RetryableCodes[code]
}

// Delay computes the pre-jitter backoff for a zero-based attempt number,
// clamped to MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case Linear:
		d = p.BaseDelay * time.Duration(attempt+1)
	case Fixed:
		d = p.BaseDelay
	case Immediate:
		return 0
	default: // Exponential
		f := 1.0
		for i := 0; i < attempt; i++ {
			f *= p.BackoffFactor
		}
		d = time.Duration(float64(p.BaseDelay) * f)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// jittered spreads a delay uniformly across 50-100% of its value so that
// synchronized retry storms fan out.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}
