package domain

import (
	"errors"
	"fmt"
)

// Category sentinels for the error taxonomy. Wrap these with %w so that
// classification can rely on errors.Is instead of message matching.
var (
	ErrValidation      = fmt.Errorf("validation failed")
	ErrAuthentication  = fmt.Errorf("authentication failed")
	ErrAuthorization   = fmt.Errorf("authorization denied")
	ErrExternalService = fmt.Errorf("external service error")
	ErrConfiguration   = fmt.Errorf("configuration error")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrInternal        = fmt.Errorf("internal error")
)

// Orchestration sentinels.
var (
	ErrAgentNotFound  = fmt.Errorf("no agent registered for type")
	ErrAgentDuplicate = fmt.Errorf("agent type already registered")
	ErrAgentBusy      = fmt.Errorf("all matching agents busy or unhealthy")
	ErrCircuitOpen    = fmt.Errorf("circuit breaker open")
	ErrShuttingDown   = fmt.Errorf("orchestrator shutting down")
)

// Cache sentinels.
var (
	ErrCacheMiss    = fmt.Errorf("cache miss")
	ErrCacheCorrupt = fmt.Errorf("cache entry corrupt")
)

// ErrorCode is a machine-parseable error category for responses,
// monitoring, and alerting.
type ErrorCode string

const (
	CodeValidation      ErrorCode = "VALIDATION_ERROR"
	CodeAuthentication  ErrorCode = "AUTHENTICATION_ERROR"
	CodeAuthorization   ErrorCode = "AUTHORIZATION_ERROR"
	CodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
	CodeConfiguration   ErrorCode = "CONFIGURATION_ERROR"
	CodeRateLimit       ErrorCode = "RATE_LIMIT_ERROR"
	CodeTimeout         ErrorCode = "TIMEOUT_ERROR"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"

	// Orchestration codes surfaced by routing failures.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentBusy     ErrorCode = "AGENT_BUSY"
	CodeCircuitOpen   ErrorCode = "CIRCUIT_OPEN"
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.Dispatch")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sentinelCodes maps taxonomy sentinels to their codes, in classification
// precedence order (authentication first, internal last).
var sentinelCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrAuthentication, CodeAuthentication},
	{ErrAuthorization, CodeAuthorization},
	{ErrExternalService, CodeExternalService},
	{ErrConfiguration, CodeConfiguration},
	{ErrRateLimit, CodeRateLimit},
	{ErrTimeout, CodeTimeout},
	{ErrValidation, CodeValidation},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrAgentNotFound, CodeAgentNotFound},
	{ErrAgentBusy, CodeAgentBusy},
	{ErrInternal, CodeInternal},
}

// CodeOf maps a wrapped sentinel to its ErrorCode, or CodeInternal when the
// error carries no sentinel. Keyword-based fallback classification lives in
// the resilience package; this function covers the structured path only.
func CodeOf(err error) ErrorCode {
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return CodeInternal
}
