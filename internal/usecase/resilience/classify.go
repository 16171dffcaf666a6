package resilience

import (
	"context"
	"errors"
	"strings"

	"relaycore/internal/domain"
)

// keyword groups, in classification precedence order. Only consulted when
// the error carries no taxonomy sentinel; structured errors never reach
// the string matching below.
var keywordCodes = []struct {
	code     domain.ErrorCode
	keywords []string
}{
	{domain.CodeAuthentication, []string{"unauthorized", "invalid token", "expired token", "authentication"}},
	{domain.CodeAuthorization, []string{"forbidden", "permission denied", "access denied"}},
	{domain.CodeExternalService, []string{"connection", "service unavailable", "bad gateway", "upstream", "api error"}},
	{domain.CodeConfiguration, []string{"config", "environment variable", "missing setting"}},
	{domain.CodeRateLimit, []string{"rate limit", "too many requests", "quota"}},
	{domain.CodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{domain.CodeValidation, []string{"validation", "invalid", "malformed", "missing parameter"}},
}

// Classify maps an error to exactly one taxonomy code. Sentinel wrapping
// wins; context errors map to timeout/internal; message keywords are the
// last resort for errors raised by third-party clients.
func Classify(err error) domain.ErrorCode {
	if err == nil {
		return ""
	}
	if code := domain.CodeOf(err); code != domain.CodeInternal {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CodeTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, kc := range keywordCodes {
		for _, kw := range kc.keywords {
			if strings.Contains(msg, kw) {
				return kc.code
			}
		}
	}
	return domain.CodeInternal
}

// Severity grades an error code for logging and alert defaults.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var codeSeverity = map[domain.ErrorCode]Severity{
	domain.CodeValidation:      SeverityLow,
	domain.CodeRateLimit:       SeverityMedium,
	domain.CodeTimeout:         SeverityMedium,
	domain.CodeExternalService: SeverityMedium,
	domain.CodeAgentBusy:       SeverityMedium,
	domain.CodeAgentNotFound:   SeverityMedium,
	domain.CodeAuthentication:  SeverityHigh,
	domain.CodeAuthorization:   SeverityHigh,
	domain.CodeConfiguration:   SeverityHigh,
	domain.CodeCircuitOpen:     SeverityHigh,
	domain.CodeInternal:        SeverityCritical,
}

// ParseSeverity converts a config string to a Severity. Unknown or empty
// strings fall back to SeverityMedium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// SeverityOf returns the logging severity for a taxonomy code.
func SeverityOf(code domain.ErrorCode) Severity {
	if s, ok := codeSeverity[code]; ok {
		return s
	}
	return SeverityMedium
}
