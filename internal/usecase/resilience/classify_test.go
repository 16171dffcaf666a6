package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"relaycore/internal/domain"
)

func TestClassifySentinels(t *testing.T) {
	cases := []struct {
		err  error
		want domain.ErrorCode
	}{
		{fmt.Errorf("login: %w", domain.ErrAuthentication), domain.CodeAuthentication},
		{fmt.Errorf("acl: %w", domain.ErrAuthorization), domain.CodeAuthorization},
		{fmt.Errorf("fetch: %w", domain.ErrExternalService), domain.CodeExternalService},
		{fmt.Errorf("load: %w", domain.ErrConfiguration), domain.CodeConfiguration},
		{fmt.Errorf("throttle: %w", domain.ErrRateLimit), domain.CodeRateLimit},
		{fmt.Errorf("call: %w", domain.ErrTimeout), domain.CodeTimeout},
		{fmt.Errorf("parse: %w", domain.ErrValidation), domain.CodeValidation},
		{fmt.Errorf("oops: %w", domain.ErrInternal), domain.CodeInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassifyKeywordFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.ErrorCode
	}{
		{"401 unauthorized", domain.CodeAuthentication},
		{"permission denied on resource", domain.CodeAuthorization},
		{"connection refused", domain.CodeExternalService},
		{"missing setting FOO", domain.CodeConfiguration},
		{"rate limit reached for key", domain.CodeRateLimit},
		{"request timed out", domain.CodeTimeout},
		{"malformed payload", domain.CodeValidation},
		{"something broke", domain.CodeInternal},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestClassifyPrecedence(t *testing.T) {
	// Authentication keywords outrank the external-service and timeout
	// keywords also present in the message.
	err := errors.New("unauthorized: connection timed out")
	if got := Classify(err); got != domain.CodeAuthentication {
		t.Errorf("Classify = %s, want %s", got, domain.CodeAuthentication)
	}

	// A sentinel always outranks message keywords.
	wrapped := fmt.Errorf("unauthorized wording but wrapped: %w", domain.ErrValidation)
	if got := Classify(wrapped); got != domain.CodeValidation {
		t.Errorf("Classify = %s, want %s", got, domain.CodeValidation)
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != domain.CodeTimeout {
		t.Errorf("Classify(DeadlineExceeded) = %s, want %s", got, domain.CodeTimeout)
	}
}

func TestSeverityOf(t *testing.T) {
	if got := SeverityOf(domain.CodeInternal); got != SeverityCritical {
		t.Errorf("SeverityOf(internal) = %s, want critical", got)
	}
	if got := SeverityOf(domain.CodeValidation); got != SeverityLow {
		t.Errorf("SeverityOf(validation) = %s, want low", got)
	}
	if got := SeverityOf(domain.ErrorCode("SOMETHING_NEW")); got != SeverityMedium {
		t.Errorf("SeverityOf(unknown) = %s, want medium", got)
	}
}
