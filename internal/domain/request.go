package domain

import (
	"strings"
	"time"
)

// Request is the unit of work dispatched through the orchestrator.
type Request struct {
	// ID is the caller-supplied request identifier. Generated by the
	// orchestrator when empty.
	ID string `json:"request_id"`
	// AgentType names the preferred handler. May be empty, in which case
	// routing falls back to content rules and load balancing.
	AgentType string `json:"agent_type,omitempty"`
	// Prompt is the free-text payload. Content-based routing rules match
	// against it.
	Prompt string `json:"prompt"`
	// Metadata carries caller context; routing rules may match on it.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Timeout bounds the agent invocation. Zero means no per-request
	// deadline beyond the caller's context.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Response is the structured result of a dispatch. Errors inside an agent
// invocation never escape as panics or bare errors; they surface here with
// a taxonomy code and a correlation ID.
type Response struct {
	RequestID string         `json:"request_id"`
	AgentType string         `json:"agent_type"`
	Success   bool           `json:"success"`
	Output    []string       `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ErrorCode ErrorCode      `json:"error_code,omitempty"`
	Message   string         `json:"message,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Elapsed   time.Duration  `json:"elapsed"`
}

// RoutingRule routes requests to an agent type based on content.
// Rules are static configuration, read-only at routing time; higher
// priority wins, ties break by the order rules were added.
type RoutingRule struct {
	Name       string            `json:"name"        yaml:"name"`
	TargetType string            `json:"target_type" yaml:"target_type"`
	Priority   int               `json:"priority"    yaml:"priority"`
	// Keywords match case-insensitively as substrings of the prompt.
	// A rule with keywords matches when any keyword is present.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	// Metadata entries must all be present with equal values on the request.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Matches reports whether the rule applies to the request.
func (r RoutingRule) Matches(req Request) bool {
	for k, want := range r.Metadata {
		if req.Metadata[k] != want {
			return false
		}
	}
	if len(r.Keywords) == 0 {
		return len(r.Metadata) > 0
	}
	prompt := strings.ToLower(req.Prompt)
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(prompt, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
