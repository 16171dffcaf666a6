package domain

import (
	"context"
	"time"
)

// Agent is a pluggable request handler registered with the orchestrator.
// Implementations wrap whatever actually does the work (an LLM prompt
// processor, an upstream API client, a local computation) behind a uniform
// lifecycle and dispatch contract.
type Agent interface {
	// Type returns the unique agent type identifier, stable for the
	// lifetime of the agent.
	Type() string
	// Initialize prepares the agent for dispatch. Called once by Register;
	// a non-nil error aborts registration.
	Initialize(ctx context.Context) error
	// Handle processes a single request. The context carries the request
	// deadline and the orchestrator's shutdown cancellation.
	Handle(ctx context.Context, req Request) (*Response, error)
	// Health reports whether the agent can currently serve requests.
	Health(ctx context.Context) HealthState
	// Shutdown releases agent resources. Called once by Unregister.
	Shutdown(ctx context.Context) error
}

// Descriptor is the immutable registration record for an agent.
// Created at Register and never mutated afterwards.
type Descriptor struct {
	AgentType      string   `json:"agent_type"`
	Capabilities   []string `json:"capabilities,omitempty"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// AgentState is the orchestrator-owned lifecycle state of a registered agent.
type AgentState int

const (
	StateInitializing AgentState = iota
	StateReady
	StateBusy
	StateDegraded
	StateError
	StateShuttingDown
)

func (s AgentState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// HealthState is the result of an agent health probe.
type HealthState struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// AgentSnapshot is a read-only status view of a registered agent,
// as returned by Orchestrator.Status.
type AgentSnapshot struct {
	AgentType           string     `json:"agent_type"`
	Capabilities        []string   `json:"capabilities,omitempty"`
	State               AgentState `json:"-"`
	StateName           string     `json:"state"`
	ConcurrentRequests  int        `json:"concurrent_requests"`
	MaxConcurrency      int        `json:"max_concurrency"`
	RequestCount        uint64     `json:"request_count"`
	ErrorCount          uint64     `json:"error_count"`
	SuccessRate         float64    `json:"success_rate"`
	RegisteredAt        time.Time  `json:"registered_at"`
	LastHealthCheck     time.Time  `json:"last_health_check,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_health_failures"`
}
