package agent

import (
	"context"
	"strings"

	"relaycore/internal/domain"
)

// EchoAgent is a built-in agent that returns its input. It exists for
// wiring verification, smoke tests, and as the minimal reference for
// implementing the domain.Agent contract.
type EchoAgent struct {
	agentType string
}

// NewEchoAgent creates an echo agent. agentType defaults to "echo".
func NewEchoAgent(agentType string) *EchoAgent {
	if agentType == "" {
		agentType = "echo"
	}
	return &EchoAgent{agentType: agentType}
}

func (a *EchoAgent) Type() string { return a.agentType }

func (a *EchoAgent) Initialize(ctx context.Context) error { return nil }

func (a *EchoAgent) Handle(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, domain.NewDomainError("EchoAgent.Handle", domain.ErrValidation, "empty prompt")
	}
	return &domain.Response{
		Output: []string{req.Prompt},
		Metadata: map[string]any{
			"echoed_by": a.agentType,
		},
	}, nil
}

func (a *EchoAgent) Health(ctx context.Context) domain.HealthState {
	return domain.HealthState{Healthy: true}
}

func (a *EchoAgent) Shutdown(ctx context.Context) error { return nil }

var _ domain.Agent = (*EchoAgent)(nil)
