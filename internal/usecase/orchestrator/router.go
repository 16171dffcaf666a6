package orchestrator

import (
	"sort"

	"relaycore/internal/domain"
)

// AddRule installs a content routing rule. Rules are evaluated in
// descending priority; equal priorities keep the order they were added,
// which makes rule resolution deterministic.
func (o *Orchestrator) AddRule(rule domain.RoutingRule) error {
	if rule.TargetType == "" {
		return domain.NewDomainError("Orchestrator.AddRule", domain.ErrValidation, "rule has no target type")
	}
	if len(rule.Keywords) == 0 && len(rule.Metadata) == 0 {
		return domain.NewDomainError("Orchestrator.AddRule", domain.ErrValidation, "rule "+rule.Name+" matches nothing")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules = append(o.rules, rule)
	sort.SliceStable(o.rules, func(i, j int) bool {
		return o.rules[i].Priority > o.rules[j].Priority
	})
	o.logger.Info("routing rule added",
		"rule", rule.Name,
		"target", rule.TargetType,
		"priority", rule.Priority,
	)
	return nil
}

// Rules returns a copy of the installed rules in evaluation order.
func (o *Orchestrator) Rules() []domain.RoutingRule {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.RoutingRule, len(o.rules))
	copy(out, o.rules)
	return out
}

// acquire picks an agent for the request and takes a concurrency slot, all
// under the registry lock so routing decisions and admission are atomic.
//
// Selection order: direct type match, then content rules by priority, then
// the least-loaded ready agent. The returned error distinguishes a type
// nobody registered from agents that are merely busy or unhealthy.
func (o *Orchestrator) acquire(req domain.Request) (*registration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shuttingDown {
		return nil, domain.NewDomainError("Orchestrator.Dispatch", domain.ErrShuttingDown, "")
	}

	// (1) Exact agent type match.
	if req.AgentType != "" {
		if reg, ok := o.agents[req.AgentType]; ok && reg.available() {
			reg.take()
			return reg, nil
		}
	}

	// (2) Content rules, highest priority first.
	for _, rule := range o.rules {
		if !rule.Matches(req) {
			continue
		}
		if reg, ok := o.agents[rule.TargetType]; ok && reg.available() {
			reg.take()
			return reg, nil
		}
	}

	// (3) Least-loaded ready agent, registration order breaking ties.
	var best *registration
	for _, reg := range o.agents {
		if !reg.available() {
			continue
		}
		if best == nil || reg.concurrent < best.concurrent ||
			(reg.concurrent == best.concurrent && reg.order < best.order) {
			best = reg
		}
	}
	if best != nil {
		best.take()
		return best, nil
	}

	// (4) Nothing available: report why.
	if req.AgentType != "" {
		if _, ok := o.agents[req.AgentType]; !ok {
			return nil, domain.NewDomainError("Orchestrator.Dispatch", domain.ErrAgentNotFound, req.AgentType)
		}
	}
	if len(o.agents) == 0 {
		return nil, domain.NewDomainError("Orchestrator.Dispatch", domain.ErrAgentNotFound, "registry is empty")
	}
	return nil, domain.NewDomainError("Orchestrator.Dispatch", domain.ErrAgentBusy, "")
}
