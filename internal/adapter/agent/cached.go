package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"relaycore/internal/domain"
)

// CachedAgent wraps a domain.Agent with response caching. Successful
// responses are stored in the tiered cache keyed by prompt, so identical
// prompts skip the inner handler until the entry expires. Failures are
// never cached.
type CachedAgent struct {
	inner  domain.Agent
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedAgent wraps inner with response caching. A nil cache or
// non-positive ttl returns the inner agent directly (no caching).
func NewCachedAgent(inner domain.Agent, cache domain.Cache, ttl time.Duration, logger *slog.Logger) domain.Agent {
	if cache == nil || ttl <= 0 {
		return inner
	}
	return &CachedAgent{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

func (a *CachedAgent) Type() string { return a.inner.Type() }

func (a *CachedAgent) Initialize(ctx context.Context) error { return a.inner.Initialize(ctx) }

// namespace returns the cache namespace for this agent's responses.
func (a *CachedAgent) namespace() string {
	return "agent-responses:" + a.inner.Type()
}

func (a *CachedAgent) Handle(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if req.Prompt == "" {
		return a.inner.Handle(ctx, req)
	}

	if data, err := a.cache.Get(ctx, a.namespace(), req.Prompt, domain.MemoryAndPersistent); err == nil {
		var resp domain.Response
		if err := json.Unmarshal(data, &resp); err == nil {
			a.logger.Debug("response cache hit",
				"agent_type", a.inner.Type(), "request_id", req.ID)
			return &resp, nil
		}
		// Unreadable entry: drop it and fall through to the handler.
		_, _ = a.cache.Delete(ctx, a.namespace(), req.Prompt)
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		a.logger.Warn("response cache read failed",
			"agent_type", a.inner.Type(), "error", err)
	}

	resp, err := a.inner.Handle(ctx, req)
	if err != nil {
		return nil, err
	}

	if data, merr := json.Marshal(resp); merr == nil {
		if serr := a.cache.Set(ctx, a.namespace(), req.Prompt, data, a.ttl, domain.MemoryAndPersistent); serr != nil {
			a.logger.Warn("response cache write failed",
				"agent_type", a.inner.Type(), "error", serr)
		}
	}
	return resp, nil
}

func (a *CachedAgent) Health(ctx context.Context) domain.HealthState {
	return a.inner.Health(ctx)
}

func (a *CachedAgent) Shutdown(ctx context.Context) error { return a.inner.Shutdown(ctx) }

var _ domain.Agent = (*CachedAgent)(nil)
