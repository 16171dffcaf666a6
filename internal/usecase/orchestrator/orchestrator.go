package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"relaycore/internal/domain"
	"relaycore/internal/infra/tracer"
	"relaycore/internal/usecase/resilience"
)

const (
	defaultCheckInterval      = 30 * time.Second
	defaultDrainTimeout       = 10 * time.Second
	defaultShutdownGrace      = 30 * time.Second
	defaultHealthFailureLimit = 3
	defaultProbeTimeout       = 5 * time.Second
)

// Config tunes orchestrator lifecycle and admission behavior.
type Config struct {
	// CheckInterval is the period of the background health loop.
	CheckInterval time.Duration
	// DrainTimeout bounds how long Unregister waits for in-flight requests.
	DrainTimeout time.Duration
	// ShutdownGrace bounds how long Shutdown waits before cancelling
	// remaining dispatches.
	ShutdownGrace time.Duration
	// HealthFailureLimit is the consecutive probe failure count that
	// excludes an agent from routing.
	HealthFailureLimit int
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	// RateLimitPerMin caps dispatches per minute across all agents.
	// Zero disables admission rate limiting.
	RateLimitPerMin int
	// RateBurst is the limiter burst size. Defaults to RateLimitPerMin.
	RateBurst int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.HealthFailureLimit <= 0 {
		c.HealthFailureLimit = defaultHealthFailureLimit
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = c.RateLimitPerMin
	}
	return c
}

// registration is the orchestrator's bookkeeping for one agent.
// All fields are guarded by the orchestrator mutex.
type registration struct {
	agent domain.Agent
	desc  domain.Descriptor

	state        domain.AgentState
	concurrent   int
	requestCount uint64
	errorCount   uint64

	registeredAt        time.Time
	lastHealthCheck     time.Time
	consecutiveFailures int

	// order is the registration sequence number, used to break
	// least-loaded ties deterministically.
	order int
}

func (r *registration) available() bool {
	if r.state != domain.StateReady && r.state != domain.StateDegraded {
		return false
	}
	return r.concurrent < r.desc.MaxConcurrency
}

func (r *registration) take() {
	r.concurrent++
	if r.state == domain.StateReady && r.concurrent >= r.desc.MaxConcurrency {
		r.state = domain.StateBusy
	}
}

func (r *registration) release() {
	if r.concurrent > 0 {
		r.concurrent--
	}
	if r.state == domain.StateBusy && r.concurrent < r.desc.MaxConcurrency {
		r.state = domain.StateReady
	}
}

func (r *registration) snapshot() domain.AgentSnapshot {
	rate := 1.0
	if r.requestCount > 0 {
		rate = float64(r.requestCount-r.errorCount) / float64(r.requestCount)
	}
	return domain.AgentSnapshot{
		AgentType:           r.desc.AgentType,
		Capabilities:        r.desc.Capabilities,
		State:               r.state,
		StateName:           r.state.String(),
		ConcurrentRequests:  r.concurrent,
		MaxConcurrency:      r.desc.MaxConcurrency,
		RequestCount:        r.requestCount,
		ErrorCount:          r.errorCount,
		SuccessRate:         rate,
		RegisteredAt:        r.registeredAt,
		LastHealthCheck:     r.lastHealthCheck,
		ConsecutiveFailures: r.consecutiveFailures,
	}
}

// Orchestrator routes requests to registered agents, enforces per-agent
// concurrency, and drives agent lifecycle. All dispatches run through the
// resilience engine, keyed by agent type.
type Orchestrator struct {
	mu           sync.Mutex
	agents       map[string]*registration
	rules        []domain.RoutingRule
	nextOrder    int
	shuttingDown bool

	// active maps trace IDs to dispatch cancel funcs so Shutdown can
	// tear down requests that outlive the grace period.
	active map[string]context.CancelFunc

	engine  *resilience.Engine
	limiter *rate.Limiter
	logger  *slog.Logger
	cfg     Config

	inflight sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates an orchestrator with an empty registry.
func New(cfg Config, engine *resilience.Engine, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		agents:  make(map[string]*registration),
		active:  make(map[string]context.CancelFunc),
		engine:  engine,
		logger:  logger,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if cfg.RateLimitPerMin > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60.0), cfg.RateBurst)
	}
	return o
}

func (o *Orchestrator) newID() string {
	o.idMu.Lock()
	defer o.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), o.entropy).String()
}

// Register adds an agent to the registry and initializes it. The type slot
// is reserved before Initialize runs so concurrent registrations of the
// same type cannot race; a failed Initialize releases the slot.
func (o *Orchestrator) Register(ctx context.Context, agent domain.Agent, desc domain.Descriptor) error {
	const op = "Orchestrator.Register"

	if desc.AgentType == "" {
		desc.AgentType = agent.Type()
	}
	if desc.AgentType != agent.Type() {
		return domain.NewDomainError(op, domain.ErrValidation,
			fmt.Sprintf("descriptor type %q does not match agent type %q", desc.AgentType, agent.Type()))
	}
	if desc.MaxConcurrency <= 0 {
		desc.MaxConcurrency = 1
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrShuttingDown, "")
	}
	if _, exists := o.agents[desc.AgentType]; exists {
		o.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrAgentDuplicate, desc.AgentType)
	}
	reg := &registration{
		agent:        agent,
		desc:         desc,
		state:        domain.StateInitializing,
		registeredAt: time.Now(),
		order:        o.nextOrder,
	}
	o.nextOrder++
	o.agents[desc.AgentType] = reg
	o.mu.Unlock()

	if err := agent.Initialize(ctx); err != nil {
		o.mu.Lock()
		delete(o.agents, desc.AgentType)
		o.mu.Unlock()
		o.logger.Error("agent initialization failed",
			"agent_type", desc.AgentType, "error", err)
		return domain.WrapOp(op, err)
	}

	o.mu.Lock()
	reg.state = domain.StateReady
	o.mu.Unlock()

	o.logger.Info("agent registered",
		"agent_type", desc.AgentType,
		"max_concurrency", desc.MaxConcurrency,
		"capabilities", desc.Capabilities,
	)
	return nil
}

// Unregister drains an agent and removes it from the registry. New requests
// stop routing to the agent immediately; in-flight requests get up to
// DrainTimeout to finish before Shutdown is invoked regardless.
func (o *Orchestrator) Unregister(ctx context.Context, agentType string) error {
	const op = "Orchestrator.Unregister"

	o.mu.Lock()
	reg, ok := o.agents[agentType]
	if !ok {
		o.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrAgentNotFound, agentType)
	}
	reg.state = domain.StateShuttingDown
	o.mu.Unlock()

	if !o.waitDrained(reg, o.cfg.DrainTimeout) {
		o.logger.Warn("drain timeout exceeded, forcing shutdown",
			"agent_type", agentType, "timeout", o.cfg.DrainTimeout.String())
	}

	err := reg.agent.Shutdown(ctx)
	if err != nil {
		o.logger.Error("agent shutdown returned error",
			"agent_type", agentType, "error", err)
	}

	o.mu.Lock()
	delete(o.agents, agentType)
	o.mu.Unlock()

	o.logger.Info("agent unregistered", "agent_type", agentType)
	return domain.WrapOp(op, err)
}

// waitDrained polls until the agent has no in-flight requests or the
// timeout elapses. Returns true when fully drained.
func (o *Orchestrator) waitDrained(reg *registration, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		o.mu.Lock()
		n := reg.concurrent
		o.mu.Unlock()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Dispatch routes a request to an agent and returns a structured response.
// Agent failures, routing failures, admission rejections, and panics all
// surface as a failed Response carrying a taxonomy code; Dispatch itself
// never returns an error.
func (o *Orchestrator) Dispatch(ctx context.Context, req domain.Request) *domain.Response {
	start := time.Now()
	if req.ID == "" {
		req.ID = o.newID()
	}
	traceID := o.newID()

	if o.limiter != nil && !o.limiter.Allow() {
		o.logger.Warn("dispatch rejected by rate limiter", "request_id", req.ID)
		return o.failureResponse(req, "", traceID, start,
			domain.NewDomainError("Orchestrator.Dispatch", domain.ErrRateLimit, ""))
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.dispatch")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("request.id", req.ID),
		tracer.StringAttr("request.agent_type", req.AgentType),
	)

	reg, err := o.acquire(req)
	if err != nil {
		tracer.RecordError(span, err)
		return o.failureResponse(req, req.AgentType, traceID, start, err)
	}
	agentType := reg.desc.AgentType
	span.SetAttributes(tracer.StringAttr("dispatch.agent_type", agentType))

	o.inflight.Add(1)
	var handlerCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		handlerCtx, cancel = context.WithCancel(ctx)
	}
	o.trackDispatch(traceID, cancel)

	defer func() {
		cancel()
		o.untrackDispatch(traceID)
		o.inflight.Done()
	}()

	result, err := o.engine.Execute(handlerCtx, "agent."+agentType,
		func(ctx context.Context) (any, error) {
			return o.safeHandle(ctx, reg.agent, req)
		})

	o.mu.Lock()
	reg.release()
	reg.requestCount++
	if err != nil {
		reg.errorCount++
	}
	o.mu.Unlock()

	if err != nil {
		tracer.RecordError(span, err)
		return o.failureResponse(req, agentType, traceID, start, err)
	}

	resp, ok := result.(*domain.Response)
	if !ok || resp == nil {
		resp = &domain.Response{}
	}
	resp.RequestID = req.ID
	resp.AgentType = agentType
	resp.Success = true
	resp.TraceID = traceID
	resp.Elapsed = time.Since(start)
	tracer.SetOK(span)
	return resp
}

// safeHandle invokes the agent handler with panic containment. A panicking
// agent yields an internal error instead of tearing down the dispatcher.
func (o *Orchestrator) safeHandle(ctx context.Context, agent domain.Agent, req domain.Request) (resp *domain.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("agent handler panicked",
				"agent_type", agent.Type(), "request_id", req.ID, "panic", r)
			resp = nil
			err = domain.NewDomainError("Agent.Handle", domain.ErrInternal,
				fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return agent.Handle(ctx, req)
}

func (o *Orchestrator) failureResponse(req domain.Request, agentType, traceID string, start time.Time, err error) *domain.Response {
	return &domain.Response{
		RequestID: req.ID,
		AgentType: agentType,
		Success:   false,
		ErrorCode: resilience.Classify(err),
		Message:   err.Error(),
		TraceID:   traceID,
		Elapsed:   time.Since(start),
	}
}

func (o *Orchestrator) trackDispatch(traceID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[traceID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrackDispatch(traceID string) {
	o.mu.Lock()
	delete(o.active, traceID)
	o.mu.Unlock()
}

// Status returns a snapshot of every registered agent.
func (o *Orchestrator) Status() map[string]domain.AgentSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]domain.AgentSnapshot, len(o.agents))
	for t, reg := range o.agents {
		out[t] = reg.snapshot()
	}
	return out
}

// AgentStatus returns the snapshot for a single agent type.
func (o *Orchestrator) AgentStatus(agentType string) (domain.AgentSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.agents[agentType]
	if !ok {
		return domain.AgentSnapshot{}, domain.NewDomainError("Orchestrator.AgentStatus", domain.ErrAgentNotFound, agentType)
	}
	return reg.snapshot(), nil
}

// Start launches the background health loop. Stops when ctx is cancelled
// or Shutdown is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.loopDone = make(chan struct{})
	go func() {
		defer close(o.loopDone)
		ticker := time.NewTicker(o.cfg.CheckInterval)
		defer ticker.Stop()
		o.logger.Info("health loop started", "interval", o.cfg.CheckInterval.String())
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.HealthCheck(ctx)
			}
		}
	}()
}

// HealthCheck probes every registered agent once and updates routing
// eligibility. An agent failing ProbeTimeout or reporting unhealthy is
// degraded; after HealthFailureLimit consecutive failures it is excluded
// from routing until a probe succeeds again. Returns the per-agent
// probe outcome keyed by agent type.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]bool {
	o.mu.Lock()
	regs := make([]*registration, 0, len(o.agents))
	for _, reg := range o.agents {
		if reg.state == domain.StateInitializing || reg.state == domain.StateShuttingDown {
			continue
		}
		regs = append(regs, reg)
	}
	o.mu.Unlock()

	results := make(map[string]bool, len(regs))
	for _, reg := range regs {
		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
		hs := reg.agent.Health(probeCtx)
		cancel()
		o.recordProbe(reg, hs)
		results[reg.desc.AgentType] = hs.Healthy
	}
	return results
}

func (o *Orchestrator) recordProbe(reg *registration, hs domain.HealthState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	reg.lastHealthCheck = time.Now()
	if reg.state == domain.StateShuttingDown {
		return
	}

	if hs.Healthy {
		recovered := reg.state == domain.StateError || reg.state == domain.StateDegraded
		reg.consecutiveFailures = 0
		if recovered {
			if reg.concurrent >= reg.desc.MaxConcurrency {
				reg.state = domain.StateBusy
			} else {
				reg.state = domain.StateReady
			}
			o.logger.Info("agent recovered", "agent_type", reg.desc.AgentType)
		}
		return
	}

	reg.consecutiveFailures++
	if reg.consecutiveFailures >= o.cfg.HealthFailureLimit {
		if reg.state != domain.StateError {
			o.logger.Error("agent excluded from routing",
				"agent_type", reg.desc.AgentType,
				"consecutive_failures", reg.consecutiveFailures,
				"message", hs.Message,
			)
		}
		reg.state = domain.StateError
		return
	}
	reg.state = domain.StateDegraded
	o.logger.Warn("agent health probe failed",
		"agent_type", reg.desc.AgentType,
		"consecutive_failures", reg.consecutiveFailures,
		"message", hs.Message,
	)
}

// Shutdown stops accepting new requests, waits up to ShutdownGrace for
// in-flight dispatches, then cancels stragglers and shuts every agent down.
// Idempotent; later calls return immediately.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil
	}
	o.shuttingDown = true
	o.mu.Unlock()

	o.stopOnce.Do(func() { close(o.stopCh) })
	if o.loopDone != nil {
		<-o.loopDone
	}

	o.logger.Info("orchestrator shutting down", "grace", o.cfg.ShutdownGrace.String())

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		o.mu.Lock()
		n := len(o.active)
		for _, cancel := range o.active {
			cancel()
		}
		o.mu.Unlock()
		o.logger.Warn("shutdown grace expired, cancelling dispatches", "remaining", n)
		<-done
	case <-ctx.Done():
		o.mu.Lock()
		for _, cancel := range o.active {
			cancel()
		}
		o.mu.Unlock()
		<-done
	}

	o.mu.Lock()
	regs := make([]*registration, 0, len(o.agents))
	for _, reg := range o.agents {
		reg.state = domain.StateShuttingDown
		regs = append(regs, reg)
	}
	o.agents = make(map[string]*registration)
	o.mu.Unlock()

	var firstErr error
	for _, reg := range regs {
		if err := reg.agent.Shutdown(ctx); err != nil {
			o.logger.Error("agent shutdown failed",
				"agent_type", reg.desc.AgentType, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	o.logger.Info("orchestrator stopped", "agents", len(regs))
	return domain.WrapOp("Orchestrator.Shutdown", firstErr)
}
