package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaycore/internal/domain"
	"relaycore/internal/usecase/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := testLogger()
	return New(Config{
		CheckInterval: time.Hour, // background loop not exercised in tests
		DrainTimeout:  200 * time.Millisecond,
		ShutdownGrace: 200 * time.Millisecond,
		ProbeTimeout:  time.Second,
	}, resilience.NewEngine(logger), logger)
}

// stubAgent is a configurable in-memory agent for registry and routing tests.
type stubAgent struct {
	agentType string
	initErr   error
	handle    func(ctx context.Context, req domain.Request) (*domain.Response, error)
	healthy   atomic.Bool

	handled  atomic.Int64
	shutdown atomic.Bool
}

func newStubAgent(agentType string) *stubAgent {
	a := &stubAgent{agentType: agentType}
	a.healthy.Store(true)
	return a
}

func (a *stubAgent) Type() string { return a.agentType }

func (a *stubAgent) Initialize(ctx context.Context) error { return a.initErr }

func (a *stubAgent) Handle(ctx context.Context, req domain.Request) (*domain.Response, error) {
	a.handled.Add(1)
	if a.handle != nil {
		return a.handle(ctx, req)
	}
	return &domain.Response{Output: []string{"handled by " + a.agentType}}, nil
}

func (a *stubAgent) Health(ctx context.Context) domain.HealthState {
	if a.healthy.Load() {
		return domain.HealthState{Healthy: true}
	}
	return domain.HealthState{Healthy: false, Message: "probe failed"}
}

func (a *stubAgent) Shutdown(ctx context.Context) error {
	a.shutdown.Store(true)
	return nil
}

func register(t *testing.T, o *Orchestrator, a *stubAgent, maxConcurrency int) {
	t.Helper()
	err := o.Register(context.Background(), a, domain.Descriptor{
		AgentType:      a.agentType,
		MaxConcurrency: maxConcurrency,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", a.agentType, err)
	}
}

// noRetry removes retry delays for an agent so failure tests stay fast.
func noRetry(o *Orchestrator, agentType string) {
	o.engine.SetRetryPolicy("agent."+agentType, resilience.RetryPolicy{
		MaxRetries: 0,
		Strategy:   resilience.Immediate,
	})
}

func TestRegisterDuplicate(t *testing.T) {
	o := newTestOrchestrator(t)
	register(t, o, newStubAgent("echo"), 1)

	err := o.Register(context.Background(), newStubAgent("echo"), domain.Descriptor{AgentType: "echo"})
	if !errors.Is(err, domain.ErrAgentDuplicate) {
		t.Fatalf("expected ErrAgentDuplicate, got %v", err)
	}
}

func TestRegisterInitializeFailure(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("flaky")
	a.initErr = errors.New("no upstream")

	if err := o.Register(context.Background(), a, domain.Descriptor{AgentType: "flaky"}); err == nil {
		t.Fatal("expected Register to fail")
	}
	// A failed Initialize must release the type slot.
	a.initErr = nil
	register(t, o, a, 1)
}

func TestRegisterTypeMismatch(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.Register(context.Background(), newStubAgent("echo"), domain.Descriptor{AgentType: "other"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDispatchDirectRoute(t *testing.T) {
	o := newTestOrchestrator(t)
	echo := newStubAgent("echo")
	other := newStubAgent("other")
	register(t, o, echo, 2)
	register(t, o, other, 2)

	// A rule pointing elsewhere must lose to the explicit type.
	if err := o.AddRule(domain.RoutingRule{
		Name: "all", TargetType: "other", Priority: 100, Keywords: []string{"hello"},
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	resp := o.Dispatch(context.Background(), domain.Request{AgentType: "echo", Prompt: "hello"})
	if !resp.Success {
		t.Fatalf("dispatch failed: %s %s", resp.ErrorCode, resp.Message)
	}
	if resp.AgentType != "echo" {
		t.Errorf("routed to %q, want echo", resp.AgentType)
	}
	if resp.TraceID == "" {
		t.Error("expected non-empty trace ID")
	}
	if other.handled.Load() != 0 {
		t.Error("rule target handled a directly-routed request")
	}
}

func TestDispatchRulePriority(t *testing.T) {
	o := newTestOrchestrator(t)
	low := newStubAgent("low")
	high := newStubAgent("high")
	register(t, o, low, 2)
	register(t, o, high, 2)

	for _, rule := range []domain.RoutingRule{
		{Name: "low", TargetType: "low", Priority: 1, Keywords: []string{"report"}},
		{Name: "high", TargetType: "high", Priority: 10, Keywords: []string{"report"}},
	} {
		if err := o.AddRule(rule); err != nil {
			t.Fatalf("AddRule(%s): %v", rule.Name, err)
		}
	}

	resp := o.Dispatch(context.Background(), domain.Request{Prompt: "run the Report now"})
	if resp.AgentType != "high" {
		t.Fatalf("routed to %q, want high (priority 10 beats 1)", resp.AgentType)
	}
}

func TestDispatchRuleMetadataMatch(t *testing.T) {
	o := newTestOrchestrator(t)
	register(t, o, newStubAgent("billing"), 2)
	register(t, o, newStubAgent("misc"), 2)

	if err := o.AddRule(domain.RoutingRule{
		Name: "billing", TargetType: "billing", Priority: 5,
		Metadata: map[string]string{"team": "billing"},
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	resp := o.Dispatch(context.Background(), domain.Request{
		Prompt:   "anything",
		Metadata: map[string]string{"team": "billing"},
	})
	if resp.AgentType != "billing" {
		t.Fatalf("routed to %q, want billing", resp.AgentType)
	}
}

func TestDispatchLeastLoaded(t *testing.T) {
	o := newTestOrchestrator(t)
	busy := newStubAgent("busy")
	idle := newStubAgent("idle")
	register(t, o, busy, 4)
	register(t, o, idle, 4)

	release := make(chan struct{})
	busy.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		<-release
		return &domain.Response{}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Dispatch(context.Background(), domain.Request{AgentType: "busy"})
	}()

	// Wait for the blocking dispatch to occupy a slot.
	waitFor(t, func() bool {
		st, err := o.AgentStatus("busy")
		return err == nil && st.ConcurrentRequests == 1
	})

	resp := o.Dispatch(context.Background(), domain.Request{Prompt: "no rule matches this"})
	if resp.AgentType != "idle" {
		t.Errorf("routed to %q, want idle (least loaded)", resp.AgentType)
	}

	close(release)
	wg.Wait()
}

func TestDispatchUnknownType(t *testing.T) {
	o := newTestOrchestrator(t)
	resp := o.Dispatch(context.Background(), domain.Request{AgentType: "ghost"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.ErrorCode != domain.CodeAgentNotFound {
		t.Errorf("code = %s, want %s", resp.ErrorCode, domain.CodeAgentNotFound)
	}
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("capped")
	const maxConc = 3

	var current, peak atomic.Int64
	release := make(chan struct{})
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return &domain.Response{}, nil
	}
	register(t, o, a, maxConc)

	var wg sync.WaitGroup
	var rejected atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := o.Dispatch(context.Background(), domain.Request{AgentType: "capped"})
			if !resp.Success {
				rejected.Add(1)
			}
		}()
	}

	// Handlers block until release, so every goroutine either holds one of
	// the maxConc slots or has been rejected before any slot frees up.
	waitFor(t, func() bool {
		return current.Load() == maxConc && rejected.Load() == 10-maxConc
	})
	close(release)
	wg.Wait()

	if p := peak.Load(); p > maxConc {
		t.Errorf("peak concurrency %d exceeded limit %d", p, maxConc)
	}
}

func TestDispatchOverCapacityReturnsBusy(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("solo")
	release := make(chan struct{})
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		<-release
		return &domain.Response{}, nil
	}
	register(t, o, a, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Dispatch(context.Background(), domain.Request{AgentType: "solo"})
	}()
	waitFor(t, func() bool {
		st, err := o.AgentStatus("solo")
		return err == nil && st.ConcurrentRequests == 1
	})

	resp := o.Dispatch(context.Background(), domain.Request{AgentType: "solo"})
	if resp.ErrorCode != domain.CodeAgentBusy {
		t.Errorf("code = %s, want %s", resp.ErrorCode, domain.CodeAgentBusy)
	}

	close(release)
	wg.Wait()
}

func TestDispatchErrorTaxonomy(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("strict")
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		return nil, domain.NewDomainError("Agent.Handle", domain.ErrValidation, "prompt is empty")
	}
	register(t, o, a, 1)
	noRetry(o, "strict")

	resp := o.Dispatch(context.Background(), domain.Request{AgentType: "strict"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.ErrorCode != domain.CodeValidation {
		t.Errorf("code = %s, want %s", resp.ErrorCode, domain.CodeValidation)
	}
	if resp.TraceID == "" {
		t.Error("failed response must still carry a trace ID")
	}
	if resp.Message == "" {
		t.Error("failed response must carry a message")
	}
}

func TestDispatchPanicContained(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("panicky")
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		panic("boom")
	}
	register(t, o, a, 1)
	noRetry(o, "panicky")

	resp := o.Dispatch(context.Background(), domain.Request{AgentType: "panicky"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.ErrorCode != domain.CodeInternal {
		t.Errorf("code = %s, want %s", resp.ErrorCode, domain.CodeInternal)
	}

	// The slot must be released after a panic.
	st, err := o.AgentStatus("panicky")
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if st.ConcurrentRequests != 0 {
		t.Errorf("concurrent = %d after panic, want 0", st.ConcurrentRequests)
	}
}

func TestDispatchTimeout(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("slow")
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &domain.Response{}, nil
		}
	}
	register(t, o, a, 1)
	noRetry(o, "slow")

	resp := o.Dispatch(context.Background(), domain.Request{
		AgentType: "slow",
		Timeout:   20 * time.Millisecond,
	})
	if resp.Success {
		t.Fatal("expected timeout failure")
	}
	if resp.ErrorCode != domain.CodeTimeout {
		t.Errorf("code = %s, want %s", resp.ErrorCode, domain.CodeTimeout)
	}
}

func TestHealthCheckExcludesAndRecovers(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("wobbly")
	register(t, o, a, 1)

	a.healthy.Store(false)
	ctx := context.Background()

	// Two failures: degraded but still routable.
	o.HealthCheck(ctx)
	o.HealthCheck(ctx)
	st, _ := o.AgentStatus("wobbly")
	if st.State != domain.StateDegraded {
		t.Fatalf("state after 2 failures = %s, want degraded", st.StateName)
	}
	if resp := o.Dispatch(ctx, domain.Request{AgentType: "wobbly"}); !resp.Success {
		t.Fatalf("degraded agent should still serve: %s", resp.Message)
	}

	// Third failure excludes the agent.
	o.HealthCheck(ctx)
	st, _ = o.AgentStatus("wobbly")
	if st.State != domain.StateError {
		t.Fatalf("state after 3 failures = %s, want error", st.StateName)
	}
	if st.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures = %d, want 3", st.ConsecutiveFailures)
	}
	if resp := o.Dispatch(ctx, domain.Request{AgentType: "wobbly"}); resp.Success {
		t.Fatal("excluded agent must not serve")
	}

	// One healthy probe restores routing.
	a.healthy.Store(true)
	if results := o.HealthCheck(ctx); !results["wobbly"] {
		t.Fatalf("probe results = %v, want wobbly healthy", results)
	}
	st, _ = o.AgentStatus("wobbly")
	if st.State != domain.StateReady {
		t.Fatalf("state after recovery = %s, want ready", st.StateName)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d after recovery, want 0", st.ConsecutiveFailures)
	}
	if resp := o.Dispatch(ctx, domain.Request{AgentType: "wobbly"}); !resp.Success {
		t.Fatalf("recovered agent should serve: %s", resp.Message)
	}
}

func TestUnregisterDrains(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("draining")
	release := make(chan struct{})
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		<-release
		return &domain.Response{}, nil
	}
	register(t, o, a, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp := o.Dispatch(context.Background(), domain.Request{AgentType: "draining"})
		if !resp.Success {
			t.Errorf("in-flight request failed during drain: %s", resp.Message)
		}
	}()
	waitFor(t, func() bool {
		st, err := o.AgentStatus("draining")
		return err == nil && st.ConcurrentRequests == 1
	})

	// Release the handler shortly after Unregister starts draining.
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()

	if err := o.Unregister(context.Background(), "draining"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	wg.Wait()

	if !a.shutdown.Load() {
		t.Error("agent Shutdown not called")
	}
	if _, err := o.AgentStatus("draining"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("agent still registered after Unregister: %v", err)
	}
}

func TestUnregisterForcesAfterDrainTimeout(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("stuck")
	release := make(chan struct{})
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		<-release
		return &domain.Response{}, nil
	}
	register(t, o, a, 1)
	defer close(release)

	go o.Dispatch(context.Background(), domain.Request{AgentType: "stuck"})
	waitFor(t, func() bool {
		st, err := o.AgentStatus("stuck")
		return err == nil && st.ConcurrentRequests == 1
	})

	start := time.Now()
	if err := o.Unregister(context.Background(), "stuck"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if elapsed := time.Since(start); elapsed < o.cfg.DrainTimeout {
		t.Errorf("Unregister returned in %s, before drain timeout %s", elapsed, o.cfg.DrainTimeout)
	}
	if !a.shutdown.Load() {
		t.Error("agent Shutdown not called after forced drain")
	}
}

func TestShutdownRejectsNewDispatches(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("echo")
	register(t, o, a, 1)

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !a.shutdown.Load() {
		t.Error("agent Shutdown not called")
	}

	resp := o.Dispatch(context.Background(), domain.Request{AgentType: "echo"})
	if resp.Success {
		t.Fatal("dispatch after shutdown must fail")
	}

	// Idempotent.
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestRateLimitRejection(t *testing.T) {
	logger := testLogger()
	o := New(Config{
		CheckInterval:   time.Hour,
		RateLimitPerMin: 60,
		RateBurst:       2,
	}, resilience.NewEngine(logger), logger)
	register(t, o, newStubAgent("echo"), 10)

	var limited int
	for i := 0; i < 5; i++ {
		resp := o.Dispatch(context.Background(), domain.Request{AgentType: "echo"})
		if !resp.Success && resp.ErrorCode == domain.CodeRateLimit {
			limited++
		}
	}
	if limited == 0 {
		t.Error("expected at least one rate-limited dispatch beyond the burst")
	}
}

func TestAddRuleValidation(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.AddRule(domain.RoutingRule{Name: "no-target", Keywords: []string{"x"}}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing target: got %v, want ErrValidation", err)
	}
	if err := o.AddRule(domain.RoutingRule{Name: "no-match", TargetType: "echo"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty matchers: got %v, want ErrValidation", err)
	}
}

func TestStatusCounters(t *testing.T) {
	o := newTestOrchestrator(t)
	a := newStubAgent("counted")
	fail := atomic.Bool{}
	a.handle = func(ctx context.Context, req domain.Request) (*domain.Response, error) {
		if fail.Load() {
			return nil, domain.NewDomainError("Agent.Handle", domain.ErrValidation, "bad input")
		}
		return &domain.Response{}, nil
	}
	register(t, o, a, 1)
	noRetry(o, "counted")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		o.Dispatch(ctx, domain.Request{AgentType: "counted"})
	}
	fail.Store(true)
	o.Dispatch(ctx, domain.Request{AgentType: "counted"})

	st, err := o.AgentStatus("counted")
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if st.RequestCount != 4 {
		t.Errorf("request count = %d, want 4", st.RequestCount)
	}
	if st.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", st.ErrorCount)
	}
	if want := 0.75; st.SuccessRate != want {
		t.Errorf("success rate = %v, want %v", st.SuccessRate, want)
	}
}
// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
