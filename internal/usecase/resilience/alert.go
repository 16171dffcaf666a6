package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaycore/internal/domain"
)

// Alert is emitted when a taxonomy code crosses its sliding-window
// threshold. Alerting is independent of retry and breaker outcomes.
type Alert struct {
	Severity        Severity         `json:"severity"`
	Code            domain.ErrorCode `json:"code"`
	Message         string           `json:"message"`
	Count           int              `json:"count"`
	FirstOccurrence time.Time        `json:"first_occurrence"`
	LastOccurrence  time.Time        `json:"last_occurrence"`
}

// AlertThreshold configures alerting for one error code.
type AlertThreshold struct {
	Threshold int
	Window    time.Duration
	Severity  Severity
}

// alerter watches the error history and fans alerts out to callbacks.
type alerter struct {
	mu         sync.Mutex
	thresholds map[domain.ErrorCode]AlertThreshold
	callbacks  []func(Alert)
	history    *history
	logger     *slog.Logger
}

func newAlerter(history *history, logger *slog.Logger) *alerter {
	return &alerter{
		thresholds: make(map[domain.ErrorCode]AlertThreshold),
		history:    history,
		logger:     logger,
	}
}

func (a *alerter) setThreshold(code domain.ErrorCode, t AlertThreshold) {
	if t.Window <= 0 {
		t.Window = 5 * time.Minute
	}
	if t.Severity == "" {
		t.Severity = SeverityMedium
	}
	a.mu.Lock()
	a.thresholds[code] = t
	a.mu.Unlock()
}

func (a *alerter) register(fn func(Alert)) {
	a.mu.Lock()
	a.callbacks = append(a.callbacks, fn)
	a.mu.Unlock()
}

// check evaluates the threshold for code after a new error at now, firing
// callbacks when crossed. Callback panics are contained so one bad
// subscriber cannot take down the dispatch path.
func (a *alerter) check(code domain.ErrorCode, now time.Time) {
	a.mu.Lock()
	t, ok := a.thresholds[code]
	callbacks := make([]func(Alert), len(a.callbacks))
	copy(callbacks, a.callbacks)
	a.mu.Unlock()
	if !ok {
		return
	}

	count, first := a.history.countSince(code, now.Add(-t.Window))
	if count < t.Threshold {
		return
	}

	alert := Alert{
		Severity: t.Severity,
		Code:     code,
		Message: fmt.Sprintf("error threshold exceeded: %d %s errors in %s",
			count, code, t.Window),
		Count:           count,
		FirstOccurrence: first,
		LastOccurrence:  now,
	}

	a.logger.Warn("error alert triggered",
		"code", string(code),
		"severity", string(alert.Severity),
		"count", count,
		"window", t.Window.String(),
	)

	for _, cb := range callbacks {
		a.fire(cb, alert)
	}
}

func (a *alerter) fire(cb func(Alert), alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("alert callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	cb(alert)
}
