// Package resilience implements the circuit breaker that guards the AI
// oracle (spec §4.5). The state machine is structurally the teacher's
// (pkg/resilience/circuitbreaker.go: Closed/Open/HalfOpen, failure and
// success thresholds, a retry/reset timeout), generalized with a
// context-aware Execute that applies a hard per-call timeout and an
// explicit fallback instead of returning a bare "circuit open" error.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/miladsoft/zapai-dvm/pkg/logger"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Execute when the circuit is open and no fallback
// was supplied.
var ErrOpen = errors.New("circuit breaker open")

// Config holds the breaker's thresholds and timeouts.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	CallTimeout      time.Duration
	ResetTimeout     time.Duration
}

// DefaultConfig returns the spec §4.5 defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		CallTimeout:      55 * time.Second,
		ResetTimeout:     20 * time.Second,
	}
}

// Breaker is a three-state circuit breaker around a fallible operation.
type Breaker struct {
	cfg Config
	log *logger.Logger

	mu                    sync.Mutex
	state                 State
	consecutiveFail       int
	consecutiveOK         int
	openedAt              time.Time
	halfOpenProbeInFlight bool
	totalCalls            uint64
	totalFailures         uint64
	totalSuccesses        uint64
	totalShortCircuit     uint64
}

// New creates a Breaker in the Closed state.
func New(cfg Config, log *logger.Logger) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed, log: log}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow reports whether a call may proceed, transitioning Open->HalfOpen
// when the reset timeout has elapsed. Spec §4.5: HalfOpen admits a
// single probe call at a time — a second caller arriving while that
// probe is still in flight is short-circuited exactly like Open, rather
// than racing it to observe onSuccess/onFailure.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.consecutiveOK = 0
			b.halfOpenProbeInFlight = true
			b.log.Info("circuit half-open", "name", b.cfg.Name)
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.consecutiveFail = 0
	case StateHalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.consecutiveOK = 0
			b.log.Info("circuit closed", "name", b.cfg.Name)
		}
		b.halfOpenProbeInFlight = false
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++

	switch b.state {
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.log.Warn("circuit open", "name", b.cfg.Name, "failures", b.consecutiveFail)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.consecutiveOK = 0
		b.halfOpenProbeInFlight = false
		b.log.Warn("circuit reopened after half-open probe failure", "name", b.cfg.Name)
	}
}

// Execute runs fn under a hard per-call timeout. If the circuit is open,
// or fn fails or times out, fallback (if non-nil) supplies the result
// instead; if fallback is nil the error is propagated.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (string, error), fallback func() string) (string, error) {
	b.mu.Lock()
	b.totalCalls++
	b.mu.Unlock()

	if !b.allow() {
		b.mu.Lock()
		b.totalShortCircuit++
		b.mu.Unlock()
		b.log.Debug("circuit short-circuited call", "name", b.cfg.Name)
		if fallback != nil {
			return fallback(), nil
		}
		return "", ErrOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		text, err := fn(callCtx)
		resCh <- result{text, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			b.onFailure()
			if fallback != nil {
				return fallback(), nil
			}
			return "", r.err
		}
		b.onSuccess()
		return r.text, nil
	case <-callCtx.Done():
		b.onFailure()
		if fallback != nil {
			return fallback(), nil
		}
		return "", callCtx.Err()
	}
}

// Metrics returns a snapshot of counters for the StatsProvider surface.
func (b *Breaker) Metrics() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"name":               b.cfg.Name,
		"state":              string(b.state),
		"total_calls":        b.totalCalls,
		"total_failures":     b.totalFailures,
		"total_successes":    b.totalSuccesses,
		"total_shortcircuit": b.totalShortCircuit,
		"consecutive_fail":   b.consecutiveFail,
	}
}
