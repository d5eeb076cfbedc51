// Package circuitbreaker guards calls to external channels so an outage
// fails fast instead of stalling hub sends.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
)

// State of a breaker.
//
//	Closed   -> Open      after FailureThreshold consecutive failures
//	Open     -> HalfOpen  once OpenTimeout has passed since the last failure
//	HalfOpen -> Closed    when a trial call succeeds
//	HalfOpen -> Open      when a trial call fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling through while the breaker rejects.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	Name             string
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenTrials   int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenTrials:   1,
	}
}

// Counts are lifetime totals. Rejected calls count as requests.
type Counts struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`
}

type CircuitBreaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int
	lastFailure time.Time
	changedAt   time.Time
	trials      int
	counts      Counts
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = def.HalfOpenTrials
	}

	cb := &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
	cb.changedAt = cb.now()
	metrics.SetCircuitState(cfg.Name, int(StateClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow reports whether a call may go through. Every true result must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Requests++
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.OpenTimeout {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.trials < cb.cfg.HalfOpenTrials {
			cb.trials++
			return true
		}
	}
	cb.counts.Rejected++
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Successes++
	cb.consecutive = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Failures++
	cb.consecutive++
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.consecutive >= cb.cfg.FailureThreshold) {
		cb.setState(StateOpen)
	}
}

// Do runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.cfg.Name)
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State does not advance an expired open breaker; only Allow does.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Counts              Counts    `json:"counts"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	ChangedAt           time.Time `json:"changed_at"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:                cb.cfg.Name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutive,
		Counts:              cb.counts,
		LastFailure:         cb.lastFailure,
		ChangedAt:           cb.changedAt,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	cb.setState(StateClosed)
}

// caller holds cb.mu
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.now()
	cb.trials = 0
	metrics.SetCircuitState(cb.cfg.Name, int(next))

	fields := []zap.Field{
		zap.String("name", cb.cfg.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	}
	if next == StateOpen {
		cb.logger.Warn("circuit breaker opened", append(fields, zap.Int("consecutive_failures", cb.consecutive))...)
		return
	}
	cb.logger.Info("circuit breaker state changed", fields...)
}
