// Package circuitbreaker guards the delivery providers. When SES or SNS
// starts failing, dispatch stops hitting the provider and notifications go
// back to the queue instead of burning their one send attempt on an outage.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position. Closed passes sends through. Open fails
// them fast with ErrCircuitOpen. HalfOpen admits a limited number of trial
// sends whose outcome decides whether the provider recovered.
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

// ErrCircuitOpen is the fail-fast error for an open breaker. The dispatcher
// treats it as provider downtime, not delivery failure: the notification is
// requeued rather than marked failed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes one breaker. Name shows up in logs and stats; by convention
// it names the provider the breaker guards ("ses", "sns").
type Config struct {
	Name                string
	MaxFailures         int           // consecutive failures that trip the breaker
	RecoveryTimeout     time.Duration // how long Open lasts before trial sends begin
	HalfOpenMaxRequests int           // trial sends admitted while half-open
}

// DefaultConfig trips after 5 consecutive failures and probes the provider
// again every 30 seconds with a single trial send.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// tally holds lifetime counters surfaced through Stats.
type tally struct {
	requests  int64
	successes int64
	failures  int64
	rejected  int64
}

// CircuitBreaker tracks consecutive provider failures and decides whether a
// send may go out. Safe for concurrent use by the email and SMS dispatch
// loops sharing one provider.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state       State
	consecutive int // failures since the last success
	trialsUsed  int // sends admitted since entering half-open
	lastFailure time.Time
	changedAt   time.Time
	totals      tally
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{
		config:    cfg,
		logger:    logger,
		state:     StateClosed,
		changedAt: time.Now(),
	}

	logger.Info("circuit breaker guarding provider",
		zap.String("provider", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Allow reports whether a send may go out to the provider right now. An open
// breaker starts admitting trial sends once the recovery timeout has passed
// since the failure that tripped it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailure) < cb.config.RecoveryTimeout {
			cb.totals.rejected++
			return false
		}
		cb.become(StateHalfOpen)
		cb.trialsUsed = 1
		cb.logger.Info("admitting trial send",
			zap.String("provider", cb.config.Name),
		)
		return true

	case StateHalfOpen:
		if cb.trialsUsed >= cb.config.HalfOpenMaxRequests {
			cb.totals.rejected++
			return false
		}
		cb.trialsUsed++
		return true

	default:
		return false
	}
}

// RecordSuccess notes a provider success. A successful trial send closes the
// breaker and normal dispatch resumes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.successes++
	cb.consecutive = 0

	if cb.state == StateHalfOpen {
		cb.become(StateClosed)
		cb.logger.Info("provider recovered, circuit closed",
			zap.String("provider", cb.config.Name),
		)
	}
}

// RecordFailure notes a provider failure. While closed, the breaker trips
// once MaxFailures consecutive sends have failed; a failed trial send
// reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.failures++
	cb.consecutive++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.consecutive >= cb.config.MaxFailures {
			cb.become(StateOpen)
			cb.logger.Warn("circuit opened, provider failing",
				zap.String("provider", cb.config.Name),
				zap.Int("consecutive_failures", cb.consecutive),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.become(StateOpen)
		cb.logger.Warn("trial send failed, circuit reopened",
			zap.String("provider", cb.config.Name),
		)
	}
}

// GetState returns the current breaker position.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a point-in-time snapshot of one breaker for monitoring.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.consecutive,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}

	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}

	return s
}

// Reset forces the breaker closed. Operator override for when a provider
// outage is known to be over.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.become(StateClosed)
	cb.consecutive = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("provider", cb.config.Name),
	)
}

// become changes state. Caller must hold the lock.
func (cb *CircuitBreaker) become(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.changedAt = time.Now()
	cb.trialsUsed = 0

	cb.logger.Debug("circuit breaker state change",
		zap.String("provider", cb.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("%s breaker: state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.consecutive, cb.config.MaxFailures)
}
