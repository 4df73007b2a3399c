// Package resilience implements the CircuitBreaker described in
// spec.md §4.4: a sliding bucketed statistics window feeding a
// pluggable trip strategy, recovery gated by a pluggable recovery
// strategy, and a named registry capping total instances.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hybridcmd/core/internal/corerr"
	"github.com/hybridcmd/core/internal/domain"
)

// TripStrategy decides when a Closed circuit should open.
type TripStrategy string

const (
	TripFailureRate         TripStrategy = "failure_rate"
	TripResponseTime        TripStrategy = "response_time"
	TripConsecutiveFailures TripStrategy = "consecutive_failures"
	TripConcurrency         TripStrategy = "concurrency"
)

// RecoveryStrategy decides when an Open circuit may try HalfOpen, and
// when HalfOpen may close again.
type RecoveryStrategy string

const (
	RecoveryTimeBased    RecoveryStrategy = "time_based"
	RecoveryExponential  RecoveryStrategy = "exponential"
	RecoveryAdaptive     RecoveryStrategy = "adaptive"
	RecoverySuccessBased RecoveryStrategy = "success_based"
)

// Config tunes one CircuitBreaker instance.
type Config struct {
	Trip     TripStrategy
	Recovery RecoveryStrategy

	FailureThreshold float64       // FailureRate: failures/total ratio to trip
	ResponseTimeMax  time.Duration // ResponseTime: avg response time to trip
	ConsecutiveMax   int           // ConsecutiveFailures: streak length to trip
	MaxConcurrent    int           // Concurrency: in-flight requests to trip

	MinimumRequests  int // FailureRate: minimum sample size before it can trip
	RecoveryTimeout  time.Duration
	HalfOpenRequests int // successes needed in HalfOpen to close

	WindowDuration time.Duration
	MaxBuckets     int
}

// DefaultConfig mirrors config.CircuitDefaultConfig's zero-value
// translation.
func DefaultConfig() Config {
	return Config{
		Trip:             TripFailureRate,
		Recovery:         RecoveryTimeBased,
		FailureThreshold: 0.5,
		MinimumRequests:  10,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 3,
		WindowDuration:   time.Minute,
		MaxBuckets:       10,
		MaxConcurrent:    100,
		ConsecutiveMax:   5,
		ResponseTimeMax:  2 * time.Second,
	}
}

// transition is one ring-buffered state-change record.
type transition struct {
	From   domain.CircuitLifecycleState
	To     domain.CircuitLifecycleState
	Reason string
	At     time.Time
}

const maxHistoryEntries = 100

// metrics tracks circuit lifecycle transitions and rejected calls
// across every breaker sharing one Registerer, labeled by circuit
// name so a single registration serves the whole registry.
type metrics struct {
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "circuitbreaker_transitions_total"}, []string{"name", "to"}),
		rejected:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "circuitbreaker_rejected_total"}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.rejected)
	}
	return m
}

// CircuitBreaker guards a single protected operation. It is safe for
// concurrent use.
type CircuitBreaker struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	mu               sync.RWMutex
	state            domain.CircuitLifecycleState
	generation       uint64
	stats            *window
	consecutiveFails int
	activeRequests   int64
	halfOpenSuccess  int
	openCount        int // feeds Exponential recovery
	lastOpenedAt     time.Time
	history          []transition
}

// New builds a standalone CircuitBreaker named name, with its own
// unshared metrics registration. reg may be nil to skip metrics.
// Breakers created through a Registry share one registration instead;
// see newWithMetrics.
func New(name string, cfg Config, logger *slog.Logger, reg prometheus.Registerer) *CircuitBreaker {
	return newWithMetrics(name, cfg, logger, newMetrics(reg))
}

func newWithMetrics(name string, cfg Config, logger *slog.Logger, m *metrics) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = 10
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		state:   domain.CircuitClosed,
		stats:   newWindow(cfg.MaxBuckets, cfg.WindowDuration),
	}
}

// Execute runs op unless the circuit refuses, in which case it
// returns a CircuitOpen error without calling op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	start := time.Now()
	var opErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				opErr = fmt.Errorf("operation panicked: %v", r)
			}
		}()
		opErr = op(ctx)
	}()
	elapsed := time.Since(start)

	if opErr != nil {
		cb.onFailure(generation, elapsed)
		return opErr
	}
	cb.onSuccess(generation, elapsed)
	return nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case domain.CircuitClosed:
		cb.activeRequests++
		if cb.cfg.Trip == TripConcurrency && cb.activeRequests >= int64(cb.cfg.MaxConcurrent) {
			cb.toOpen("concurrency limit reached")
			cb.activeRequests--
			return 0, cb.openErr()
		}
		return cb.generation, nil

	case domain.CircuitOpen:
		if cb.recoveryDue() {
			cb.toHalfOpen("recovery window elapsed")
			cb.activeRequests++
			return cb.generation, nil
		}
		return 0, cb.openErr()

	case domain.CircuitHalfOpen:
		if cb.activeRequests >= int64(cb.cfg.HalfOpenRequests) {
			return 0, cb.openErr()
		}
		cb.activeRequests++
		return cb.generation, nil

	default:
		return 0, corerr.Internal("circuitbreaker.execute", cb.name, fmt.Errorf("unknown state %s", cb.state))
	}
}

func (cb *CircuitBreaker) openErr() error {
	cb.metrics.rejected.WithLabelValues(cb.name).Inc()
	return corerr.New(corerr.KindCircuitOpen, "circuitbreaker.execute", cb.name, fmt.Errorf("circuit %s is %s", cb.name, cb.state))
}

func (cb *CircuitBreaker) onSuccess(generation uint64, elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if generation != cb.generation {
		return
	}
	cb.activeRequests--
	cb.stats.record(true, elapsed)
	cb.consecutiveFails = 0

	if cb.state == domain.CircuitHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenRequests {
			cb.toClosed("half-open success threshold reached")
		}
	}
}

func (cb *CircuitBreaker) onFailure(generation uint64, elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if generation != cb.generation {
		return
	}
	cb.activeRequests--
	cb.stats.record(false, elapsed)
	cb.consecutiveFails++

	switch cb.state {
	case domain.CircuitClosed:
		if cb.shouldTrip() {
			cb.toOpen("trip condition met")
		}
	case domain.CircuitHalfOpen:
		cb.toOpen("failure during half-open")
	}
}

// shouldTrip evaluates the configured TripStrategy against the
// current sliding window. Caller holds cb.mu.
func (cb *CircuitBreaker) shouldTrip() bool {
	total, success, failures, avgRT, _, _ := cb.stats.summary()
	switch cb.cfg.Trip {
	case TripFailureRate:
		if total < int64(cb.cfg.MinimumRequests) {
			return false
		}
		return float64(failures)/float64(total) >= cb.cfg.FailureThreshold
	case TripResponseTime:
		return avgRT >= cb.cfg.ResponseTimeMax
	case TripConsecutiveFailures:
		return cb.consecutiveFails >= cb.cfg.ConsecutiveMax
	case TripConcurrency:
		return cb.activeRequests >= int64(cb.cfg.MaxConcurrent)
	default:
		_ = success
		return false
	}
}

// recoveryDue evaluates the configured RecoveryStrategy. Caller holds
// cb.mu.
func (cb *CircuitBreaker) recoveryDue() bool {
	wait := cb.cfg.RecoveryTimeout
	switch cb.cfg.Recovery {
	case RecoveryExponential:
		mult := int64(1)
		for i := 0; i < cb.openCount && i < 10; i++ {
			mult *= 2
		}
		wait = cb.cfg.RecoveryTimeout * time.Duration(mult)
	case RecoveryAdaptive:
		total, _, failures, _, _, _ := cb.stats.summary()
		rate := 0.0
		if total > 0 {
			rate = float64(failures) / float64(total)
		}
		wait = time.Duration(float64(cb.cfg.RecoveryTimeout) * (1 + rate))
	case RecoverySuccessBased, RecoveryTimeBased:
		// fall through to the plain timeout
	}
	return time.Since(cb.lastOpenedAt) >= wait
}

func (cb *CircuitBreaker) toOpen(reason string) {
	cb.recordTransition(domain.CircuitOpen, reason)
	cb.state = domain.CircuitOpen
	cb.generation++
	cb.openCount++
	cb.lastOpenedAt = time.Now()
	cb.consecutiveFails = 0
}

func (cb *CircuitBreaker) toHalfOpen(reason string) {
	cb.recordTransition(domain.CircuitHalfOpen, reason)
	cb.state = domain.CircuitHalfOpen
	cb.generation++
	cb.halfOpenSuccess = 0
	cb.activeRequests = 0
}

func (cb *CircuitBreaker) toClosed(reason string) {
	cb.recordTransition(domain.CircuitClosed, reason)
	cb.state = domain.CircuitClosed
	cb.generation++
	cb.openCount = 0
	cb.consecutiveFails = 0
	cb.halfOpenSuccess = 0
}

func (cb *CircuitBreaker) recordTransition(to domain.CircuitLifecycleState, reason string) {
	if cb.state == to {
		return
	}
	t := transition{From: cb.state, To: to, Reason: reason, At: time.Now()}
	cb.history = append(cb.history, t)
	if len(cb.history) > maxHistoryEntries {
		cb.history = cb.history[len(cb.history)-maxHistoryEntries:]
	}
	cb.metrics.transitions.WithLabelValues(cb.name, string(to)).Inc()
	cb.logger.Info("circuit breaker state change", "name", cb.name, "from", t.From, "to", t.To, "reason", reason)
}

// Trip, Reset, and HalfOpen are the manual override operations from
// spec §4.4: they force a transition with an explicit reason tag
// regardless of the configured strategies.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toOpen("manual: " + reason)
}

func (cb *CircuitBreaker) Reset(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toClosed("manual: " + reason)
}

func (cb *CircuitBreaker) HalfOpen(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toHalfOpen("manual: " + reason)
}

// State returns the circuit's current lifecycle state.
func (cb *CircuitBreaker) State() domain.CircuitLifecycleState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// History returns a copy of the ring-buffered transition log.
func (cb *CircuitBreaker) History() []transition {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]transition, len(cb.history))
	copy(out, cb.history)
	return out
}

// Stats reports the current sliding-window summary:
// (total, success, failures, avgResponseTime, max, min).
func (cb *CircuitBreaker) Stats() (int64, int64, int64, time.Duration, time.Duration, time.Duration) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stats.summary()
}
