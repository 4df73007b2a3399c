// Package corerr defines the typed error kinds shared by every core
// subsystem (event bus, state synchronizer, router, resilience layer,
// result integrator).
package corerr

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Kind classifies an Error per the propagation policy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindCircuitOpen Kind = "circuit_open"
	KindTimeout    Kind = "timeout"
	KindCapacity   Kind = "capacity"
	KindStorage    Kind = "storage"
	KindInternal   Kind = "internal"
)

// Error is the common envelope carried by every operation that can
// fail. It always records which kind of failure occurred, which
// operation was running, and a correlation identifier (decisionId,
// eventId, sessionId, ...) so callers can join it back to the record
// that triggered it.
type Error struct {
	Kind          Kind
	Operation     string
	CorrelationID string
	Cause         error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s [%s]: %v", e.Operation, e.Kind, e.CorrelationID, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Operation, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, operation, correlationID string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, CorrelationID: correlationID, Cause: cause}
}

func Validation(operation, correlationID string, cause error) *Error {
	return New(KindValidation, operation, correlationID, cause)
}

func NotFound(operation, correlationID string, cause error) *Error {
	return New(KindNotFound, operation, correlationID, cause)
}

func Conflict(operation, correlationID string, cause error) *Error {
	return New(KindConflict, operation, correlationID, cause)
}

func CircuitOpen(operation, correlationID string, cause error) *Error {
	return New(KindCircuitOpen, operation, correlationID, cause)
}

func Timeout(operation, correlationID string, cause error) *Error {
	return New(KindTimeout, operation, correlationID, cause)
}

func Capacity(operation, correlationID string, cause error) *Error {
	return New(KindCapacity, operation, correlationID, cause)
}

func Storage(operation, correlationID string, cause error) *Error {
	return New(KindStorage, operation, correlationID, cause)
}

func Internal(operation, correlationID string, cause error) *Error {
	return New(KindInternal, operation, correlationID, cause)
}

// KindOf extracts the Kind of err, returning KindInternal when err is
// not one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinels usable with errors.Is for callers that only care about a
// coarse failure category without needing the full Error envelope.
var (
	ErrBusNotInitialized  = errors.New("event bus not initialized")
	ErrConcurrencyExceeded = errors.New("concurrency limit exceeded")
	ErrQueueFull          = errors.New("publish queue full")
	ErrNoSuchSource       = errors.New("no such sync source")
	ErrConflictUnresolved = errors.New("unresolved conflict")
	ErrHandlerTimeout     = errors.New("handler timeout")
)

// Retryable reports whether an operation that failed with err is
// worth retrying. Only storage failures are retryable per §7.
func Retryable(err error) bool {
	return Is(err, KindStorage)
}

// Retry runs fn up to attempts times with exponential backoff and
// jitter, stopping early on a non-retryable error. Grounded on the
// backoff math in pkg/plugin/resilience.go's ResilientPhase.
func Retry(attempts int, initialDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	delay := initialDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == attempts {
			break
		}
		jittered := delay + time.Duration(rand.Int63n(int64(math.Max(1, float64(delay)/5))))
		time.Sleep(jittered)
		delay *= 2
	}
	return lastErr
}
