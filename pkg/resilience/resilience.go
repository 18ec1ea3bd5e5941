package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crowdbank-realtime/pkg/logger"
)

// ErrCircuitOpen is returned without running the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerHalfOpen
	CircuitBreakerOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerHalfOpen:
		return "half_open"
	case CircuitBreakerOpen:
		return "open"
	default:
		return "closed"
	}
}

// Config tunes a CircuitBreaker
type Config struct {
	Name string
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial request is allowed
	ResetTimeout time.Duration
	// HalfOpenMaxRequests trial requests may run concurrently while half-open
	HalfOpenMaxRequests int
	// IsFailure decides whether an error counts against the circuit.
	// Defaults to every non-nil error except context cancellation.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock after every transition
	OnStateChange func(name string, state CircuitBreakerState)
}

// CircuitBreaker guards calls to a remote dependency
type CircuitBreaker struct {
	mu                  sync.Mutex
	cfg                 Config
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
	now                 func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if err := cb.allow(operation); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(operation, err)
	return err
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow(operation string) error {
	cb.mu.Lock()
	var changed bool
	if cb.state == CircuitBreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = CircuitBreakerHalfOpen
		cb.halfOpenInFlight = 0
		changed = true
	}
	state := cb.state
	if state == CircuitBreakerHalfOpen {
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxRequests {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}
	cb.mu.Unlock()

	if changed {
		logger.Warn("Circuit breaker HALF-OPEN - allowing trial request",
			zap.String("breaker", cb.cfg.Name),
			zap.String("operation", operation),
		)
		cb.notify(CircuitBreakerHalfOpen)
	}
	if state == CircuitBreakerOpen {
		logger.Debug("Circuit breaker OPEN - request blocked",
			zap.String("breaker", cb.cfg.Name),
			zap.String("operation", operation),
		)
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) record(operation string, err error) {
	failed := cb.cfg.IsFailure(err)

	cb.mu.Lock()
	prev := cb.state
	if cb.state == CircuitBreakerHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	if !failed {
		cb.consecutiveFailures = 0
		cb.state = CircuitBreakerClosed
	} else {
		cb.consecutiveFailures++
		if cb.state == CircuitBreakerHalfOpen || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.state = CircuitBreakerOpen
			cb.openedAt = cb.now()
		}
	}
	state := cb.state
	failures := cb.consecutiveFailures
	cb.mu.Unlock()

	if state == prev {
		return
	}
	switch state {
	case CircuitBreakerOpen:
		logger.Error("Circuit breaker OPEN - too many consecutive failures",
			zap.String("breaker", cb.cfg.Name),
			zap.String("operation", operation),
			zap.Int("consecutive_failures", failures),
			zap.String("error_type", ClassifyError(err)),
		)
	case CircuitBreakerClosed:
		logger.Info("Circuit breaker CLOSED - recovered",
			zap.String("breaker", cb.cfg.Name),
			zap.String("operation", operation),
		)
	}
	cb.notify(state)
}

func (cb *CircuitBreaker) notify(state CircuitBreakerState) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, state)
	}
}

// ClassifyError classifies errors for logs and metrics labels
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_breaker"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
