package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// CircuitBreakerExecutionHandler wraps an ExecutionHandler with circuit
// breaker functionality. Only the request side of each call is guarded;
// status streams are passed through untouched.
type CircuitBreakerExecutionHandler struct {
	handler ExecutionHandler
	breaker *gobreaker.CircuitBreaker
}

// Ensure the wrapper is itself an ExecutionHandler.
var _ ExecutionHandler = (*CircuitBreakerExecutionHandler)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	handler ExecutionHandler,
	fn func(ExecutionHandler) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(handler) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least five
// requests in a minute and stays open for 30 seconds.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerExecutionHandler wraps handler with the default settings.
func NewCircuitBreakerExecutionHandler(handler ExecutionHandler) *CircuitBreakerExecutionHandler {
	return NewCircuitBreakerExecutionHandlerWithSettings(handler, DefaultCircuitBreakerSettings, nil)
}

// NewCircuitBreakerExecutionHandlerWithSettings wraps handler with custom
// settings. State changes are logged to logger, or the standard logger if nil.
func NewCircuitBreakerExecutionHandlerWithSettings(
	handler ExecutionHandler,
	settings CircuitBreakerSettings,
	logger *logrus.Logger,
) *CircuitBreakerExecutionHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "ExecutionCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about brokerage health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"component": "broker",
				"breaker":   name,
			}).Warnf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerExecutionHandler{
		handler: handler,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state.
func (c *CircuitBreakerExecutionHandler) State() gobreaker.State {
	return c.breaker.State()
}

// Submit wraps the underlying handler call with circuit breaker
func (c *CircuitBreakerExecutionHandler) Submit(ctx context.Context, order *models.ExecutableOrder) (<-chan OrderStatusEvent, error) {
	return execCircuitBreaker(c.breaker, c.handler, func(h ExecutionHandler) (<-chan OrderStatusEvent, error) {
		return h.Submit(ctx, order)
	})
}

// Modify wraps the underlying handler call with circuit breaker
func (c *CircuitBreakerExecutionHandler) Modify(ctx context.Context, order *models.ExecutableOrder) (bool, error) {
	return execCircuitBreaker(c.breaker, c.handler, func(h ExecutionHandler) (bool, error) {
		return h.Modify(ctx, order)
	})
}

// Cancel passes through without the breaker: cleanup must still be
// attempted while the circuit is open.
func (c *CircuitBreakerExecutionHandler) Cancel(ctx context.Context, order *models.ExecutableOrder) (<-chan OrderStatusEvent, error) {
	return c.handler.Cancel(ctx, order)
}

// NotSubmitted reports whether a Submit error proves the order never
// reached the brokerage: the breaker refused the call or no session was
// open. Any other Submit error leaves the order's fate unknown.
func NotSubmitted(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, ErrNotConnected)
}
