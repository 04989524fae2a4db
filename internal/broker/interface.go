// Package broker defines the brokerage collaborators consumed by the engine
// and provides paper, websocket and circuit-breaker implementations.
package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// ErrFeedClosed is reported by a tick subscription that ended without the
// producer giving a reason.
var ErrFeedClosed = errors.New("tick feed closed")

// PositionSnapshot is one element of a position stream. A refresh delivers
// every held security followed by an element with EndOfSnapshot set.
type PositionSnapshot struct {
	Security      models.Security
	EndOfSnapshot bool
	Time          time.Time
}

// OrderStatusEvent is one element of an order status stream. Err is set
// when the stream failed; no further events follow an error.
type OrderStatusEvent struct {
	Status models.OrderStatus
	Err    error
}

// PositionFeed delivers held positions.
type PositionFeed interface {
	RequestPositions(ctx context.Context) (<-chan PositionSnapshot, error)
}

// TickFeed delivers market data per ticker.
type TickFeed interface {
	Subscribe(ctx context.Context, ticker models.Ticker) (*TickSubscription, error)
}

// ExecutionHandler submits and manages orders at the brokerage.
// Submit and Cancel return status streams that close after a terminal state
// or an error. Cancel on a terminal order returns an empty, closed stream.
type ExecutionHandler interface {
	Submit(ctx context.Context, order *models.ExecutableOrder) (<-chan OrderStatusEvent, error)
	Modify(ctx context.Context, order *models.ExecutableOrder) (bool, error)
	Cancel(ctx context.Context, order *models.ExecutableOrder) (<-chan OrderStatusEvent, error)
}

// ConnectionHandler manages the brokerage session.
type ConnectionHandler interface {
	Connect(ctx context.Context) (<-chan models.ConnectionStatus, error)
	Disconnect() error
}

// Broker is a brokerage offering every collaborator.
type Broker interface {
	PositionFeed
	TickFeed
	ExecutionHandler
	ConnectionHandler
}

// TickSubscription is a push stream of ticks for one ticker. Producers call
// Publish and Finish; the consumer reads Ticks and calls Close to
// unsubscribe. Publish after Finish is a no-op.
type TickSubscription struct {
	ticker  models.Ticker
	ticks   chan models.Tick
	done    chan struct{}
	onClose func()

	mu        sync.Mutex
	err       error
	closeOnce sync.Once

	// pubMu guards finished against concurrent Publish.
	pubMu    sync.RWMutex
	finished bool
}

// NewTickSubscription creates a subscription with the given buffer. onClose,
// if set, runs once when the consumer closes the subscription.
func NewTickSubscription(ticker models.Ticker, buffer int, onClose func()) *TickSubscription {
	if buffer < 0 {
		buffer = 0
	}
	return &TickSubscription{
		ticker:  ticker,
		ticks:   make(chan models.Tick, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Ticker returns the subscribed ticker.
func (s *TickSubscription) Ticker() models.Ticker { return s.ticker }

// Ticks returns the tick stream. It is closed when the producer finishes.
func (s *TickSubscription) Ticks() <-chan models.Tick { return s.ticks }

// Done is closed once the consumer has closed the subscription.
func (s *TickSubscription) Done() <-chan struct{} { return s.done }

// Err returns why the producer finished, ErrFeedClosed if it gave no reason,
// or nil while the stream is open.
func (s *TickSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *TickSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Publish delivers a tick, blocking until it is buffered or the consumer
// closes the subscription. It reports whether the tick was delivered.
func (s *TickSubscription) Publish(ctx context.Context, tick models.Tick) bool {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ticks <- tick:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish ends the stream with err. A nil err is recorded as ErrFeedClosed.
func (s *TickSubscription) Finish(err error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if err == nil {
		err = ErrFeedClosed
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ticks)
}

// Finished reports whether the producer has ended the stream.
func (s *TickSubscription) Finished() bool {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return s.finished
}

// NormalizeOrderState maps brokerage order status codes onto the engine's
// states. Codes it does not recognise are returned verbatim so the caller
// can reject them.
func NormalizeOrderState(code string) models.OrderState {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "apipending", "presubmitted", "pendingsubmit", "pendingcancel", "pending", "open", "partially_filled":
		return models.OrderPending
	case "submitted":
		return models.OrderSubmitted
	case "filled":
		return models.OrderFilled
	case "apicancelled", "cancelled", "canceled", "rejected", "expired":
		return models.OrderCancelled
	}
	return models.OrderState(code)
}
