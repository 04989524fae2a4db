// Package orders executes reversal orders against the brokerage.
package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/market"
	"github.com/eddiefleurent/theta_engine/internal/metrics"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/storage"
)

var (
	// ErrNotRunning is returned when the manager has not been started or is shutting down.
	ErrNotRunning = errors.New("order manager is not running")
	// ErrOutsideMarketHours is returned when market hours are enforced and the market is closed.
	ErrOutsideMarketHours = errors.New("outside market hours")
	// ErrOrderOutstanding is returned when the ticker already has a reversal in flight.
	ErrOrderOutstanding = errors.New("order already outstanding for ticker")
	// ErrNoTerminalState is returned when a status stream closes before FILLED or CANCELLED.
	ErrNoTerminalState = errors.New("status stream closed without a terminal state")
	// ErrUnknownOrderState is returned when the broker reports a state outside the known set.
	ErrUnknownOrderState = errors.New("unknown order state")
	// ErrOrderCancelled is returned when the reversal ended cancelled rather than filled.
	ErrOrderCancelled = errors.New("order cancelled")
	// ErrNoBrokerID is returned when an outstanding order was never acknowledged by the broker.
	ErrNoBrokerID = errors.New("order has no broker id")
	// ErrOrderStateUnknown is matched by an ExecutionError whose cleanup could
	// not prove the order left no fills. Resubmitting could double the reversal.
	ErrOrderStateUnknown = errors.New("order state unknown")
)

// ExecutionError wraps a transient failure after which the order was
// cancelled. Confirmed is set only when the broker proved nothing executed:
// it reported the order CANCELLED without fills, or the order never reached
// it. An unconfirmed ExecutionError also matches ErrOrderStateUnknown.
type ExecutionError struct {
	Order     *models.ExecutableOrder
	Err       error
	Confirmed bool
}

func (e *ExecutionError) Error() string {
	if !e.Confirmed {
		return fmt.Sprintf("execution of %s failed: %v (%v)", e.Order, e.Err, ErrOrderStateUnknown)
	}
	return fmt.Sprintf("execution of %s failed: %v", e.Order, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	if !e.Confirmed {
		return []error{e.Err, ErrOrderStateUnknown}
	}
	return []error{e.Err}
}

// Config contains configuration for the order manager.
type Config struct {
	EnforceMarketHours bool          // Refuse reversals outside the session instead of logging
	CancelTimeout      time.Duration // Upper bound on a cleanup cancel, independent of the caller
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	EnforceMarketHours: false,
	CancelTimeout:      10 * time.Second,
}

// OutstandingOrder is a snapshot of an in-flight reversal.
type OutstandingOrder struct {
	Ticker        models.Ticker          `json:"ticker"`
	OrderID       uuid.UUID              `json:"order_id"`
	BrokerID      string                 `json:"broker_id,omitempty"`
	Action        models.ExecutionAction `json:"action"`
	Quantity      int64                  `json:"quantity"`
	ExecutionType models.ExecutionType   `json:"execution_type"`
	LimitPrice    *float64               `json:"limit_price,omitempty"`
	Phase         models.OrderPhase      `json:"phase"`
	Conversions   int                    `json:"conversions"`
	SubmittedAt   time.Time              `json:"submitted_at"`
}

type tracked struct {
	order       *models.ExecutableOrder // replaced on conversion, guarded by Manager.mu
	lifecycle   *models.OrderLifecycle
	submittedAt time.Time
	convertMu   sync.Mutex
}

// Manager reverses stock hedges, one outstanding order per ticker.
type Manager struct {
	execution broker.ExecutionHandler
	storage   storage.Interface
	hours     *market.Hours
	logger    *logrus.Entry
	status    *models.ManagerStatus
	config    Config
	now       func() time.Time

	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	outstanding map[models.Ticker]*tracked
	inflight    sync.WaitGroup
}

// NewManager creates a stopped order manager. A nil hours disables the
// market-hours policy.
func NewManager(
	execution broker.ExecutionHandler,
	storage storage.Interface,
	hours *market.Hours,
	logger *logrus.Logger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// Validate and clamp config values
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultConfig.CancelTimeout
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if execution == nil {
		panic("orders.NewManager: execution handler must not be nil")
	}
	if storage == nil {
		panic("orders.NewManager: storage must not be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Manager{
		execution:   execution,
		storage:     storage,
		hours:       hours,
		logger:      logger.WithField("component", "orders"),
		status:      models.NewManagerStatus("OrderManager", logger),
		config:      cfg,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		outstanding: make(map[models.Ticker]*tracked),
	}
}

// Start accepts reversals.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Is(models.ManagerRunning) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.status.ChangeState(models.ManagerRunning)
}

// Shutdown cancels every in-flight reversal and waits for them to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.status.Is(models.ManagerRunning) {
		m.mu.Unlock()
		return
	}
	m.status.ChangeState(models.ManagerStopping)
	m.cancel()
	m.mu.Unlock()

	m.inflight.Wait()
	m.status.ChangeState(models.ManagerShutdown)
}

// Status returns the manager's lifecycle status.
func (m *Manager) Status() models.StatusSnapshot { return m.status.Snapshot() }

// ReverseTrade submits the order reversing candidate's stock leg and
// blocks until the broker reports it FILLED or CANCELLED. A nil error means
// the reversal filled.
func (m *Manager) ReverseTrade(ctx context.Context, candidate models.CandidateStockOrder) error {
	order, err := models.ReverseStockOrder(candidate)
	if err != nil {
		return fmt.Errorf("build reversal for %s: %w", candidate.Ticker(), err)
	}
	log := m.logger.WithFields(logrus.Fields{
		"ticker":   order.Ticker,
		"order_id": order.ID,
	})

	if m.hours != nil && !m.hours.IsDuringMarketHours(m.now()) {
		if m.config.EnforceMarketHours {
			log.Warn("Refusing reversal outside market hours")
			m.journal(order, nil, storage.OutcomeRefused, models.OrderStatus{}, ErrOutsideMarketHours)
			return ErrOutsideMarketHours
		}
		log.Warn("Reversing outside market hours")
	}

	tr, runCtx, err := m.track(order)
	if err != nil {
		return err
	}
	defer m.inflight.Done()
	defer m.untrack(order.Ticker, tr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	log.Infof("Submitting %s", order)
	events, err := m.execution.Submit(ctx, order)
	if err != nil {
		confirmed := m.cancelOrder(order, log) || broker.NotSubmitted(err)
		m.fail(tr, models.ConditionSubmitFailed, log)
		m.journal(order, tr, storage.OutcomeFailed, models.OrderStatus{}, err)
		return &ExecutionError{Order: order, Err: err, Confirmed: confirmed}
	}
	if err := tr.lifecycle.Transition(models.PhaseSubmitted, models.ConditionOrderSubmitted); err != nil {
		log.WithError(err).Warn("Lifecycle transition rejected")
	}
	log = log.WithField("broker_id", order.BrokerID())

	for {
		select {
		case <-ctx.Done():
			current := m.currentOrder(tr)
			log.Warn("Reversal abandoned, cancelling order")
			m.cancelOrder(current, log)
			m.fail(tr, models.ConditionContextCancelled, log)
			m.journal(current, tr, storage.OutcomeFailed, models.OrderStatus{}, ctx.Err())
			return ctx.Err()

		case ev, ok := <-events:
			current := m.currentOrder(tr)
			if !ok {
				log.Error("Status stream closed without a terminal state")
				m.fail(tr, models.ConditionNoTerminalState, log)
				m.journal(current, tr, storage.OutcomeFailed, models.OrderStatus{}, ErrNoTerminalState)
				return fmt.Errorf("%w: %s", ErrNoTerminalState, current)
			}
			if ev.Err != nil {
				log.WithError(ev.Err).Error("Status stream failed, cancelling order")
				confirmed := m.cancelOrder(current, log)
				m.fail(tr, models.ConditionStreamError, log)
				m.journal(current, tr, storage.OutcomeFailed, models.OrderStatus{}, ev.Err)
				return &ExecutionError{Order: current, Err: ev.Err, Confirmed: confirmed}
			}

			state := ev.Status.State
			if !state.IsKnown() {
				err := fmt.Errorf("%w: %q", ErrUnknownOrderState, state)
				log.WithError(err).Error("Broker reported an unknown state, cancelling order")
				m.cancelOrder(current, log)
				m.fail(tr, models.ConditionUnknownState, log)
				m.journal(current, tr, storage.OutcomeFailed, ev.Status, err)
				return err
			}

			log.WithFields(logrus.Fields{
				"state":     state,
				"filled":    ev.Status.Filled,
				"remaining": ev.Status.Remaining,
			}).Debug("Order status")

			switch state {
			case models.OrderFilled:
				if err := tr.lifecycle.Transition(models.PhaseFilled, models.ConditionOrderFilled); err != nil {
					log.WithError(err).Warn("Lifecycle transition rejected")
				}
				log.WithFields(logrus.Fields{
					"price":      ev.Status.AveragePrice,
					"commission": ev.Status.Commission,
				}).Info("Reversal filled")
				m.journal(current, tr, storage.OutcomeFilled, ev.Status, nil)
				return nil
			case models.OrderCancelled:
				if err := tr.lifecycle.Transition(models.PhaseCancelled, models.ConditionOrderCancelled); err != nil {
					log.WithError(err).Warn("Lifecycle transition rejected")
				}
				log.Warn("Reversal cancelled")
				m.journal(current, tr, storage.OutcomeCancelled, ev.Status, ErrOrderCancelled)
				return fmt.Errorf("%w: %s", ErrOrderCancelled, current)
			}
		}
	}
}

// track records order as the ticker's outstanding order.
func (m *Manager) track(order *models.ExecutableOrder) (*tracked, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Is(models.ManagerRunning) {
		return nil, nil, ErrNotRunning
	}
	if existing, ok := m.outstanding[order.Ticker]; ok {
		return nil, nil, fmt.Errorf("%w: %s has %s", ErrOrderOutstanding, order.Ticker, existing.order.ID)
	}
	tr := &tracked{
		order:       order,
		lifecycle:   models.NewOrderLifecycle(),
		submittedAt: m.now().UTC(),
	}
	m.outstanding[order.Ticker] = tr
	metrics.OutstandingOrders.Set(float64(len(m.outstanding)))
	m.inflight.Add(1)
	return tr, m.ctx, nil
}

func (m *Manager) untrack(ticker models.Ticker, tr *tracked) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding[ticker] == tr {
		delete(m.outstanding, ticker)
	}
	metrics.OutstandingOrders.Set(float64(len(m.outstanding)))
}

func (m *Manager) currentOrder(tr *tracked) *models.ExecutableOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tr.order
}

func (m *Manager) fail(tr *tracked, condition string, log *logrus.Entry) {
	if err := tr.lifecycle.Transition(models.PhaseFailed, condition); err != nil {
		log.WithError(err).Warn("Lifecycle transition rejected")
	}
}

// cancelOrder cancels order and drains the cancel stream. It runs on its own
// timeout so cleanup still happens after the caller's context is done. It
// reports whether the broker confirmed the order CANCELLED with nothing
// filled; an empty stream means the order was already terminal, which
// proves nothing.
func (m *Manager) cancelOrder(order *models.ExecutableOrder, log *logrus.Entry) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CancelTimeout)
	defer cancel()
	events, err := m.execution.Cancel(ctx, order)
	if err != nil {
		log.WithError(err).Warn("Cancel failed")
		return false
	}
	last, err := drain(ctx, events)
	if err != nil {
		log.WithError(err).Warn("Cancel stream did not complete")
		return false
	}
	if last == nil || last.State != models.OrderCancelled || last.Filled > 0 {
		log.Warn("Cancel not confirmed, order state unknown")
		return false
	}
	return true
}

// drain consumes events until the stream closes and returns the last status
// seen, or nil for an empty stream.
func drain(ctx context.Context, events <-chan broker.OrderStatusEvent) (*models.OrderStatus, error) {
	var last *models.OrderStatus
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return last, nil
			}
			if ev.Err != nil {
				return last, ev.Err
			}
			status := ev.Status
			last = &status
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

// journal records the attempt. Storage failures are logged, never returned.
func (m *Manager) journal(order *models.ExecutableOrder, tr *tracked, outcome storage.Outcome, status models.OrderStatus, cause error) {
	metrics.Reversals.WithLabelValues(order.Ticker.Symbol(), string(order.Action), strings.ToLower(string(outcome))).Inc()

	rec := storage.ReversalRecord{
		OrderID:       order.ID,
		BrokerID:      order.BrokerID(),
		Ticker:        order.Ticker,
		Action:        order.Action,
		Quantity:      order.Quantity,
		ExecutionType: order.ExecutionType,
		LimitPrice:    order.LimitPrice,
		Outcome:       outcome,
		FillPrice:     status.AveragePrice,
		Commission:    status.Commission,
		SubmittedAt:   m.now().UTC(),
		CompletedAt:   m.now().UTC(),
	}
	if tr != nil {
		rec.SubmittedAt = tr.submittedAt
		rec.Conversions = tr.lifecycle.Conversions()
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := m.storage.RecordReversal(rec); err != nil {
		m.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to journal reversal")
	}
}

// ConvertToMarketOrderIfExists modifies the ticker's outstanding order to
// MARKET with no limit. It reports whether a conversion happened: no
// outstanding order, a terminal one, one already at MARKET or one the broker
// has not yet acknowledged is a no-op.
func (m *Manager) ConvertToMarketOrderIfExists(ctx context.Context, ticker models.Ticker) (bool, error) {
	m.mu.RLock()
	tr, ok := m.outstanding[ticker]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	tr.convertMu.Lock()
	defer tr.convertMu.Unlock()

	order := m.currentOrder(tr)
	if tr.lifecycle.IsTerminal() || order.ExecutionType == models.ExecutionMarket {
		return false, nil
	}
	// still being submitted; the next cycle sees it resting
	if tr.lifecycle.Current() == models.PhaseCreated {
		return false, nil
	}
	if !order.HasBrokerID() {
		return false, fmt.Errorf("%w: %s", ErrNoBrokerID, order)
	}
	if err := tr.lifecycle.CanTransition(models.PhaseSubmitted, models.ConditionConvertedToMarket); err != nil {
		return false, err
	}

	log := m.logger.WithFields(logrus.Fields{
		"ticker":    ticker,
		"order_id":  order.ID,
		"broker_id": order.BrokerID(),
	})
	converted := order.WithMarketExecution()
	modified, err := m.execution.Modify(ctx, converted)
	if err != nil {
		metrics.MarketConversions.WithLabelValues(ticker.Symbol(), "error").Inc()
		return false, fmt.Errorf("convert %s to market: %w", order, err)
	}
	if !modified {
		metrics.MarketConversions.WithLabelValues(ticker.Symbol(), "rejected").Inc()
		log.Warn("Broker declined market conversion")
		return false, nil
	}

	m.mu.Lock()
	if m.outstanding[ticker] == tr {
		tr.order = converted
	}
	m.mu.Unlock()
	if err := tr.lifecycle.Transition(models.PhaseSubmitted, models.ConditionConvertedToMarket); err != nil {
		// the order reached a terminal state while being modified
		log.WithError(err).Debug("Lifecycle transition rejected")
	}
	metrics.MarketConversions.WithLabelValues(ticker.Symbol(), "converted").Inc()
	log.Info("Converted reversal to market order")
	return true, nil
}

// CancelIfExists cancels the ticker's outstanding order. The reversal
// waiting on it returns ErrOrderCancelled once the broker confirms.
func (m *Manager) CancelIfExists(ctx context.Context, ticker models.Ticker) (bool, error) {
	m.mu.RLock()
	tr, ok := m.outstanding[ticker]
	var order *models.ExecutableOrder
	if ok {
		order = tr.order
	}
	m.mu.RUnlock()
	if !ok || tr.lifecycle.IsTerminal() {
		return false, nil
	}

	events, err := m.execution.Cancel(ctx, order)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", order, err)
	}
	if _, err := drain(ctx, events); err != nil {
		return false, fmt.Errorf("cancel %s: %w", order, err)
	}
	m.logger.WithFields(logrus.Fields{"ticker": ticker, "order_id": order.ID}).Info("Cancelled outstanding order")
	return true, nil
}

// HasOutstanding reports whether ticker has a reversal in flight.
func (m *Manager) HasOutstanding(ticker models.Ticker) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.outstanding[ticker]
	return ok
}

// Outstanding returns the in-flight reversals ordered by ticker.
func (m *Manager) Outstanding() []OutstandingOrder {
	m.mu.RLock()
	out := make([]OutstandingOrder, 0, len(m.outstanding))
	for ticker, tr := range m.outstanding {
		o := tr.order
		out = append(out, OutstandingOrder{
			Ticker:        ticker,
			OrderID:       o.ID,
			BrokerID:      o.BrokerID(),
			Action:        o.Action,
			Quantity:      o.Quantity,
			ExecutionType: o.ExecutionType,
			LimitPrice:    o.LimitPrice,
			Phase:         tr.lifecycle.Current(),
			Conversions:   tr.lifecycle.Conversions(),
			SubmittedAt:   tr.submittedAt,
		})
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b OutstandingOrder) int { return a.Ticker.Compare(b.Ticker) })
	return out
}
