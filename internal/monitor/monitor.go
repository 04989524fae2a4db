// Package monitor watches live ticks against the price levels of composed
// Thetas and emits a candidate reversal when a level is crossed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/metrics"
	"github.com/eddiefleurent/theta_engine/internal/models"
)

// ErrNotRunning is returned by Register when the monitor is not started.
var ErrNotRunning = errors.New("monitor is not running")

// FeedError reports a tick stream that ended while its ticker was still
// monitored. The ticker has already been deregistered.
type FeedError struct {
	Ticker models.Ticker
	Err    error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("tick feed for %s: %v", e.Ticker, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// Config contains configuration for the monitor.
type Config struct {
	DelayWarning    time.Duration // Ticks older than this are logged as delayed
	CandidateBuffer int
	ErrorBuffer     int
}

// DefaultConfig is the default configuration for the monitor.
var DefaultConfig = Config{
	DelayWarning:    2 * time.Second,
	CandidateBuffer: 64,
	ErrorBuffer:     64,
}

// watch is one monitored ticker and the flow evaluating its ticks.
type watch struct {
	theta models.Theta
	level models.PriceLevel
	sub   *broker.TickSubscription
	stop  chan struct{}
	done  chan struct{}

	// quote fills in the missing side of BID/ASK ticks; owned by the flow
	bid, ask float64
}

// Monitor runs one flow per monitored ticker.
type Monitor struct {
	feed      broker.TickFeed
	processor TickProcessor
	logger    *logrus.Entry
	status    *models.ManagerStatus
	config    Config
	now       func() time.Time

	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	watches    map[models.Ticker]*watch
	candidates chan models.CandidateStockOrder
	errs       chan error
}

// New creates a stopped monitor. A nil processor evaluates LAST ticks.
func New(feed broker.TickFeed, processor TickProcessor, logger *logrus.Logger, config ...Config) *Monitor {
	if feed == nil {
		panic("monitor.New: feed must not be nil")
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.DelayWarning <= 0 {
		cfg.DelayWarning = DefaultConfig.DelayWarning
	}
	if cfg.CandidateBuffer <= 0 {
		cfg.CandidateBuffer = DefaultConfig.CandidateBuffer
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = DefaultConfig.ErrorBuffer
	}
	if processor == nil {
		processor = LastTickProcessor{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Monitor{
		feed:       feed,
		processor:  processor,
		logger:     logger.WithField("component", "monitor"),
		status:     models.NewManagerStatus("PriceMonitor", logger),
		config:     cfg,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		watches:    make(map[models.Ticker]*watch),
		candidates: make(chan models.CandidateStockOrder, cfg.CandidateBuffer),
		errs:       make(chan error, cfg.ErrorBuffer),
	}
}

// Candidates delivers one candidate per crossing. It is never closed.
func (m *Monitor) Candidates() <-chan models.CandidateStockOrder { return m.candidates }

// Errors delivers *FeedError values. It is never closed.
func (m *Monitor) Errors() <-chan error { return m.errs }

// Status returns the monitor's lifecycle status.
func (m *Monitor) Status() models.StatusSnapshot { return m.status.Snapshot() }

// Start accepts registrations.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Is(models.ManagerRunning) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.status.ChangeState(models.ManagerRunning)
}

// Shutdown stops every flow and refuses further registrations. It returns
// once all flows have exited.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if !m.status.Is(models.ManagerRunning) {
		m.mu.Unlock()
		return
	}
	m.status.ChangeState(models.ManagerStopping)
	watches := make([]*watch, 0, len(m.watches))
	for t, w := range m.watches {
		watches = append(watches, w)
		delete(m.watches, t)
	}
	metrics.MonitoredTickers.Set(0)
	m.mu.Unlock()

	for _, w := range watches {
		m.stopWatch(w)
	}
	m.mu.Lock()
	m.cancel()
	m.status.ChangeState(models.ManagerShutdown)
	m.mu.Unlock()
}

// Register starts monitoring theta's price level. A ticker has at most one
// monitored strategy: registering the same Theta again is a no-op and a
// different Theta on the same ticker replaces it, reusing the open
// subscription.
func (m *Monitor) Register(theta models.Theta) error {
	ticker := theta.Ticker()
	level := models.PriceLevelOf(theta)
	log := m.logger.WithFields(logrus.Fields{"ticker": ticker, "level": level.String()})

	m.mu.Lock()
	if !m.status.Is(models.ManagerRunning) {
		m.mu.Unlock()
		return ErrNotRunning
	}
	if m.replaceLocked(ticker, theta, level, log) {
		m.mu.Unlock()
		return nil
	}
	ctx := m.ctx
	m.mu.Unlock()

	sub, err := m.feed.Subscribe(ctx, ticker)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ticker, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Is(models.ManagerRunning) {
		sub.Close()
		return ErrNotRunning
	}
	if m.replaceLocked(ticker, theta, level, log) {
		// a concurrent registration won the subscription
		sub.Close()
		return nil
	}
	w := &watch{
		theta: theta,
		level: level,
		sub:   sub,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	m.watches[ticker] = w
	metrics.MonitoredTickers.Set(float64(len(m.watches)))
	go m.run(w)
	log.WithField("theta", theta.String()).Info("Monitoring price level")
	return nil
}

// replaceLocked updates an existing watch and reports whether one existed.
func (m *Monitor) replaceLocked(ticker models.Ticker, theta models.Theta, level models.PriceLevel, log *logrus.Entry) bool {
	w, ok := m.watches[ticker]
	if !ok {
		return false
	}
	if w.theta.ID != theta.ID {
		log.WithFields(logrus.Fields{
			"previous": w.theta.String(),
			"theta":    theta.String(),
		}).Warn("Replacing monitored strategy")
		w.theta = theta
		w.level = level
	}
	return true
}

// Unregister stops monitoring ticker. When it returns the ticker's flow has
// exited and no further tick is evaluated. It reports whether the ticker
// was monitored; calling it again is safe.
func (m *Monitor) Unregister(ticker models.Ticker) bool {
	m.mu.Lock()
	w, ok := m.watches[ticker]
	if ok {
		delete(m.watches, ticker)
		metrics.MonitoredTickers.Set(float64(len(m.watches)))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.stopWatch(w)
	m.logger.WithField("ticker", ticker).Info("Stopped monitoring")
	return true
}

func (m *Monitor) stopWatch(w *watch) {
	close(w.stop)
	w.sub.Close()
	<-w.done
}

// Monitored reports whether ticker has a live watch.
func (m *Monitor) Monitored(ticker models.Ticker) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.watches[ticker]
	return ok
}

// Strategy returns the Theta monitored for ticker.
func (m *Monitor) Strategy(ticker models.Ticker) (models.Theta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[ticker]
	if !ok {
		return models.Theta{}, false
	}
	return w.theta, true
}

// Levels returns the monitored price levels in ascending order.
func (m *Monitor) Levels() []models.PriceLevel {
	m.mu.RLock()
	levels := make([]models.PriceLevel, 0, len(m.watches))
	for _, w := range m.watches {
		levels = append(levels, w.level)
	}
	m.mu.RUnlock()
	slices.SortFunc(levels, models.PriceLevel.Compare)
	return levels
}

// run evaluates the watch's ticks in arrival order until it fires, is
// stopped or its feed ends.
func (m *Monitor) run(w *watch) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case tick, ok := <-w.sub.Ticks():
			if !ok {
				m.feedEnded(w)
				return
			}
			select {
			case <-w.stop:
				return
			default:
			}
			if m.onTick(w, tick) {
				return
			}
		}
	}
}

// onTick evaluates one tick and reports whether the watch fired.
func (m *Monitor) onTick(w *watch, tick models.Tick) bool {
	ticker := w.sub.Ticker()
	if delay := tick.Delay(m.now()); delay > m.config.DelayWarning {
		metrics.DelayedTicks.WithLabelValues(ticker.Symbol()).Inc()
		m.logger.WithFields(logrus.Fields{
			"ticker": ticker,
			"delay":  delay.String(),
			"type":   tick.Type,
		}).Warn("Tick delayed")
	}

	switch tick.Type {
	case models.TickTypeBid:
		w.bid = tick.Price
	case models.TickTypeAsk:
		w.ask = tick.Price
	}
	if tick.Bid <= 0 {
		tick.Bid = w.bid
	}
	if tick.Ask <= 0 {
		tick.Ask = w.ask
	}

	if !m.processor.Accepts(tick.Type) {
		return false
	}

	m.mu.RLock()
	theta, level := w.theta, w.level
	m.mu.RUnlock()

	metrics.TicksEvaluated.WithLabelValues(ticker.Symbol()).Inc()
	decision := m.processor.Evaluate(level, tick)
	if !decision.Fire {
		return false
	}

	m.mu.Lock()
	if m.watches[ticker] != w {
		// unregistered while evaluating
		m.mu.Unlock()
		return true
	}
	theta, level = w.theta, w.level
	delete(m.watches, ticker)
	metrics.MonitoredTickers.Set(float64(len(m.watches)))
	ctx := m.ctx
	m.mu.Unlock()

	candidate := models.CandidateStockOrder{
		Stock:         theta.Stock,
		ExecutionType: m.processor.ExecutionType(),
		LimitPrice:    decision.LimitPrice,
	}
	metrics.Crossings.WithLabelValues(ticker.Symbol(), string(level.Direction)).Inc()
	m.logger.WithFields(logrus.Fields{
		"ticker":    ticker,
		"level":     level.String(),
		"tick":      tick.Price,
		"tick_type": tick.Type,
		"theta":     theta.String(),
	}).Info("Price level crossed")

	select {
	case m.candidates <- candidate:
	case <-ctx.Done():
		m.logger.WithField("ticker", ticker).Warn("Monitor stopped before candidate could be delivered")
	}
	w.sub.Close()
	return true
}

func (m *Monitor) feedEnded(w *watch) {
	ticker := w.sub.Ticker()
	m.mu.Lock()
	if m.watches[ticker] != w {
		m.mu.Unlock()
		return
	}
	delete(m.watches, ticker)
	metrics.MonitoredTickers.Set(float64(len(m.watches)))
	m.mu.Unlock()
	w.sub.Close()

	err := w.sub.Err()
	if err == nil {
		err = broker.ErrFeedClosed
	}
	metrics.FeedErrors.WithLabelValues(ticker.Symbol()).Inc()
	feedErr := &FeedError{Ticker: ticker, Err: err}
	m.logger.WithFields(logrus.Fields{
		"ticker": ticker,
		"theta":  w.theta.String(),
		"error":  err,
	}).Error("Tick feed ended, ticker deregistered")

	select {
	case m.errs <- feedErr:
	default:
		m.logger.WithError(feedErr).Error("Error channel full, feed error not delivered")
	}
}
