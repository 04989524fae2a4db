package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// ThetaSource lists the live strategies, ordered by ticker then ID.
type ThetaSource interface {
	Thetas() []models.Theta
}

// LevelRegistry is the monitor surface the reconciler inspects and repairs.
type LevelRegistry interface {
	Register(theta models.Theta) error
	Unregister(ticker models.Ticker) bool
	Strategy(ticker models.Ticker) (models.Theta, bool)
	Levels() []models.PriceLevel
}

// OrderTracker reports reversals in flight.
type OrderTracker interface {
	HasOutstanding(ticker models.Ticker) bool
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Stale   []models.Ticker // monitored strategies no longer in the portfolio, now disarmed
	Unarmed []models.Ticker // tickers with live strategies and no armed level
}

// Reconciler keeps the monitor consistent with the portfolio. It disarms
// levels whose strategy has been dissolved and reports tickers left
// unarmed. Unarmed tickers are not re-armed automatically, because a level
// that fired stays disarmed until the position changes.
type Reconciler struct {
	thetas ThetaSource
	levels LevelRegistry
	orders OrderTracker
	logger *logrus.Entry

	mu     sync.Mutex
	warned map[models.Ticker]bool // unarmed tickers already logged
}

// NewReconciler creates a reconciler.
func NewReconciler(thetas ThetaSource, levels LevelRegistry, orders OrderTracker, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		thetas: thetas,
		levels: levels,
		orders: orders,
		logger: logger.WithField("component", "reconciler"),
		warned: make(map[models.Ticker]bool),
	}
}

// Reconcile runs one pass.
func (r *Reconciler) Reconcile() Report {
	var report Report

	live := make(map[uuid.UUID]struct{})
	first := make(map[models.Ticker]models.Theta)
	var order []models.Ticker
	for _, t := range r.thetas.Thetas() {
		live[t.ID] = struct{}{}
		if _, ok := first[t.Ticker()]; !ok {
			first[t.Ticker()] = t
			order = append(order, t.Ticker())
		}
	}

	// First pass: disarm levels whose strategy is gone
	for _, level := range r.levels.Levels() {
		theta, ok := r.levels.Strategy(level.Ticker)
		if !ok {
			continue
		}
		if _, alive := live[theta.ID]; alive {
			continue
		}
		if r.levels.Unregister(level.Ticker) {
			report.Stale = append(report.Stale, level.Ticker)
			r.logger.WithFields(logrus.Fields{
				"ticker": level.Ticker,
				"theta":  shortID(theta.ID.String()),
			}).Warn("Disarmed level of dissolved strategy")
		}
	}

	// Second pass: report tickers nobody is watching
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ticker := range order {
		if _, armed := r.levels.Strategy(ticker); armed || r.orders.HasOutstanding(ticker) {
			delete(r.warned, ticker)
			continue
		}
		report.Unarmed = append(report.Unarmed, ticker)
		if !r.warned[ticker] {
			r.warned[ticker] = true
			r.logger.WithFields(logrus.Fields{
				"ticker": ticker,
				"theta":  shortID(first[ticker].ID.String()),
			}).Warn("Ticker has live strategies but no armed level")
		}
	}
	for ticker := range r.warned {
		if _, ok := first[ticker]; !ok {
			delete(r.warned, ticker)
		}
	}
	return report
}

// Rearm registers the first live strategy of ticker if nothing is armed for
// it and no reversal is in flight. It reports whether a level was armed.
func (r *Reconciler) Rearm(ticker models.Ticker) (bool, error) {
	if r.orders.HasOutstanding(ticker) {
		return false, nil
	}
	if _, armed := r.levels.Strategy(ticker); armed {
		return false, nil
	}
	for _, t := range r.thetas.Thetas() {
		if t.Ticker() != ticker {
			continue
		}
		if err := r.levels.Register(t); err != nil {
			return false, err
		}
		r.mu.Lock()
		delete(r.warned, ticker)
		r.mu.Unlock()
		return true, nil
	}
	return false, nil
}
