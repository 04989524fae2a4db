package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/market"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/orders"
)

// OrderConverter is the order manager surface the cycle drives.
type OrderConverter interface {
	Outstanding() []orders.OutstandingOrder
	ConvertToMarketOrderIfExists(ctx context.Context, ticker models.Ticker) (bool, error)
}

// CycleConfig configures the trading cycle.
type CycleConfig struct {
	Interval       time.Duration // Time between cycles
	ReconcileEvery time.Duration // Time between reconciliation passes
	// MarketConversionAfter forces a limit reversal to market once it has
	// rested this long. Zero disables it.
	MarketConversionAfter time.Duration
	// ConvertBeforeClose forces limit reversals to market when less than
	// this is left in the session. Zero disables it.
	ConvertBeforeClose time.Duration
}

// DefaultCycleConfig runs every second and reconciles every 30 seconds.
var DefaultCycleConfig = CycleConfig{
	Interval:       time.Second,
	ReconcileEvery: 30 * time.Second,
}

// Conversion reasons.
const (
	reasonRestedTooLong = "rested too long"
	reasonNearClose     = "market closing"
)

// TradingCycle applies the market-conversion policy to resting limit
// reversals and periodically reconciles the monitor with the portfolio.
type TradingCycle struct {
	orders     OrderConverter
	reconciler *Reconciler
	hours      *market.Hours
	config     CycleConfig
	logger     *logrus.Entry
	now        func() time.Time

	lastReconcile time.Time
}

// NewTradingCycle creates a trading cycle. reconciler and hours may be nil.
func NewTradingCycle(orders OrderConverter, reconciler *Reconciler, hours *market.Hours, config CycleConfig, logger *logrus.Logger) *TradingCycle {
	if orders == nil {
		panic("NewTradingCycle: orders must not be nil")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultCycleConfig.Interval
	}
	if config.ReconcileEvery <= 0 {
		config.ReconcileEvery = DefaultCycleConfig.ReconcileEvery
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TradingCycle{
		orders:     orders,
		reconciler: reconciler,
		hours:      hours,
		config:     config,
		logger:     logger.WithField("component", "cycle"),
		now:        time.Now,
	}
}

// Loop runs a cycle every interval until ctx is cancelled.
func (tc *TradingCycle) Loop(ctx context.Context) error {
	ticker := time.NewTicker(tc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tc.Run(ctx)
		}
	}
}

// Run executes one trading cycle and returns how many orders it converted.
func (tc *TradingCycle) Run(ctx context.Context) int {
	now := tc.now()
	converted := 0

	for _, o := range tc.orders.Outstanding() {
		reason := tc.conversionReason(o, now)
		if reason == "" {
			continue
		}
		log := tc.logger.WithFields(logrus.Fields{
			"ticker": o.Ticker,
			"order":  shortID(o.OrderID.String()),
			"reason": reason,
		})
		ok, err := tc.orders.ConvertToMarketOrderIfExists(ctx, o.Ticker)
		switch {
		case err != nil:
			log.WithError(err).Error("Market conversion failed")
		case ok:
			converted++
			log.Info("Converted resting reversal to market")
		default:
			log.Debug("Market conversion not applied")
		}
	}

	if tc.reconciler != nil && now.Sub(tc.lastReconcile) >= tc.config.ReconcileEvery {
		tc.lastReconcile = now
		tc.reconciler.Reconcile()
	}
	return converted
}

// conversionReason explains why o should be forced to market, or returns
// the empty string when it should keep resting.
func (tc *TradingCycle) conversionReason(o orders.OutstandingOrder, now time.Time) string {
	if o.ExecutionType != models.ExecutionLimit || o.Phase != models.PhaseSubmitted {
		return ""
	}
	if after := tc.config.MarketConversionAfter; after > 0 && !o.SubmittedAt.IsZero() && now.Sub(o.SubmittedAt) >= after {
		return reasonRestedTooLong
	}
	if before := tc.config.ConvertBeforeClose; before > 0 && tc.hours != nil {
		// outside the session UntilClose is zero and the order keeps resting
		if left := tc.hours.UntilClose(now); left > 0 && left <= before {
			return reasonNearClose
		}
	}
	return ""
}
