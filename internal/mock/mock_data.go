// Package mock simulates market data for paper trading.
package mock

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/util"
)

// TickPublisher accepts simulated ticks, typically a paper broker.
type TickPublisher interface {
	PublishTick(ctx context.Context, tick models.Tick)
}

// SimulatorConfig configures a PriceSimulator.
type SimulatorConfig struct {
	Interval   time.Duration // Time between steps
	Volatility float64       // Maximum fractional move per step
	Spread     float64       // Quoted bid/ask width in dollars
	TickSize   float64       // Price increment
}

// DefaultSimulatorConfig is a gentle one-second random walk.
var DefaultSimulatorConfig = SimulatorConfig{
	Interval:   time.Second,
	Volatility: 0.002,
	Spread:     0.02, // 2 cent spread
	TickSize:   0.01,
}

// PriceSimulator random-walks prices for a set of tickers and publishes a
// bid, an ask and a last tick for each ticker on every step.
type PriceSimulator struct {
	publisher TickPublisher
	cfg       SimulatorConfig
	logger    *logrus.Entry
	random    func() float64
	now       func() time.Time

	mu     sync.Mutex
	prices map[models.Ticker]float64
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// NewPriceSimulator creates a simulator publishing to publisher. It panics
// if publisher is nil.
func NewPriceSimulator(publisher TickPublisher, logger *logrus.Logger, config ...SimulatorConfig) *PriceSimulator {
	if publisher == nil {
		panic("mock.NewPriceSimulator: publisher is required")
	}
	cfg := DefaultSimulatorConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSimulatorConfig.Interval
	}
	if cfg.Volatility < 0 || cfg.Volatility >= 1 {
		cfg.Volatility = DefaultSimulatorConfig.Volatility
	}
	if cfg.Spread < 0 {
		cfg.Spread = DefaultSimulatorConfig.Spread
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = DefaultSimulatorConfig.TickSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PriceSimulator{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.WithField("component", "simulator"),
		random:    secureFloat64,
		now:       time.Now,
		prices:    make(map[models.Ticker]float64),
	}
}

// Track adds ticker to the walk starting at price, or resets its price.
func (s *PriceSimulator) Track(ticker models.Ticker, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = util.RoundToTick(math.Max(price, s.cfg.TickSize), s.cfg.TickSize)
}

// Price returns the current simulated price of ticker.
func (s *PriceSimulator) Price(ticker models.Ticker) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[ticker]
	return p, ok
}

// Step moves every tracked price once and publishes the result.
func (s *PriceSimulator) Step(ctx context.Context) {
	s.mu.Lock()
	tickers := make([]models.Ticker, 0, len(s.prices))
	for t := range s.prices {
		tickers = append(tickers, t)
	}
	slices.SortFunc(tickers, models.Ticker.Compare)
	moved := make([]float64, len(tickers))
	for i, t := range tickers {
		p := s.prices[t]
		// Simulate small price movements
		p += (s.random() - 0.5) * 2 * s.cfg.Volatility * p
		p = util.RoundToTick(math.Max(p, s.cfg.TickSize), s.cfg.TickSize)
		s.prices[t] = p
		moved[i] = p
	}
	s.mu.Unlock()

	for i, t := range tickers {
		s.publish(ctx, t, moved[i])
	}
}

// Jump sets ticker's price to price and publishes it immediately.
func (s *PriceSimulator) Jump(ctx context.Context, ticker models.Ticker, price float64) {
	s.Track(ticker, price)
	p, _ := s.Price(ticker)
	s.logger.WithField("ticker", ticker).Infof("Price jump to %.2f", p)
	s.publish(ctx, ticker, p)
}

func (s *PriceSimulator) publish(ctx context.Context, ticker models.Ticker, price float64) {
	half := s.cfg.Spread / 2
	bid := util.RoundToTick(price-half, s.cfg.TickSize)
	ask := util.RoundToTick(price+half, s.cfg.TickSize)
	now := s.now().UTC()

	for _, tick := range []models.Tick{
		{Ticker: ticker, Type: models.TickTypeBid, Price: bid, Bid: bid, Ask: ask, Timestamp: now},
		{Ticker: ticker, Type: models.TickTypeAsk, Price: ask, Bid: bid, Ask: ask, Timestamp: now},
		{Ticker: ticker, Type: models.TickTypeLast, Price: price, Bid: bid, Ask: ask, Timestamp: now},
	} {
		if ctx.Err() != nil {
			return
		}
		s.publisher.PublishTick(ctx, tick)
	}
}

// Run steps the walk every interval until ctx is cancelled.
func (s *PriceSimulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Infof("Price simulator running every %s", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}
