// Command integration drives the engine end to end against the paper broker.
// It seeds two hedged positions, pushes each price through its level and
// checks that the reversal was filled and journalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/connection"
	"github.com/eddiefleurent/theta_engine/internal/logging"
	"github.com/eddiefleurent/theta_engine/internal/mock"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/monitor"
	"github.com/eddiefleurent/theta_engine/internal/orders"
	"github.com/eddiefleurent/theta_engine/internal/portfolio"
	"github.com/eddiefleurent/theta_engine/internal/retry"
	"github.com/eddiefleurent/theta_engine/internal/storage"
	"github.com/eddiefleurent/theta_engine/internal/strategy"
)

type scenario struct {
	symbol   string
	shares   int64
	strike   float64
	crossing float64
	action   models.ExecutionAction
}

var scenarios = []scenario{
	{symbol: "SPY", shares: -200, strike: 500, crossing: 501.5, action: models.ActionBuy},
	{symbol: "QQQ", shares: 100, strike: 400, crossing: 398.5, action: models.ActionSell},
}

type harness struct {
	logger    *logrus.Logger
	tickers   *models.TickerRegistry
	paper     *broker.PaperBroker
	conn      *connection.Manager
	monitor   *monitor.Monitor
	orders    *orders.Manager
	retry     *retry.Client
	portfolio *portfolio.Manager
	journal   storage.Interface
	simulator *mock.PriceSimulator
}

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "Deadline for each scenario step")
	level := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	fmt.Println("=== Theta Engine - End-to-End Integration Test ===")
	fmt.Println()

	logger, closer, err := logging.New(logging.Config{Level: *level, Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	dir, err := os.MkdirTemp("", "theta-integration-*")
	if err != nil {
		logger.WithError(err).Fatal("Failed to create journal directory")
	}
	defer func() { _ = os.RemoveAll(dir) }()

	h, err := newHarness(logger, filepath.Join(dir, "reversals.json"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to build harness")
	}

	ctx, cancel := context.WithCancel(context.Background())
	failed := h.run(ctx, *timeout)
	cancel()
	h.shutdown()

	stats := h.journal.GetStatistics()
	fmt.Println()
	fmt.Println("Journal statistics:")
	fmt.Printf("  Reversals:   %d (filled %d, failed %d, refused %d)\n", stats.TotalReversals, stats.Filled, stats.Failed, stats.Refused)
	fmt.Printf("  Shares:      bought %d, sold %d\n", stats.SharesBought, stats.SharesSold)
	fmt.Printf("  Commission:  $%.2f\n", stats.TotalCommission)
	fmt.Println()

	if failed > 0 {
		fmt.Printf("FAILED: %d of %d scenarios\n", failed, len(scenarios))
		os.Exit(1)
	}
	fmt.Printf("PASSED: %d scenarios\n", len(scenarios))
}

func newHarness(logger *logrus.Logger, journalPath string) (*harness, error) {
	h := &harness{
		logger:  logger,
		tickers: models.NewTickerRegistry(),
		paper:   broker.NewPaperBroker(logger),
	}

	for _, s := range scenarios {
		if err := h.seed(s); err != nil {
			return nil, fmt.Errorf("seed %s: %w", s.symbol, err)
		}
	}

	journal, err := storage.NewStorage(journalPath)
	if err != nil {
		return nil, err
	}
	h.journal = journal

	h.conn = connection.NewManager(h.paper, logger, 0)
	h.monitor = monitor.New(h.paper, monitor.LastTickProcessor{}, logger)
	h.orders = orders.NewManager(h.paper, journal, nil, logger)
	h.retry = retry.NewClient(h.orders, logger, retry.Config{
		MaxRetries:     2,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	})
	h.portfolio = portfolio.NewManager(strategy.NewComposer(logger), h.monitor, logger)
	h.simulator = mock.NewPriceSimulator(h.paper, logger)
	return h, nil
}

// seed adds the stock leg and one short straddle per hundred shares.
func (h *harness) seed(s scenario) error {
	ticker := h.tickers.Intern(s.symbol)
	contracts := s.shares / models.SharesPerContract
	if contracts < 0 {
		contracts = -contracts
	}
	expiration := time.Now().AddDate(0, 1, 0).Truncate(24 * time.Hour)

	h.paper.AddPosition(models.NewStock(uuid.New(), ticker, s.shares, s.strike))
	for _, kind := range []models.SecurityType{models.SecurityTypeCall, models.SecurityTypePut} {
		opt, err := models.NewOption(uuid.New(), ticker, kind, -contracts, s.strike, expiration)
		if err != nil {
			return err
		}
		h.paper.AddPosition(opt)
	}
	return nil
}

func (h *harness) run(ctx context.Context, timeout time.Duration) int {
	if err := h.conn.Connect(ctx); err != nil {
		fmt.Printf("❌ Connect: %v\n", err)
		return len(scenarios)
	}
	h.monitor.Start()
	h.orders.Start()

	go func() {
		if err := h.portfolio.Run(ctx, h.paper); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.WithError(err).Error("Position feed failed")
		}
	}()
	go h.dispatch(ctx)

	if !waitFor(timeout, func() bool { return len(h.monitor.Levels()) == len(scenarios) }) {
		fmt.Printf("❌ Levels armed: want %d, got %d\n", len(scenarios), len(h.monitor.Levels()))
		return len(scenarios)
	}
	fmt.Printf("✅ %d levels armed\n", len(scenarios))

	failed := 0
	for _, s := range scenarios {
		if err := h.cross(ctx, s, timeout); err != nil {
			fmt.Printf("❌ %s: %v\n", s.symbol, err)
			failed++
			continue
		}
		fmt.Printf("✅ %s: %s %d reversed at %.2f\n", s.symbol, s.action, 2*abs(s.shares), s.crossing)
	}
	return failed
}

// cross moves the price through the level and waits for the filled record.
func (h *harness) cross(ctx context.Context, s scenario, timeout time.Duration) error {
	ticker := h.tickers.Intern(s.symbol)
	h.simulator.Track(ticker, s.strike)
	h.simulator.Jump(ctx, ticker, s.crossing)

	var rec storage.ReversalRecord
	found := waitFor(timeout, func() bool {
		for _, r := range h.journal.GetReversalsForTicker(ticker) {
			if r.Outcome == storage.OutcomeFilled {
				rec = r
				return true
			}
		}
		return false
	})
	switch {
	case !found:
		return fmt.Errorf("no filled reversal within %s", timeout)
	case rec.Action != s.action:
		return fmt.Errorf("action %s, want %s", rec.Action, s.action)
	case rec.Quantity != 2*abs(s.shares):
		return fmt.Errorf("quantity %d, want %d", rec.Quantity, 2*abs(s.shares))
	}

	// the hedge flipped sides, so the level is re-armed the other way
	want := models.FallsBelow
	if s.shares > 0 {
		want = models.RisesAbove
	}
	if !waitFor(timeout, func() bool {
		for _, level := range h.monitor.Levels() {
			if level.Ticker == ticker && level.Direction == want {
				return true
			}
		}
		return false
	}) {
		return fmt.Errorf("level not re-armed %s after the reversal filled", want)
	}
	return nil
}

func (h *harness) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case candidate := <-h.monitor.Candidates():
			go func() {
				if err := h.retry.ReverseWithRetry(ctx, candidate); err != nil {
					h.logger.WithError(err).WithField("ticker", candidate.Ticker()).Error("Reversal failed")
				}
			}()
		}
	}
}

func (h *harness) shutdown() {
	h.orders.Shutdown()
	h.monitor.Shutdown()
	h.conn.Shutdown()
	if err := h.journal.Save(); err != nil {
		h.logger.WithError(err).Error("Failed to save journal")
	}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
