package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/config"
	"github.com/eddiefleurent/theta_engine/internal/connection"
	"github.com/eddiefleurent/theta_engine/internal/dashboard"
	"github.com/eddiefleurent/theta_engine/internal/logging"
	"github.com/eddiefleurent/theta_engine/internal/market"
	"github.com/eddiefleurent/theta_engine/internal/mock"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/monitor"
	"github.com/eddiefleurent/theta_engine/internal/orders"
	"github.com/eddiefleurent/theta_engine/internal/portfolio"
	"github.com/eddiefleurent/theta_engine/internal/retry"
	"github.com/eddiefleurent/theta_engine/internal/storage"
	"github.com/eddiefleurent/theta_engine/internal/strategy"
)

// reconnectDelay is the pause between session attempts.
const reconnectDelay = 5 * time.Second

// Bot wires the engine's components together.
type Bot struct {
	config *config.Config
	logger *logrus.Logger

	tickers    *models.TickerRegistry
	paper      *broker.PaperBroker
	positions  broker.PositionFeed
	hours      *market.Hours
	storage    storage.Interface
	connection *connection.Manager
	monitor    *monitor.Monitor
	portfolio  *portfolio.Manager
	orders     *orders.Manager
	retry      *retry.Client
	cycle      *TradingCycle
	reconciler *Reconciler
	dashboard  *dashboard.Server
	simulator  *mock.PriceSimulator

	reconnectDelay time.Duration
	dispatched     sync.WaitGroup
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Environment.LogLevel,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeQuietly(closer)

	logger.Infof("Starting theta engine in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Warnf("LIVE MODE - market data from %s", cfg.Broker.WebsocketURL)
	}

	bot, err := NewBot(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize bot")
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.WithError(err).Error("Bot error")
		closeQuietly(closer)
		os.Exit(1)
	}

	logger.Info("Bot stopped successfully")
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// NewBot builds every component from cfg.
func NewBot(cfg *config.Config, logger *logrus.Logger) (*Bot, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Bot{
		config:         cfg,
		logger:         logger,
		tickers:        models.NewTickerRegistry(),
		reconnectDelay: reconnectDelay,
	}

	b.paper = broker.NewPaperBroker(logger, broker.PaperConfig{
		CommissionShare: cfg.Broker.CommissionRate,
		MinCommission:   cfg.Broker.MinCommission,
	})
	b.positions = b.paper
	for i, p := range cfg.Paper.Positions {
		sec, err := positionFromConfig(b.tickers, p)
		if err != nil {
			return nil, fmt.Errorf("paper position %d: %w", i, err)
		}
		b.paper.AddPosition(sec)
	}

	var ticks broker.TickFeed = b.paper
	if cfg.Broker.Provider == config.ProviderWebsocket {
		ticks = broker.NewWebsocketTickFeed(broker.WebsocketConfig{
			URL:         cfg.Broker.WebsocketURL,
			Token:       cfg.Broker.APIKey,
			ReadTimeout: cfg.ReadTimeout(),
		}, logger)
	}

	execution := broker.NewCircuitBreakerExecutionHandlerWithSettings(b.paper, breakerSettings(cfg), logger)

	hours, err := market.NewHours(market.Config{
		Timezone: cfg.Schedule.Timezone,
		Open:     cfg.Schedule.TradingStart,
		Close:    cfg.Schedule.TradingEnd,
		Holidays: cfg.Schedule.Holidays,
	})
	if err != nil {
		return nil, fmt.Errorf("market hours: %w", err)
	}
	b.hours = hours

	b.storage, err = storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("reversal journal: %w", err)
	}

	var processor monitor.TickProcessor = monitor.LastTickProcessor{}
	if cfg.Monitor.Processor == config.ProcessorBidAsk {
		processor = monitor.NewBidAskSpreadTickProcessor(cfg.Monitor.TickSize)
	}
	b.monitor = monitor.New(ticks, processor, logger, monitor.Config{
		DelayWarning:    cfg.DelayWarning(),
		CandidateBuffer: cfg.Monitor.CandidateBuffer,
	})

	b.orders = orders.NewManager(execution, b.storage, hours, logger, orders.Config{
		EnforceMarketHours: cfg.Orders.EnforceMarketHours,
		CancelTimeout:      cfg.CancelTimeout(),
	})
	b.retry = retry.NewClient(b.orders, logger, retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.RetryInitialBackoff(),
		MaxBackoff:     cfg.RetryMaxBackoff(),
		Timeout:        cfg.RetryTimeout(),
	})

	b.portfolio = portfolio.NewManager(strategy.NewComposer(logger), b.monitor, logger)
	b.connection = connection.NewManager(b.paper, logger, 0)
	b.reconciler = NewReconciler(b.portfolio, b.monitor, b.orders, logger)
	b.cycle = NewTradingCycle(b.orders, b.reconciler, hours, CycleConfig{
		MarketConversionAfter: cfg.MarketConversionAfter(),
		ConvertBeforeClose:    cfg.ConvertBeforeClose(),
	}, logger)

	if cfg.IsPaperTrading() && cfg.Broker.Provider == config.ProviderPaper && cfg.Paper.Simulator.Enabled {
		b.simulator = mock.NewPriceSimulator(b.paper, logger, mock.SimulatorConfig{
			Interval:   cfg.SimulatorInterval(),
			Volatility: cfg.Paper.Simulator.Volatility,
			Spread:     mock.DefaultSimulatorConfig.Spread,
			TickSize:   cfg.Monitor.TickSize,
		})
		for symbol, price := range cfg.Paper.Simulator.Prices {
			b.simulator.Track(b.tickers.Intern(symbol), price)
		}
	}

	if cfg.Dashboard.Enabled {
		b.dashboard = dashboard.NewServer(dashboard.Sources{
			Levels:     b.monitor,
			Orders:     b.orders,
			Portfolio:  b.portfolio,
			Journal:    b.storage,
			Connection: b.connection,
			Hours:      hours,
			Components: []dashboard.StatusSource{b.connection, b.monitor, b.portfolio, b.orders},
		}, cfg.Environment.Mode, logger, dashboard.Config{
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
		})
	}

	return b, nil
}

func breakerSettings(cfg *config.Config) broker.CircuitBreakerSettings {
	settings := broker.DefaultCircuitBreakerSettings
	cb := cfg.Broker.CircuitBreaker
	if cb.MaxRequests > 0 {
		settings.MaxRequests = cb.MaxRequests
	}
	if d := cfg.BreakerInterval(); d > 0 {
		settings.Interval = d
	}
	if d := cfg.BreakerTimeout(); d > 0 {
		settings.Timeout = d
	}
	if cb.MinRequests > 0 {
		settings.MinRequests = cb.MinRequests
	}
	if cb.FailureRatio > 0 {
		settings.FailureRatio = cb.FailureRatio
	}
	return settings
}

// Run starts every flow and blocks until ctx is cancelled or a flow fails.
// In-flight reversals are cancelled and awaited before it returns.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Bot starting main loop...")

	b.orders.Start()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.session(gctx) })
	g.Go(func() error { return b.dispatch(gctx) })
	g.Go(func() error { return b.watchErrors(gctx) })
	g.Go(func() error { return b.cycle.Loop(gctx) })
	if b.simulator != nil {
		g.Go(func() error { return b.simulator.Run(gctx) })
	}
	if b.dashboard != nil {
		g.Go(func() error { return b.dashboard.Run(gctx) })
	}

	err := g.Wait()
	b.orders.Shutdown()
	b.dispatched.Wait()
	b.monitor.Shutdown()
	b.connection.Shutdown()

	if err := b.storage.Save(); err != nil {
		b.logger.WithError(err).Error("Failed to save reversal journal")
	}
	return err
}

// session keeps a brokerage session open. While connected the monitor runs
// and the portfolio consumes position updates; a disconnect stops both until
// the next session.
func (b *Bot) session(ctx context.Context) error {
	for {
		b.drainStatuses()
		if err := b.connection.Connect(ctx); err != nil && !errors.Is(err, connection.ErrAlreadyConnected) {
			b.logger.WithError(err).Error("Failed to connect to broker")
		} else {
			b.runSession(ctx)
		}

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.reconnectDelay):
		}
	}
}

// drainStatuses discards updates left over from a finished session.
func (b *Bot) drainStatuses() {
	for {
		select {
		case <-b.connection.Statuses():
		default:
			return
		}
	}
}

func (b *Bot) runSession(ctx context.Context) {
	b.logger.Info("Connected to broker")
	b.monitor.Start()
	defer b.monitor.Shutdown()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	portfolioDone := make(chan error, 1)
	go func() { portfolioDone <- b.portfolio.Run(sessCtx, b.positions) }()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-portfolioDone
			return
		case status := <-b.connection.Statuses():
			if status.State != models.Disconnected {
				continue
			}
			b.logger.Warn("Broker disconnected, stopping price monitor")
			cancel()
			<-portfolioDone
			b.connection.Shutdown()
			return
		case err := <-portfolioDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				b.logger.WithError(err).Error("Position feed failed")
			}
			// without positions the session is useless; start a fresh one
			b.connection.Shutdown()
			return
		}
	}
}

// dispatch hands every crossing to the retry client, one goroutine each.
func (b *Bot) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case candidate := <-b.monitor.Candidates():
			b.dispatched.Add(1)
			go func() {
				defer b.dispatched.Done()
				b.handleCandidate(ctx, candidate)
			}()
		}
	}
}

func (b *Bot) handleCandidate(ctx context.Context, candidate models.CandidateStockOrder) {
	log := b.logger.WithFields(logrus.Fields{
		"component": "bot",
		"ticker":    candidate.Ticker(),
		"stock":     shortID(candidate.Stock.ID.String()),
		"quantity":  candidate.Stock.Quantity,
	})
	log.Info("Price level crossed, reversing hedge")

	err := b.retry.ReverseWithRetry(ctx, candidate)
	switch {
	case err == nil:
		log.Info("Hedge reversed")
	case errors.Is(err, orders.ErrOrderOutstanding):
		log.Info("Reversal already in progress")
	case errors.Is(err, orders.ErrOrderStateUnknown):
		log.WithError(err).Error("Reversal outcome unknown, not resubmitting; check the brokerage")
	case errors.Is(err, context.Canceled):
		log.Warn("Reversal abandoned on shutdown")
	default:
		log.WithError(err).Error("Reversal failed")
	}
}

// watchErrors logs feed failures and tries to re-arm the affected ticker.
func (b *Bot) watchErrors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-b.monitor.Errors():
			var feedErr *monitor.FeedError
			if !errors.As(err, &feedErr) {
				b.logger.WithError(err).Error("Monitor error")
				continue
			}
			log := b.logger.WithField("ticker", feedErr.Ticker)
			log.WithError(feedErr.Err).Warn("Tick feed failed, level disarmed")
			if !b.connection.Connected() {
				continue
			}
			if armed, err := b.reconciler.Rearm(feedErr.Ticker); err != nil {
				log.WithError(err).Error("Failed to re-arm level")
			} else if armed {
				log.Info("Level re-armed")
			}
		}
	}
}
