package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/theta_engine/internal/config"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Storage: config.StorageConfig{Path: filepath.Join(t.TempDir(), "journal", "reversals.json")},
		Paper: config.PaperConfig{
			Positions: []config.PositionConfig{
				{Type: "stock", Symbol: "SPY", Quantity: -200, Price: 500},
				{Type: "call", Symbol: "SPY", Quantity: -2, Strike: 500, Expiration: "2030-01-18"},
				{Type: "put", Symbol: "SPY", Quantity: -2, Strike: 500, Expiration: "2030-01-18"},
			},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

type running struct {
	bot    *Bot
	hook   *test.Hook
	cancel context.CancelFunc
	done   chan error
}

func startBot(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	logger, hook := test.NewNullLogger()
	bot, err := NewBot(cfg, logger)
	require.NoError(t, err)
	bot.reconnectDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{bot: bot, hook: hook, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- bot.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err, ok := <-r.done:
		if ok {
			assert.NoError(t, err)
			close(r.done)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not stop")
	}
}

func (r *running) logged(msg string) bool {
	for _, e := range r.hook.AllEntries() {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

func TestNewBot_WiresComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dashboard.Enabled = true
	cfg.Paper.Simulator.Enabled = true
	cfg.Paper.Simulator.Prices = map[string]float64{"SPY": 500}
	logger, _ := test.NewNullLogger()

	bot, err := NewBot(cfg, logger)
	require.NoError(t, err)

	assert.Len(t, bot.paper.Positions(), 3)
	assert.NotNil(t, bot.dashboard)
	require.NotNil(t, bot.simulator)
	price, ok := bot.simulator.Price(bot.tickers.Intern("SPY"))
	assert.True(t, ok)
	assert.Equal(t, 500.0, price)
}

func TestNewBot_NoSimulatorForWebsocketFeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.Provider = config.ProviderWebsocket
	cfg.Broker.WebsocketURL = "ws://127.0.0.1:1/ticks"
	cfg.Paper.Simulator.Enabled = true
	require.NoError(t, cfg.Validate())
	logger, _ := test.NewNullLogger()

	bot, err := NewBot(cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, bot.simulator)
	assert.Nil(t, bot.dashboard)
}

func TestNewBot_InvalidPosition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paper.Positions = append(cfg.Paper.Positions, config.PositionConfig{Type: "call", Symbol: "QQQ", Quantity: -1, Strike: 400})
	logger, _ := test.NewNullLogger()

	_, err := NewBot(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paper position 3")
}

func TestBot_ReversesHedgeOnCrossing(t *testing.T) {
	r := startBot(t, testConfig(t))
	spy := r.bot.tickers.Intern("SPY")

	require.Eventually(t, func() bool { return len(r.bot.monitor.Levels()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.PriceLevel{Ticker: spy, Price: 500, Direction: models.RisesAbove}, r.bot.monitor.Levels()[0])
	require.Len(t, r.bot.portfolio.Thetas(), 1)

	r.bot.paper.PublishTick(context.Background(), models.Tick{Ticker: spy, Type: models.TickTypeLast, Price: 501})

	require.Eventually(t, func() bool { return r.bot.storage.GetStatistics().Filled == 1 }, 2*time.Second, 10*time.Millisecond)
	records := r.bot.storage.GetReversals()
	require.Len(t, records, 1)
	assert.Equal(t, models.ActionBuy, records[0].Action)
	assert.Equal(t, int64(400), records[0].Quantity)
	assert.Equal(t, storage.OutcomeFilled, records[0].Outcome)
	assert.InDelta(t, 501.0, records[0].FillPrice, 1e-9)

	// the short hedge is now long 200, so the strategy is re-armed below the strike
	want := models.PriceLevel{Ticker: spy, Price: 500, Direction: models.FallsBelow}
	assert.Eventually(t, func() bool {
		levels := r.bot.monitor.Levels()
		return len(levels) == 1 && levels[0] == want
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, r.bot.portfolio.Thetas(), 1)
	assert.Equal(t, int64(200), r.bot.portfolio.Thetas()[0].Stock.Quantity)
	assert.True(t, r.logged("Hedge reversed"))
}

func TestBot_ReconnectsAndRearms(t *testing.T) {
	r := startBot(t, testConfig(t))

	require.Eventually(t, func() bool { return len(r.bot.monitor.Levels()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.bot.paper.Disconnect())
	require.Eventually(t, func() bool { return r.logged("Broker disconnected, stopping price monitor") }, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return r.bot.connection.Connected() && len(r.bot.monitor.Levels()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBot_SavesJournalOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	r := startBot(t, cfg)

	require.Eventually(t, func() bool { return len(r.bot.monitor.Levels()) == 1 }, 2*time.Second, 10*time.Millisecond)
	r.stop(t)

	_, err := os.Stat(cfg.Storage.Path)
	assert.NoError(t, err)
	assert.Equal(t, models.ManagerShutdown, r.bot.monitor.Status().State)
	assert.Equal(t, models.ManagerShutdown, r.bot.orders.Status().State)
	assert.False(t, r.bot.connection.Connected())
}

func TestBreakerSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.CircuitBreaker = config.CircuitBreakerConfig{
		MaxRequests:  7,
		Interval:     "2m",
		MinRequests:  9,
		FailureRatio: 0.25,
	}

	settings := breakerSettings(cfg)
	assert.Equal(t, uint32(7), settings.MaxRequests)
	assert.Equal(t, 2*time.Minute, settings.Interval)
	assert.Equal(t, 30*time.Second, settings.Timeout)
	assert.Equal(t, uint32(9), settings.MinRequests)
	assert.Equal(t, 0.25, settings.FailureRatio)
}
