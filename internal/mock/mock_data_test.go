package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/models"
)

var tickers = models.NewTickerRegistry()

type recorder struct {
	mu    sync.Mutex
	ticks []models.Tick
}

func (r *recorder) PublishTick(_ context.Context, tick models.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, tick)
}

func (r *recorder) all() []models.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Tick(nil), r.ticks...)
}

func TestSecureFloat64_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := secureFloat64()
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}

func TestNewPriceSimulator_NilPublisherPanics(t *testing.T) {
	assert.Panics(t, func() { NewPriceSimulator(nil, nil) })
}

func TestStep_MovesWithinVolatility(t *testing.T) {
	rec := &recorder{}
	sim := NewPriceSimulator(rec, nil, SimulatorConfig{Volatility: 0.01, Spread: 0.02, TickSize: 0.01})
	sim.random = func() float64 { return 1.0 } // maximum up move

	spy := tickers.Intern("SPY")
	sim.Track(spy, 100)
	sim.Step(context.Background())

	price, ok := sim.Price(spy)
	require.True(t, ok)
	assert.InDelta(t, 101.0, price, 1e-9)

	ticks := rec.all()
	require.Len(t, ticks, 3)
	assert.Equal(t, models.TickTypeBid, ticks[0].Type)
	assert.InDelta(t, 100.99, ticks[0].Price, 1e-9)
	assert.Equal(t, models.TickTypeAsk, ticks[1].Type)
	assert.InDelta(t, 101.01, ticks[1].Price, 1e-9)
	assert.Equal(t, models.TickTypeLast, ticks[2].Type)
	assert.InDelta(t, 101.0, ticks[2].Price, 1e-9)
	for _, tick := range ticks {
		assert.Equal(t, spy, tick.Ticker)
		assert.InDelta(t, 100.99, tick.Bid, 1e-9)
		assert.InDelta(t, 101.01, tick.Ask, 1e-9)
	}
}

func TestStep_PriceStaysPositive(t *testing.T) {
	rec := &recorder{}
	sim := NewPriceSimulator(rec, nil, SimulatorConfig{Volatility: 0.9, TickSize: 0.01})
	sim.random = func() float64 { return 0 } // maximum down move

	penny := tickers.Intern("PNY")
	sim.Track(penny, 0.02)
	for i := 0; i < 10; i++ {
		sim.Step(context.Background())
	}

	price, _ := sim.Price(penny)
	assert.GreaterOrEqual(t, price, 0.01)
}

func TestJump_PublishesImmediately(t *testing.T) {
	rec := &recorder{}
	sim := NewPriceSimulator(rec, nil)

	qqq := tickers.Intern("QQQ")
	sim.Jump(context.Background(), qqq, 412.346)

	ticks := rec.all()
	require.Len(t, ticks, 3)
	assert.InDelta(t, 412.35, ticks[2].Price, 1e-9)
}

func TestStep_CancelledContextPublishesNothing(t *testing.T) {
	rec := &recorder{}
	sim := NewPriceSimulator(rec, nil)
	sim.Track(tickers.Intern("IWM"), 200)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim.Step(ctx)

	assert.Empty(t, rec.all())
}

func TestRun_DrivesPaperBroker(t *testing.T) {
	paper := broker.NewPaperBroker(nil)
	sim := NewPriceSimulator(paper, nil, SimulatorConfig{Interval: 5 * time.Millisecond})

	dia := tickers.Intern("DIA")
	sim.Track(dia, 350)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	assert.Eventually(t, func() bool {
		tick, ok := paper.LastTick(dia)
		return ok && tick.Bid > 0 && tick.Ask > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
