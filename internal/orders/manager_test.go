package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/market"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/storage"
)

var tickers = models.NewTickerRegistry()

// recordingHandler records the orders passed to the paper broker.
type recordingHandler struct {
	*broker.PaperBroker

	mu        sync.Mutex
	submitted []*models.ExecutableOrder
	modified  []*models.ExecutableOrder
	cancelled []*models.ExecutableOrder

	submitGate  chan struct{} // when set, Submit blocks until it is closed
	cancelEmpty bool          // Cancel answers as if the order were already terminal
}

func (r *recordingHandler) Submit(ctx context.Context, o *models.ExecutableOrder) (<-chan broker.OrderStatusEvent, error) {
	r.mu.Lock()
	r.submitted = append(r.submitted, o)
	gate := r.submitGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return r.PaperBroker.Submit(ctx, o)
}

func (r *recordingHandler) Modify(ctx context.Context, o *models.ExecutableOrder) (bool, error) {
	r.mu.Lock()
	r.modified = append(r.modified, o)
	r.mu.Unlock()
	return r.PaperBroker.Modify(ctx, o)
}

func (r *recordingHandler) Cancel(ctx context.Context, o *models.ExecutableOrder) (<-chan broker.OrderStatusEvent, error) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, o)
	empty := r.cancelEmpty
	r.mu.Unlock()
	if empty {
		events := make(chan broker.OrderStatusEvent)
		close(events)
		return events, nil
	}
	return r.PaperBroker.Cancel(ctx, o)
}

func (r *recordingHandler) lastSubmitted() *models.ExecutableOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.submitted) == 0 {
		return nil
	}
	return r.submitted[len(r.submitted)-1]
}

func (r *recordingHandler) modifications() []*models.ExecutableOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.ExecutableOrder(nil), r.modified...)
}

func (r *recordingHandler) cancellations() []*models.ExecutableOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.ExecutableOrder(nil), r.cancelled...)
}

type fixture struct {
	handler *recordingHandler
	journal *storage.MockStorage
	manager *Manager
	hook    *test.Hook
}

func newFixture(t *testing.T, hours *market.Hours, config ...Config) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	paper := broker.NewPaperBroker(logger)
	_, err := paper.Connect(context.Background())
	require.NoError(t, err)

	f := &fixture{
		handler: &recordingHandler{PaperBroker: paper},
		journal: storage.NewMockStorage(),
		hook:    hook,
	}
	f.manager = NewManager(f.handler, f.journal, hours, logger, config...)
	f.manager.Start()
	t.Cleanup(f.manager.Shutdown)
	return f
}

func candidate(symbol string, qty int64, limit *float64) models.CandidateStockOrder {
	c := models.CandidateStockOrder{
		Stock:         models.NewStock(uuid.New(), tickers.Intern(symbol), qty, 50),
		ExecutionType: models.ExecutionMarket,
	}
	if limit != nil {
		c.ExecutionType = models.ExecutionLimit
		c.LimitPrice = limit
	}
	return c
}

func price(v float64) *float64 { return &v }

func lastTick(symbol string, p float64) models.Tick {
	return models.Tick{Ticker: tickers.Intern(symbol), Type: models.TickTypeLast, Price: p}
}

// reverseAsync runs ReverseTrade and waits until the order rests at the broker.
func (f *fixture) reverseAsync(t *testing.T, ctx context.Context, c models.CandidateStockOrder) (<-chan error, *models.ExecutableOrder) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.manager.ReverseTrade(ctx, c) }()

	require.Eventually(t, func() bool {
		for _, o := range f.manager.Outstanding() {
			if o.Ticker == c.Ticker() && o.Phase == models.PhaseSubmitted {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	order := f.handler.lastSubmitted()
	require.NotNil(t, order)
	return done, order
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("ReverseTrade did not return")
	}
	return nil
}

func TestNewManagerPanicsOnNilDependencies(t *testing.T) {
	logger, _ := test.NewNullLogger()
	assert.Panics(t, func() { NewManager(nil, storage.NewMockStorage(), nil, logger) })
	assert.Panics(t, func() { NewManager(broker.NewPaperBroker(logger), nil, nil, logger) })
}

func TestNewManagerClampsConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewManager(broker.NewPaperBroker(logger), storage.NewMockStorage(), nil, logger, Config{CancelTimeout: -1})
	assert.Equal(t, DefaultConfig.CancelTimeout, m.config.CancelTimeout)
	assert.Equal(t, models.ManagerShutdown, m.Status().State)
}

func TestReverseTradeRequiresRunning(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewManager(broker.NewPaperBroker(logger), storage.NewMockStorage(), nil, logger)
	err := m.ReverseTrade(context.Background(), candidate("ABC", 100, nil))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestReverseTradeRejectsInvalidCandidate(t *testing.T) {
	f := newFixture(t, nil)
	err := f.manager.ReverseTrade(context.Background(), candidate("ABC", 0, nil))
	assert.ErrorIs(t, err, models.ErrInvalidOrder)
	assert.Nil(t, f.handler.lastSubmitted())
}

func TestReverseTradeLongStockSellsAtMarket(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.PublishTick(context.Background(), lastTick("ABC", 14.99))

	require.NoError(t, f.manager.ReverseTrade(context.Background(), candidate("ABC", 100, nil)))

	order := f.handler.lastSubmitted()
	require.NotNil(t, order)
	assert.Equal(t, models.ActionSell, order.Action)
	assert.Equal(t, int64(200), order.Quantity)
	assert.Equal(t, models.ExecutionMarket, order.ExecutionType)
	assert.Empty(t, f.manager.Outstanding())

	records := f.journal.GetReversals()
	require.Len(t, records, 1)
	assert.Equal(t, storage.OutcomeFilled, records[0].Outcome)
	assert.Equal(t, 14.99, records[0].FillPrice)
	assert.Equal(t, order.BrokerID(), records[0].BrokerID)
	assert.Empty(t, records[0].Error)

	positions := f.handler.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, int64(-200), positions[0].Quantity)
}

func TestReverseTradeShortStockBuys(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.PublishTick(context.Background(), lastTick("XYZ", 15.01))

	require.NoError(t, f.manager.ReverseTrade(context.Background(), candidate("XYZ", -100, nil)))
	order := f.handler.lastSubmitted()
	assert.Equal(t, models.ActionBuy, order.Action)
	assert.Equal(t, int64(200), order.Quantity)
}

func TestConvertToMarketOrderIfExists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	done, order := f.reverseAsync(t, ctx, candidate("LMT", 100, price(60)))
	assert.True(t, order.HasBrokerID())

	converted, err := f.manager.ConvertToMarketOrderIfExists(ctx, order.Ticker)
	require.NoError(t, err)
	assert.True(t, converted)

	mods := f.handler.modifications()
	require.Len(t, mods, 1)
	assert.Equal(t, order.ID, mods[0].ID)
	assert.Equal(t, order.BrokerID(), mods[0].BrokerID())
	assert.Equal(t, models.ExecutionMarket, mods[0].ExecutionType)
	assert.Nil(t, mods[0].LimitPrice)

	outstanding := f.manager.Outstanding()
	require.Len(t, outstanding, 1)
	assert.Equal(t, models.ExecutionMarket, outstanding[0].ExecutionType)
	assert.Equal(t, 1, outstanding[0].Conversions)

	// already at market
	converted, err = f.manager.ConvertToMarketOrderIfExists(ctx, order.Ticker)
	require.NoError(t, err)
	assert.False(t, converted)
	assert.Len(t, f.handler.modifications(), 1)

	f.handler.PublishTick(ctx, lastTick("LMT", 55))
	require.NoError(t, wait(t, done))

	records := f.journal.GetReversals()
	require.Len(t, records, 1)
	assert.Equal(t, storage.OutcomeFilled, records[0].Outcome)
	assert.Equal(t, models.ExecutionMarket, records[0].ExecutionType)
	assert.Equal(t, 1, records[0].Conversions)
	assert.Equal(t, 55.0, records[0].FillPrice)
}

func TestConvertToMarketOrderIfExistsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	converted, err := f.manager.ConvertToMarketOrderIfExists(ctx, tickers.Intern("NONE"))
	require.NoError(t, err)
	assert.False(t, converted)

	done, order := f.reverseAsync(t, ctx, candidate("MKT", 100, nil))
	converted, err = f.manager.ConvertToMarketOrderIfExists(ctx, order.Ticker)
	require.NoError(t, err)
	assert.False(t, converted)
	assert.Empty(t, f.handler.modifications())

	f.handler.PublishTick(ctx, lastTick("MKT", 10))
	require.NoError(t, wait(t, done))
}

func TestConvertToMarketDeclinedByBroker(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done, order := f.reverseAsync(t, ctx, candidate("DEC", 100, price(60)))
	f.handler.SetModifyResult(false)

	converted, err := f.manager.ConvertToMarketOrderIfExists(ctx, order.Ticker)
	require.NoError(t, err)
	assert.False(t, converted)
	assert.Equal(t, models.ExecutionLimit, f.manager.Outstanding()[0].ExecutionType)

	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
}

func TestStreamErrorCancelsAndPropagates(t *testing.T) {
	f := newFixture(t, nil)
	done, order := f.reverseAsync(t, context.Background(), candidate("ERR", 100, nil))

	boom := errors.New("socket reset")
	require.NoError(t, f.handler.InjectStreamError(order, boom))

	err := wait(t, done)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, order.ID, execErr.Order.ID)
	assert.True(t, execErr.Confirmed)
	assert.NotErrorIs(t, err, ErrOrderStateUnknown)

	cancels := f.handler.cancellations()
	require.Len(t, cancels, 1)
	assert.Equal(t, order.ID, cancels[0].ID)
	state, _, ok := f.handler.OrderState(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderCancelled, state)

	records := f.journal.GetReversals()
	require.Len(t, records, 1)
	assert.Equal(t, storage.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, "socket reset", records[0].Error)
	assert.Empty(t, f.manager.Outstanding())
}

func TestSubmitErrorIsExecutionError(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("rejected by risk")
	f.handler.FailNextSubmit(boom)

	err := f.manager.ReverseTrade(context.Background(), candidate("SUB", 100, nil))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, f.handler.cancellations(), 1)
	assert.Empty(t, f.manager.Outstanding())

	// the broker may have accepted the order before failing the call
	assert.False(t, execErr.Confirmed)
	assert.ErrorIs(t, err, ErrOrderStateUnknown)

	records := f.journal.GetReversals()
	require.Len(t, records, 1)
	assert.Equal(t, storage.OutcomeFailed, records[0].Outcome)
}

func TestSubmitErrorBeforeReachingBrokerIsConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.handler.Disconnect())

	err := f.manager.ReverseTrade(context.Background(), candidate("OFF", 100, nil))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.True(t, execErr.Confirmed)
	assert.NotErrorIs(t, err, ErrOrderStateUnknown)
}

func TestStreamErrorWithUnconfirmedCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.cancelEmpty = true
	done, order := f.reverseAsync(t, context.Background(), candidate("GONE", 100, price(60)))

	require.NoError(t, f.handler.InjectStreamError(order, errors.New("socket read error")))

	err := wait(t, done)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.False(t, execErr.Confirmed)
	assert.ErrorIs(t, err, ErrOrderStateUnknown)
	assert.Contains(t, err.Error(), "order state unknown")
	assert.Len(t, f.handler.cancellations(), 1)
}

func TestConvertToMarketBeforeSubmitReturns(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	f.handler.submitGate = gate
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := candidate("PRE", 100, price(60))
	done := make(chan error, 1)
	go func() { done <- f.manager.ReverseTrade(ctx, c) }()
	require.Eventually(t, func() bool {
		out := f.manager.Outstanding()
		return len(out) == 1 && out[0].Phase == models.PhaseCreated
	}, time.Second, 5*time.Millisecond)

	converted, err := f.manager.ConvertToMarketOrderIfExists(ctx, c.Ticker())
	require.NoError(t, err)
	assert.False(t, converted)
	assert.Empty(t, f.handler.modifications())

	close(gate)
	require.Eventually(t, func() bool {
		out := f.manager.Outstanding()
		return len(out) == 1 && out[0].Phase == models.PhaseSubmitted
	}, time.Second, 5*time.Millisecond)
	converted, err = f.manager.ConvertToMarketOrderIfExists(ctx, c.Ticker())
	require.NoError(t, err)
	assert.True(t, converted)

	f.handler.PublishTick(ctx, lastTick("PRE", 55))
	require.NoError(t, wait(t, done))
}

func TestStreamClosedWithoutTerminalState(t *testing.T) {
	f := newFixture(t, nil)
	done, order := f.reverseAsync(t, context.Background(), candidate("NTS", 100, nil))

	require.NoError(t, f.handler.CloseStream(order))
	assert.ErrorIs(t, wait(t, done), ErrNoTerminalState)
	assert.Equal(t, storage.OutcomeFailed, f.journal.GetReversals()[0].Outcome)
}

func TestUnknownOrderState(t *testing.T) {
	f := newFixture(t, nil)
	done, order := f.reverseAsync(t, context.Background(), candidate("UNK", 100, nil))

	require.NoError(t, f.handler.InjectStatus(order, "Inactive"))
	assert.ErrorIs(t, wait(t, done), ErrUnknownOrderState)
	assert.Len(t, f.handler.cancellations(), 1)
}

func TestCancelIfExists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	done, order := f.reverseAsync(t, ctx, candidate("CXL", 100, nil))

	cancelled, err := f.manager.CancelIfExists(ctx, order.Ticker)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.ErrorIs(t, wait(t, done), ErrOrderCancelled)

	cancelled, err = f.manager.CancelIfExists(ctx, order.Ticker)
	require.NoError(t, err)
	assert.False(t, cancelled)

	records := f.journal.GetReversals()
	require.Len(t, records, 1)
	assert.Equal(t, storage.OutcomeCancelled, records[0].Outcome)
}

func TestOneOutstandingOrderPerTicker(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	done, _ := f.reverseAsync(t, ctx, candidate("ONE", 100, nil))

	err := f.manager.ReverseTrade(ctx, candidate("ONE", -100, nil))
	assert.ErrorIs(t, err, ErrOrderOutstanding)
	assert.True(t, f.manager.HasOutstanding(tickers.Intern("ONE")))

	f.handler.PublishTick(ctx, lastTick("TWO", 20))
	require.NoError(t, f.manager.ReverseTrade(ctx, candidate("TWO", 100, nil)))

	f.handler.PublishTick(ctx, lastTick("ONE", 20))
	require.NoError(t, wait(t, done))
	assert.False(t, f.manager.HasOutstanding(tickers.Intern("ONE")))
}

func TestContextCancellationCancelsOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done, order := f.reverseAsync(t, ctx, candidate("CTX", 100, nil))

	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	state, _, _ := f.handler.OrderState(order.ID)
	assert.Equal(t, models.OrderCancelled, state)
}

func TestShutdownCancelsInflightReversals(t *testing.T) {
	f := newFixture(t, nil)
	done, order := f.reverseAsync(t, context.Background(), candidate("SHD", 100, nil))

	f.manager.Shutdown()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	assert.Equal(t, models.ManagerShutdown, f.manager.Status().State)
	state, _, _ := f.handler.OrderState(order.ID)
	assert.Equal(t, models.OrderCancelled, state)

	err := f.manager.ReverseTrade(context.Background(), candidate("SHD", 100, nil))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestMarketHoursPolicy(t *testing.T) {
	hours := market.MustNewHours(market.Config{Timezone: "UTC", Open: "09:30", Close: "16:00"})
	saturday := time.Date(2020, 5, 2, 12, 0, 0, 0, time.UTC)

	t.Run("enforced", func(t *testing.T) {
		f := newFixture(t, hours, Config{EnforceMarketHours: true})
		f.manager.now = func() time.Time { return saturday }

		err := f.manager.ReverseTrade(context.Background(), candidate("HRS", 100, nil))
		assert.ErrorIs(t, err, ErrOutsideMarketHours)
		assert.Nil(t, f.handler.lastSubmitted())

		records := f.journal.GetReversals()
		require.Len(t, records, 1)
		assert.Equal(t, storage.OutcomeRefused, records[0].Outcome)
	})

	t.Run("advisory", func(t *testing.T) {
		f := newFixture(t, hours)
		f.manager.now = func() time.Time { return saturday }
		f.handler.PublishTick(context.Background(), lastTick("HRS", 30))

		require.NoError(t, f.manager.ReverseTrade(context.Background(), candidate("HRS", 100, nil)))

		var warned bool
		for _, e := range f.hook.AllEntries() {
			if e.Message == "Reversing outside market hours" {
				warned = true
			}
		}
		assert.True(t, warned)
	})

	t.Run("during session", func(t *testing.T) {
		f := newFixture(t, hours, Config{EnforceMarketHours: true})
		f.manager.now = func() time.Time { return time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC) }
		f.handler.PublishTick(context.Background(), lastTick("HRS", 30))

		require.NoError(t, f.manager.ReverseTrade(context.Background(), candidate("HRS", 100, nil)))
	})
}

func TestJournalFailureDoesNotFailReversal(t *testing.T) {
	f := newFixture(t, nil)
	f.journal.SetRecordError(errors.New("disk full"))
	f.handler.PublishTick(context.Background(), lastTick("JNL", 12))

	require.NoError(t, f.manager.ReverseTrade(context.Background(), candidate("JNL", 100, nil)))

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Failed to journal reversal" {
			logged = true
		}
	}
	assert.True(t, logged)
}
