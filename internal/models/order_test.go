package models

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestReverseStockOrder_ReversalRule(t *testing.T) {
	spy := NewTickerRegistry().Intern("SPY")

	tests := []struct {
		name       string
		quantity   int64
		execType   ExecutionType
		limit      *float64
		wantAction ExecutionAction
		wantQty    int64
	}{
		{"long market", 100, ExecutionMarket, nil, ActionSell, 200},
		{"short market", -100, ExecutionMarket, nil, ActionBuy, 200},
		{"long limit", 300, ExecutionLimit, floatPtr(14.95), ActionSell, 600},
		{"short limit", -700, ExecutionLimit, floatPtr(15.05), ActionBuy, 1400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := CandidateStockOrder{
				Stock:         NewStock(uuid.New(), spy, tt.quantity, 15),
				ExecutionType: tt.execType,
				LimitPrice:    tt.limit,
			}
			order, err := ReverseStockOrder(candidate)
			require.NoError(t, err)

			if order.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", order.Action, tt.wantAction)
			}
			if order.Quantity != tt.wantQty {
				t.Errorf("quantity = %d, want %d", order.Quantity, tt.wantQty)
			}
			assert.Equal(t, SecurityTypeStock, order.SecurityType)
			assert.Equal(t, tt.execType, order.ExecutionType)
			assert.Equal(t, spy, order.Ticker)
			if tt.limit == nil {
				assert.Nil(t, order.LimitPrice)
			} else {
				require.NotNil(t, order.LimitPrice)
				assert.Equal(t, *tt.limit, *order.LimitPrice)
				assert.NotSame(t, tt.limit, order.LimitPrice)
			}
			assert.False(t, order.HasBrokerID())
		})
	}
}

func TestCandidateStockOrder_Validate(t *testing.T) {
	spy := NewTickerRegistry().Intern("SPY")
	stock := NewStock(uuid.New(), spy, 100, 15)
	call := mustOption(t, spy, SecurityTypeCall, -1, 15, testExpiry)

	tests := []struct {
		name      string
		candidate CandidateStockOrder
		wantErr   bool
	}{
		{"market", CandidateStockOrder{Stock: stock, ExecutionType: ExecutionMarket}, false},
		{"limit", CandidateStockOrder{Stock: stock, ExecutionType: ExecutionLimit, LimitPrice: floatPtr(14.9)}, false},
		{"option leg", CandidateStockOrder{Stock: call, ExecutionType: ExecutionMarket}, true},
		{"zero quantity", CandidateStockOrder{Stock: stock.WithQuantity(0), ExecutionType: ExecutionMarket}, true},
		{"limit without price", CandidateStockOrder{Stock: stock, ExecutionType: ExecutionLimit}, true},
		{"market with price", CandidateStockOrder{Stock: stock, ExecutionType: ExecutionMarket, LimitPrice: floatPtr(1)}, true},
		{"unknown type", CandidateStockOrder{Stock: stock, ExecutionType: "STOP"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.candidate.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOrder)
				_, rerr := ReverseStockOrder(tt.candidate)
				assert.Error(t, rerr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecutableOrder_BrokerIDSetOnce(t *testing.T) {
	order := &ExecutableOrder{ID: uuid.New()}

	if err := order.SetBrokerID(""); err == nil {
		t.Error("empty broker id should be rejected")
	}
	require.NoError(t, order.SetBrokerID("B-1"))
	err := order.SetBrokerID("B-2")
	if !errors.Is(err, ErrBrokerIDAlreadySet) {
		t.Errorf("second SetBrokerID error = %v, want ErrBrokerIDAlreadySet", err)
	}
	assert.Equal(t, "B-1", order.BrokerID())
}

func TestExecutableOrder_ConcurrentSetBrokerID(t *testing.T) {
	order := &ExecutableOrder{ID: uuid.New()}
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if order.SetBrokerID(uuid.NewString()) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestExecutableOrder_WithMarketExecution(t *testing.T) {
	spy := NewTickerRegistry().Intern("SPY")
	order, err := ReverseStockOrder(CandidateStockOrder{
		Stock:         NewStock(uuid.New(), spy, 100, 15),
		ExecutionType: ExecutionLimit,
		LimitPrice:    floatPtr(14.9),
	})
	require.NoError(t, err)
	require.NoError(t, order.SetBrokerID("B-7"))

	market := order.WithMarketExecution()
	assert.Equal(t, order.ID, market.ID)
	assert.Equal(t, "B-7", market.BrokerID())
	assert.Equal(t, ExecutionMarket, market.ExecutionType)
	assert.Nil(t, market.LimitPrice)
	assert.Equal(t, order.Quantity, market.Quantity)
	assert.Equal(t, order.Action, market.Action)
	assert.Equal(t, ExecutionLimit, order.ExecutionType, "original untouched")
}

func TestOrderState(t *testing.T) {
	assert.True(t, OrderFilled.IsTerminal())
	assert.True(t, OrderCancelled.IsTerminal())
	assert.False(t, OrderPending.IsTerminal())
	assert.False(t, OrderSubmitted.IsTerminal())
	assert.True(t, OrderSubmitted.IsKnown())
	assert.False(t, OrderState("Inactive").IsKnown())
}
