package models

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ExecutionAction is the side of an order.
type ExecutionAction string

// Actions.
const (
	ActionBuy  ExecutionAction = "BUY"
	ActionSell ExecutionAction = "SELL"
)

// ExecutionType is how an order is priced.
type ExecutionType string

// Execution types.
const (
	ExecutionMarket ExecutionType = "MARKET"
	ExecutionLimit  ExecutionType = "LIMIT"
)

// Order validation errors.
var (
	ErrBrokerIDAlreadySet = errors.New("broker id already set")
	ErrInvalidOrder       = errors.New("invalid order")
)

// CandidateStockOrder is the intent to reverse a hedge's stock leg, emitted
// by the monitor before anything is submitted.
type CandidateStockOrder struct {
	Stock         Security      `json:"stock"`
	ExecutionType ExecutionType `json:"execution_type"`
	LimitPrice    *float64      `json:"limit_price,omitempty"`
}

// Ticker returns the underlying of the stock leg.
func (c CandidateStockOrder) Ticker() Ticker { return c.Stock.Ticker }

// Validate checks that the candidate can be turned into an order.
func (c CandidateStockOrder) Validate() error {
	if c.Stock.Type != SecurityTypeStock {
		return fmt.Errorf("%w: candidate leg is %s, want STOCK", ErrInvalidOrder, c.Stock.Type)
	}
	if c.Stock.Quantity == 0 {
		return fmt.Errorf("%w: candidate stock has zero quantity", ErrInvalidOrder)
	}
	switch c.ExecutionType {
	case ExecutionMarket:
		if c.LimitPrice != nil {
			return fmt.Errorf("%w: market candidate carries a limit price", ErrInvalidOrder)
		}
	case ExecutionLimit:
		if c.LimitPrice == nil || *c.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit candidate needs a positive limit price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown execution type %q", ErrInvalidOrder, c.ExecutionType)
	}
	return nil
}

// ExecutableOrder is an order ready for the execution handler. All fields
// except the broker id are fixed at construction; the broker id is assigned
// once when the brokerage accepts the order.
type ExecutableOrder struct {
	ID            uuid.UUID
	Ticker        Ticker
	SecurityType  SecurityType
	Action        ExecutionAction
	ExecutionType ExecutionType
	LimitPrice    *float64
	Quantity      int64

	mu       sync.RWMutex
	brokerID string
}

// BrokerID returns the brokerage identifier, empty until accepted.
func (o *ExecutableOrder) BrokerID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.brokerID
}

// HasBrokerID reports whether the brokerage has accepted the order.
func (o *ExecutableOrder) HasBrokerID() bool {
	return o.BrokerID() != ""
}

// SetBrokerID records the brokerage identifier. It may only be set once.
func (o *ExecutableOrder) SetBrokerID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty broker id", ErrInvalidOrder)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.brokerID != "" {
		return fmt.Errorf("%w: order %s has %s", ErrBrokerIDAlreadySet, o.ID, o.brokerID)
	}
	o.brokerID = id
	return nil
}

// WithMarketExecution returns a copy of the order converted to MARKET with
// no limit price. ID and broker id are preserved so the brokerage modifies
// the resting order in place.
func (o *ExecutableOrder) WithMarketExecution() *ExecutableOrder {
	return &ExecutableOrder{
		ID:            o.ID,
		Ticker:        o.Ticker,
		SecurityType:  o.SecurityType,
		Action:        o.Action,
		ExecutionType: ExecutionMarket,
		Quantity:      o.Quantity,
		brokerID:      o.BrokerID(),
	}
}

func (o *ExecutableOrder) String() string {
	limit := "-"
	if o.LimitPrice != nil {
		limit = fmt.Sprintf("%.2f", *o.LimitPrice)
	}
	return fmt.Sprintf("%s %s %d %s %s limit=%s (%s)",
		o.Action, o.SecurityType, o.Quantity, o.Ticker, o.ExecutionType, limit, o.ID)
}

// ReverseStockOrder builds the order that closes the candidate's stock leg
// and opens the opposite position in one fill: SELL when long, BUY when
// short, for twice the held quantity.
func ReverseStockOrder(candidate CandidateStockOrder) (*ExecutableOrder, error) {
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	action := ActionBuy
	if candidate.Stock.Quantity > 0 {
		action = ActionSell
	}
	var limit *float64
	if candidate.LimitPrice != nil {
		v := *candidate.LimitPrice
		limit = &v
	}
	order := &ExecutableOrder{
		ID:            uuid.New(),
		Ticker:        candidate.Stock.Ticker,
		SecurityType:  SecurityTypeStock,
		Action:        action,
		ExecutionType: candidate.ExecutionType,
		LimitPrice:    limit,
		Quantity:      2 * candidate.Stock.AbsQuantity(),
	}
	return order, nil
}
