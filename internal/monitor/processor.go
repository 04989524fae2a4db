package monitor

import (
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/util"
)

// DefaultSpreadDeviation is how far into the bid/ask spread the effective
// price of a quote is taken.
const DefaultSpreadDeviation = 0.68

// Decision is a processor's verdict on one tick.
type Decision struct {
	Fire       bool
	LimitPrice *float64
}

// TickProcessor decides whether a tick crosses a price level and how the
// resulting reversal should be priced.
type TickProcessor interface {
	// Accepts reports whether ticks of type t are evaluated at all.
	Accepts(t models.TickType) bool
	// Evaluate judges tick against level.
	Evaluate(level models.PriceLevel, tick models.Tick) Decision
	// ExecutionType is the execution type of the orders it produces.
	ExecutionType() models.ExecutionType
}

// LastTickProcessor fires on trade prints strictly beyond the level and
// reverses at market.
type LastTickProcessor struct{}

// Accepts only LAST ticks.
func (LastTickProcessor) Accepts(t models.TickType) bool {
	return t == models.TickTypeLast
}

// Evaluate fires when a positive trade price is strictly beyond the level.
func (LastTickProcessor) Evaluate(level models.PriceLevel, tick models.Tick) Decision {
	if tick.Price <= 0 {
		return Decision{}
	}
	return Decision{Fire: level.Crossed(tick.Price)}
}

// ExecutionType is MARKET.
func (LastTickProcessor) ExecutionType() models.ExecutionType {
	return models.ExecutionMarket
}

// BidAskSpreadTickProcessor evaluates quotes instead of trades. The
// effective price sits Deviation of the spread away from the side that
// would have to trade, so a level is only crossed once most of the book
// has moved through it. Reversals are priced with a limit at the level, or
// at the effective price when the whole quote gapped across the level.
type BidAskSpreadTickProcessor struct {
	Deviation float64
	TickSize  float64
}

// NewBidAskSpreadTickProcessor returns a processor with the default
// deviation. A non-positive tickSize disables limit rounding.
func NewBidAskSpreadTickProcessor(tickSize float64) BidAskSpreadTickProcessor {
	return BidAskSpreadTickProcessor{Deviation: DefaultSpreadDeviation, TickSize: tickSize}
}

// Accepts BID and ASK ticks.
func (p BidAskSpreadTickProcessor) Accepts(t models.TickType) bool {
	return t == models.TickTypeBid || t == models.TickTypeAsk
}

// Evaluate needs both sides of the quote on the tick.
func (p BidAskSpreadTickProcessor) Evaluate(level models.PriceLevel, tick models.Tick) Decision {
	bid, ask := tick.Bid, tick.Ask
	switch tick.Type {
	case models.TickTypeBid:
		bid = tick.Price
	case models.TickTypeAsk:
		ask = tick.Price
	}
	if bid <= 0 || ask <= 0 || ask < bid {
		return Decision{}
	}
	spread := util.Spread(bid, ask)

	var effective float64
	var gapped bool
	switch level.Direction {
	case models.FallsBelow:
		effective = bid + spread*p.Deviation
		gapped = ask < level.Price
	case models.RisesAbove:
		effective = ask - spread*p.Deviation
		gapped = bid > level.Price
	default:
		return Decision{}
	}
	if !level.Crossed(effective) {
		return Decision{}
	}

	limit := level.Price
	if gapped {
		// long stock is sold, short stock is bought back
		if level.Direction == models.FallsBelow {
			limit = util.FloorToTick(effective, p.TickSize)
		} else {
			limit = util.CeilToTick(effective, p.TickSize)
		}
	}
	return Decision{Fire: true, LimitPrice: &limit}
}

// ExecutionType is LIMIT.
func (p BidAskSpreadTickProcessor) ExecutionType() models.ExecutionType {
	return models.ExecutionLimit
}
