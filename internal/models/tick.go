package models

import "time"

// TickType is the kind of market data carried by a tick.
type TickType string

// Tick types.
const (
	TickTypeLast TickType = "LAST"
	TickTypeBid  TickType = "BID"
	TickTypeAsk  TickType = "ASK"
)

// Tick is one market data update for a ticker. Price is the value of the
// tick's own type; Bid and Ask carry the latest quote known to the feed and
// may be zero when unknown.
type Tick struct {
	Ticker    Ticker    `json:"ticker"`
	Type      TickType  `json:"type"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Delay returns how far behind now the tick was produced.
func (t Tick) Delay(now time.Time) time.Duration {
	if t.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(t.Timestamp)
}
