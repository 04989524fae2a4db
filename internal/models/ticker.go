// Package models provides the domain types of the theta hedging engine:
// securities, composed strategies, price levels, ticks, orders and the
// lifecycle state shared by the managers.
package models

import (
	"strings"
	"sync"
)

// Ticker identifies an underlying symbol. Two tickers are equal iff their
// symbols are equal, so Ticker is safe to use as a map key.
type Ticker struct {
	symbol string
}

// Symbol returns the ticker symbol.
func (t Ticker) Symbol() string {
	return t.symbol
}

// IsZero reports whether the ticker was never interned.
func (t Ticker) IsZero() bool {
	return t.symbol == ""
}

func (t Ticker) String() string {
	return t.symbol
}

// Compare orders tickers by symbol.
func (t Ticker) Compare(other Ticker) int {
	return strings.Compare(t.symbol, other.symbol)
}

// TickerRegistry interns tickers so that every component sees exactly one
// identity per symbol. It is owned by the process and passed to whatever
// needs to turn broker symbols into tickers. Entries are never removed.
type TickerRegistry struct {
	mu      sync.RWMutex
	tickers map[string]Ticker
}

// NewTickerRegistry creates an empty registry.
func NewTickerRegistry() *TickerRegistry {
	return &TickerRegistry{tickers: make(map[string]Ticker)}
}

// Intern returns the ticker for symbol, creating it on first reference.
// Symbols are trimmed and upper-cased.
func (r *TickerRegistry) Intern(symbol string) Ticker {
	key := strings.ToUpper(strings.TrimSpace(symbol))

	r.mu.RLock()
	t, ok := r.tickers[key]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tickers[key]; ok {
		return t
	}
	t = Ticker{symbol: key}
	r.tickers[key] = t
	return t
}

// Lookup returns the ticker for symbol if it has been interned.
func (r *TickerRegistry) Lookup(symbol string) (Ticker, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickers[key]
	return t, ok
}

// Len returns the number of interned tickers.
func (r *TickerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickers)
}

// MarshalText encodes the ticker as its symbol.
func (t Ticker) MarshalText() ([]byte, error) {
	return []byte(t.symbol), nil
}

// UnmarshalText decodes a symbol. Values decoded this way compare equal to
// interned tickers with the same symbol.
func (t *Ticker) UnmarshalText(text []byte) error {
	t.symbol = strings.ToUpper(strings.TrimSpace(string(text)))
	return nil
}
