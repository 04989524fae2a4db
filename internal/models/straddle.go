package models

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Composition errors.
var (
	ErrTickerMismatch     = errors.New("securities do not share a ticker")
	ErrStrikeMismatch     = errors.New("call and put strikes differ")
	ErrExpirationMismatch = errors.New("call and put expirations differ")
	ErrQuantityMismatch   = errors.New("quantities do not match")
	ErrWrongSecurityType  = errors.New("wrong security type")
)

// thetaNamespace seeds deterministic theta identifiers.
var thetaNamespace = uuid.MustParse("5f0c6a52-2f7e-4c39-9a0e-3d1b7f6c8e41")

// ShortStraddle is a call and a put sharing ticker, strike and expiration
// with equal absolute quantity.
type ShortStraddle struct {
	Call Security `json:"call"`
	Put  Security `json:"put"`
}

// NewShortStraddle validates and pairs call and put.
func NewShortStraddle(call, put Security) (ShortStraddle, error) {
	if call.Type != SecurityTypeCall {
		return ShortStraddle{}, fmt.Errorf("%w: call leg is %s", ErrWrongSecurityType, call.Type)
	}
	if put.Type != SecurityTypePut {
		return ShortStraddle{}, fmt.Errorf("%w: put leg is %s", ErrWrongSecurityType, put.Type)
	}
	if call.Ticker != put.Ticker {
		return ShortStraddle{}, fmt.Errorf("%w: %s vs %s", ErrTickerMismatch, call.Ticker, put.Ticker)
	}
	if call.Price != put.Price {
		return ShortStraddle{}, fmt.Errorf("%w: %.2f vs %.2f", ErrStrikeMismatch, call.Price, put.Price)
	}
	if !call.Expiration.Equal(put.Expiration) {
		return ShortStraddle{}, fmt.Errorf("%w: %s vs %s", ErrExpirationMismatch,
			call.Expiration.Format("2006-01-02"), put.Expiration.Format("2006-01-02"))
	}
	if call.AbsQuantity() != put.AbsQuantity() {
		return ShortStraddle{}, fmt.Errorf("%w: call %d, put %d", ErrQuantityMismatch, call.Quantity, put.Quantity)
	}
	return ShortStraddle{Call: call, Put: put}, nil
}

// IsShort reports whether both legs are sold.
func (s ShortStraddle) IsShort() bool {
	return s.Call.Quantity < 0 && s.Put.Quantity < 0
}

// Ticker returns the shared underlying.
func (s ShortStraddle) Ticker() Ticker { return s.Call.Ticker }

// Strike returns the shared strike.
func (s ShortStraddle) Strike() float64 { return s.Call.Price }

// Quantity returns the number of contracts per leg.
func (s ShortStraddle) Quantity() int64 { return s.Call.AbsQuantity() }

// Theta is a stock position sized to offset the assignment risk of a short
// straddle: abs(stock) == 100 * straddle contracts.
type Theta struct {
	ID       uuid.UUID     `json:"id"`
	Stock    Security      `json:"stock"`
	Straddle ShortStraddle `json:"straddle"`
}

// NewTheta validates and composes a hedge strategy. The identifier is derived
// from the constituent IDs and quantities, so composing the same inputs twice
// yields the same Theta.
func NewTheta(stock Security, straddle ShortStraddle) (Theta, error) {
	if stock.Type != SecurityTypeStock {
		return Theta{}, fmt.Errorf("%w: stock leg is %s", ErrWrongSecurityType, stock.Type)
	}
	if stock.Ticker != straddle.Ticker() {
		return Theta{}, fmt.Errorf("%w: stock %s, straddle %s", ErrTickerMismatch, stock.Ticker, straddle.Ticker())
	}
	if stock.AbsQuantity() != SharesPerContract*straddle.Quantity() {
		return Theta{}, fmt.Errorf("%w: stock %d does not cover %d contracts",
			ErrQuantityMismatch, stock.Quantity, straddle.Quantity())
	}
	return Theta{
		ID:       thetaID(stock, straddle),
		Stock:    stock,
		Straddle: straddle,
	}, nil
}

func thetaID(stock Security, straddle ShortStraddle) uuid.UUID {
	buf := make([]byte, 0, 3*(16+8))
	for _, s := range []Security{stock, straddle.Call, straddle.Put} {
		buf = append(buf, s.ID[:]...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.Quantity))
	}
	return uuid.NewSHA1(thetaNamespace, buf)
}

// Ticker returns the underlying.
func (t Theta) Ticker() Ticker { return t.Stock.Ticker }

// Price returns the strike the hedge is monitored against.
func (t Theta) Price() float64 { return t.Straddle.Strike() }

// Quantity is the straddle size signed by the stock direction.
func (t Theta) Quantity() int64 {
	return sign64(t.Stock.Quantity) * t.Straddle.Quantity()
}

// Call returns the call leg.
func (t Theta) Call() Security { return t.Straddle.Call }

// Put returns the put leg.
func (t Theta) Put() Security { return t.Straddle.Put }

// SecurityOfType returns the leg of the given type.
func (t Theta) SecurityOfType(st SecurityType) (Security, bool) {
	switch st {
	case SecurityTypeStock:
		return t.Stock, true
	case SecurityTypeCall:
		return t.Straddle.Call, true
	case SecurityTypePut:
		return t.Straddle.Put, true
	}
	return Security{}, false
}

// Contains reports whether any leg has the given security ID.
func (t Theta) Contains(id uuid.UUID) bool {
	return t.Stock.ID == id || t.Straddle.Call.ID == id || t.Straddle.Put.ID == id
}

// Securities returns the three legs: stock, call, put.
func (t Theta) Securities() []Security {
	return []Security{t.Stock, t.Straddle.Call, t.Straddle.Put}
}

func (t Theta) String() string {
	return fmt.Sprintf("Theta[%s stock=%d straddle=%d @%.2f exp=%s]",
		t.Ticker(), t.Stock.Quantity, t.Straddle.Quantity(), t.Price(),
		t.Straddle.Call.Expiration.Format("2006-01-02"))
}
