package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SecurityType is the variant of a held security or composed strategy.
type SecurityType string

// Security types.
const (
	SecurityTypeStock         SecurityType = "STOCK"
	SecurityTypeCall          SecurityType = "CALL"
	SecurityTypePut           SecurityType = "PUT"
	SecurityTypeShortStraddle SecurityType = "SHORT_STRADDLE"
	SecurityTypeTheta         SecurityType = "THETA"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100

// ErrInvalidAdjustment is returned when a quantity adjustment is non-positive
// or larger than the quantity available.
var ErrInvalidAdjustment = errors.New("invalid quantity adjustment")

// Security is an immutable held position. Quantity is signed: positive is
// long, negative is short. Price is the average trade price for stock and
// the strike for options. Expiration is zero for stock.
type Security struct {
	ID         uuid.UUID    `json:"id"`
	Type       SecurityType `json:"type"`
	Ticker     Ticker       `json:"ticker"`
	Quantity   int64        `json:"quantity"`
	Price      float64      `json:"price"`
	Expiration time.Time    `json:"expiration,omitempty"`
}

// NewStock creates a stock position.
func NewStock(id uuid.UUID, ticker Ticker, quantity int64, averagePrice float64) Security {
	return Security{
		ID:       id,
		Type:     SecurityTypeStock,
		Ticker:   ticker,
		Quantity: quantity,
		Price:    averagePrice,
	}
}

// NewOption creates a call or put position.
func NewOption(id uuid.UUID, ticker Ticker, optionType SecurityType, quantity int64, strike float64, expiration time.Time) (Security, error) {
	if optionType != SecurityTypeCall && optionType != SecurityTypePut {
		return Security{}, fmt.Errorf("option type must be CALL or PUT, got %q", optionType)
	}
	return Security{
		ID:         id,
		Type:       optionType,
		Ticker:     ticker,
		Quantity:   quantity,
		Price:      strike,
		Expiration: expiration,
	}, nil
}

// IsOption reports whether the security is a call or a put.
func (s Security) IsOption() bool {
	return s.Type == SecurityTypeCall || s.Type == SecurityTypePut
}

// WithQuantity returns a copy of s carrying quantity.
func (s Security) WithQuantity(quantity int64) Security {
	s.Quantity = quantity
	return s
}

// Reversed returns a copy of s with the quantity negated.
func (s Security) Reversed() Security {
	s.Quantity = -s.Quantity
	return s
}

// AbsQuantity returns the unsigned size of the position.
func (s Security) AbsQuantity() int64 {
	return abs64(s.Quantity)
}

func (s Security) String() string {
	if s.IsOption() {
		return fmt.Sprintf("%s %s %s %.2f x%d (%s)",
			s.Ticker, s.Type, s.Expiration.Format("2006-01-02"), s.Price, s.Quantity, s.ID)
	}
	return fmt.Sprintf("%s %s @%.2f x%d (%s)", s.Ticker, s.Type, s.Price, s.Quantity, s.ID)
}

// AdjustQuantity returns sec resized to magnitude, keeping the sign of the
// original quantity. An adjustment equal to the held size returns sec
// unchanged; anything non-positive or larger than held is refused.
func AdjustQuantity(sec Security, magnitude int64) (Security, error) {
	available := sec.AbsQuantity()
	switch {
	case magnitude <= 0:
		return Security{}, fmt.Errorf("%w: %d requested", ErrInvalidAdjustment, magnitude)
	case magnitude > available:
		return Security{}, fmt.Errorf("%w: %d requested, %d available", ErrInvalidAdjustment, magnitude, available)
	case magnitude == available:
		return sec, nil
	}
	return sec.WithQuantity(sign64(sec.Quantity) * magnitude), nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign64(v int64) int64 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}
