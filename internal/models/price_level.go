package models

import (
	"cmp"
	"fmt"
	"strings"
)

// PriceLevelDirection is the side of the level whose crossing fires.
type PriceLevelDirection string

// Directions.
const (
	RisesAbove PriceLevelDirection = "RISES_ABOVE"
	FallsBelow PriceLevelDirection = "FALLS_BELOW"
)

// PriceLevel is the strike-derived threshold of a monitored Theta.
type PriceLevel struct {
	Ticker    Ticker              `json:"ticker"`
	Price     float64             `json:"price"`
	Direction PriceLevelDirection `json:"direction"`
}

// PriceLevelOf derives the level for theta. A short stock hedge is reversed
// when price rises above the strike, a long one when it falls below. The
// level is the straddle strike, not the stock leg's average trade price.
func PriceLevelOf(theta Theta) PriceLevel {
	direction := FallsBelow
	if theta.Stock.Quantity < 0 {
		direction = RisesAbove
	}
	return PriceLevel{
		Ticker:    theta.Ticker(),
		Price:     theta.Price(),
		Direction: direction,
	}
}

// Crossed reports whether price is strictly beyond the level.
func (l PriceLevel) Crossed(price float64) bool {
	switch l.Direction {
	case FallsBelow:
		return price < l.Price
	case RisesAbove:
		return price > l.Price
	}
	return false
}

// Compare orders levels by ticker, then price, then direction label.
func (l PriceLevel) Compare(other PriceLevel) int {
	if c := l.Ticker.Compare(other.Ticker); c != 0 {
		return c
	}
	if c := cmp.Compare(l.Price, other.Price); c != 0 {
		return c
	}
	return strings.Compare(string(l.Direction), string(other.Direction))
}

func (l PriceLevel) String() string {
	return fmt.Sprintf("%s %s %.2f", l.Ticker, l.Direction, l.Price)
}
