// Package util provides price arithmetic shared by the monitor and the
// execution engine.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// A negative tick is treated as its absolute value; a zero tick returns x.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to a tick increment. Sell limits are floored so
// the rounded price is never less marketable than x.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to a tick increment. Buy limits are ceiled.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}

// Spread returns ask minus bid, or zero when either side is missing or the
// quote is crossed.
func Spread(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0
	}
	return ask - bid
}
