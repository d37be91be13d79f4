// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.05, 1.27 becomes 1.25 and 1.275 becomes 1.30.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// AtLeastTick returns x, or one tick when x rounds to zero or below.
// A limit price must be positive even when a discounted bid is not.
func AtLeastTick(x, tick decimal.Decimal) decimal.Decimal {
	if x.GreaterThanOrEqual(tick) {
		return x
	}
	return tick
}
