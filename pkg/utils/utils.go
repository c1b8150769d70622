// Package utils holds the small decimal helpers shared across components:
// venue tick/lot rounding and bounds clamping.
package utils

import "github.com/shopspring/decimal"

// RoundToTickSize floors price to the nearest multiple of tickSize. The
// venue rejects prices off its tick grid, so rounding happens before any
// payload is signed.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// RoundToStepSize floors qty to the nearest multiple of stepSize, the lot
// granularity analogue of RoundToTickSize.
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// ClampDecimal bounds value into [min, max].
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// PercentChange returns the percentage move from old to new, zero when old
// is zero.
func PercentChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
}
