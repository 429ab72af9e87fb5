package orderbook

import (
	"math"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the precision order and print prices are compared at.
const PriceDecimals = 4

// NormalizePrice rounds px to PriceDecimals so prices parsed from different
// sources compare equal. Non-positive and non-finite values pass through.
func NormalizePrice(px float64) float64 {
	if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
		return px
	}
	return decimal.NewFromFloat(px).Round(PriceDecimals).InexactFloat64()
}
