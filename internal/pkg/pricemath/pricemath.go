// Package pricemath holds decimal-backed price arithmetic shared by sizing,
// bracket construction and P&L.
package pricemath

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decEps  = decimal.NewFromFloat(1e-9)
	decZero = decimal.Zero
)

func FromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decZero
	}
	return decimal.NewFromFloat(val)
}

func ToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func Compare(a, b float64) int {
	da, db := FromFloat(a), FromFloat(b)
	if da.Sub(db).Abs().LessThanOrEqual(decEps) {
		return 0
	}
	return da.Cmp(db)
}

func LT(a, b float64) bool  { return Compare(a, b) < 0 }
func GT(a, b float64) bool  { return Compare(a, b) > 0 }
func LTE(a, b float64) bool { return Compare(a, b) <= 0 }
func GTE(a, b float64) bool { return Compare(a, b) >= 0 }

// Round rounds half away from zero to places decimals.
func Round(val float64, places int32) float64 {
	return ToFloat(FromFloat(val).Round(places))
}

// Finite reports whether all values are usable prices.
func Finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// StopPrice returns the protective price dist away from ref against the position.
func StopPrice(ref, dist float64, long bool) float64 {
	base, d := FromFloat(ref), FromFloat(dist)
	if long {
		return ToFloat(base.Sub(d))
	}
	return ToFloat(base.Add(d))
}

// TargetPrice returns the profit price dist away from ref in favour of the position.
func TargetPrice(ref, dist float64, long bool) float64 {
	return StopPrice(ref, dist, !long)
}

// PnL is (exit-entry)*size*multiplier for longs, inverted for shorts, rounded to cents.
func PnL(entry, exit, size, multiplier float64, long bool) float64 {
	diff := FromFloat(exit).Sub(FromFloat(entry))
	if !long {
		diff = diff.Neg()
	}
	return ToFloat(diff.Mul(FromFloat(size)).Mul(FromFloat(multiplier)).Round(2))
}

// Spread returns ask-bid, zero when either side is missing.
func Spread(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return ToFloat(FromFloat(ask).Sub(FromFloat(bid)))
}
