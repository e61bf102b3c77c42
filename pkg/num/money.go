// Package num fixes the numeric model for the exchange core: every monetary
// scalar is a 4-decimal value, rounded at each observable boundary.
package num

import "github.com/shopspring/decimal"

func init() {
	// Monetary fields are plain JSON numbers on the wire.
	decimal.MarshalJSONWithoutQuotes = true
}

var two = decimal.NewFromInt(2)

// Round4 rounds to 4 decimal places and normalizes negative zero.
func Round4(v decimal.Decimal) decimal.Decimal {
	r := v.Round(4)
	if r.IsZero() {
		return decimal.Zero
	}
	return r
}

// FromFloat converts a float input at the protocol boundary.
func FromFloat(v float64) decimal.Decimal {
	return Round4(decimal.NewFromFloat(v))
}

// FromInt converts an integer quantity or price.
func FromInt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// Mid returns the rounded midpoint of two prices.
func Mid(a, b decimal.Decimal) decimal.Decimal {
	return Round4(a.Add(b).Div(two))
}

// MulQty multiplies a price by an integer quantity.
func MulQty(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}
