package shared

import "github.com/shopspring/decimal"

// Round2 normalises a monetary value to two decimal places.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// PositiveAmount reports whether v is a valid monetary amount (> 0).
func PositiveAmount(v decimal.Decimal) bool {
	return v.IsPositive()
}
