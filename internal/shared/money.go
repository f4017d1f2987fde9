package shared

import "github.com/shopspring/decimal"

const (
	// DefaultAmountScale is the number of decimals kept on ledger amounts.
	DefaultAmountScale int32 = 2
	// UnitCostScale is the number of decimals kept on unit costs.
	UnitCostScale int32 = 6
)

// RoundAmount rounds half away from zero to scale decimals.
func RoundAmount(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

// RoundUnitCost rounds to UnitCostScale decimals.
func RoundUnitCost(d decimal.Decimal) decimal.Decimal {
	return d.Round(UnitCostScale)
}

// ExceedsScale reports whether d carries more decimals than scale.
func ExceedsScale(d decimal.Decimal, scale int32) bool {
	return !d.Equal(d.Truncate(scale))
}
