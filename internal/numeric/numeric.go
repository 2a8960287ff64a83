// Package numeric fixes the rounding and truncation policy applied to every
// money- or quantity-bearing value in the engine:
//
//   - BTC quantities purchased are truncated toward zero at 8 decimals —
//     the buyer never receives more asset than the fiat paid for.
//   - BTC quantities required by a sell are ceiled at 8 decimals — the
//     holdings check never under-estimates the requirement.
//   - BRL amounts are rounded half-to-even at 2 decimals.
//
// No other rounding happens before storage. All values use
// shopspring/decimal — never float64 for money.
package numeric

import "github.com/shopspring/decimal"

const (
	// QtyScale is the BTC quantity precision.
	QtyScale int32 = 8

	// MoneyScale is the BRL amount precision.
	MoneyScale int32 = 2
)

// Epsilon is the tolerance for holdings-sufficiency comparisons. Quotes
// arrive from float-valued upstream feeds; equality checks on quantities
// derived from them must not flip on the last representable digit.
var Epsilon = decimal.New(1, -12) // 1e-12

// Truncate8 floors n toward zero at 8 decimal places.
func Truncate8(n decimal.Decimal) decimal.Decimal {
	return n.Truncate(QtyScale)
}

// Ceil8 returns the smallest 8-decimal value ≥ n.
func Ceil8(n decimal.Decimal) decimal.Decimal {
	return n.RoundCeil(QtyScale)
}

// BankersRound2 rounds n half-to-even at 2 decimal places, avoiding the
// statistical bias of repeated half-up rounding on currency amounts.
func BankersRound2(n decimal.Decimal) decimal.Decimal {
	return n.RoundBank(MoneyScale)
}

// GTE reports a >= b - Epsilon.
func GTE(a, b decimal.Decimal) bool {
	return a.Cmp(b.Sub(Epsilon)) >= 0
}

// LTE reports a <= b + Epsilon.
func LTE(a, b decimal.Decimal) bool {
	return a.Cmp(b.Add(Epsilon)) <= 0
}
