// Package spread implements the pure arithmetic of the pair-spread
// strategy: percentage change, signed spread, trade direction, and the
// profit/stop-loss predicates. None of it touches the network or a
// database; every function is deterministic given its arguments.
package spread

import "github.com/shopspring/decimal"

const hundred = 100

var hundredD = decimal.NewFromInt(hundred)

// Side is a trade direction vocabulary shared with the Exchange Port.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PercentChange returns (current/start - 1) * 100. Returns zero if start
// is zero rather than dividing by it.
func PercentChange(current, start decimal.Decimal) decimal.Decimal {
	if start.IsZero() {
		return decimal.Zero
	}
	return current.Div(start).Sub(decimal.NewFromInt(1)).Mul(hundredD)
}

// Spread computes the signed difference between the percentage changes
// of two instruments from their respective baselines.
func Spread(m1Current, m1Start, m2Current, m2Start decimal.Decimal) decimal.Decimal {
	return PercentChange(m1Current, m1Start).Sub(PercentChange(m2Current, m2Start))
}

// Direction returns (market1Side, market2Side): short the leader, long
// the laggard. Ties (delta1 <= delta2) go long market1 / short market2.
func Direction(delta1, delta2 decimal.Decimal) (Side, Side) {
	if delta1.GreaterThan(delta2) {
		return Sell, Buy
	}
	return Buy, Sell
}

// Opposite flips a Side, used when reverse_opening is enabled.
func Opposite(s Side) Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TakeProfitRegression implements profit_mode=regression: close once the
// spread has reverted far enough from its first-entry value.
func TakeProfitRegression(currentSpread, firstSpread, ratio decimal.Decimal) bool {
	return firstSpread.Sub(currentSpread).Abs().GreaterThanOrEqual(ratio)
}

// TakeProfitPosition implements profit_mode=position: close once
// unrealized P&L as a percentage of margin deployed reaches the target.
func TakeProfitPosition(totalPnL, totalMargin, ratio decimal.Decimal) bool {
	if !totalMargin.IsPositive() {
		return false
	}
	pnlRatio := totalPnL.Div(totalMargin).Mul(hundredD)
	return pnlRatio.GreaterThanOrEqual(ratio)
}

// StopLoss reports whether the position should be closed at a loss.
// A non-positive ratio disables the stop-loss entirely.
func StopLoss(totalPnL, totalMargin, ratio decimal.Decimal) bool {
	if !ratio.IsPositive() {
		return false
	}
	if !totalMargin.IsPositive() {
		return false
	}
	if !totalPnL.IsNegative() {
		return false
	}
	lossRatio := totalPnL.Abs().Div(totalMargin).Mul(hundredD)
	return lossRatio.GreaterThanOrEqual(ratio)
}
