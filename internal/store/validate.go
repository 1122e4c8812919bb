package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrSameSymbols    = errors.New("store: m1 and m2 must differ")
	ErrNoDCAConfig    = errors.New("store: dca_config must have at least one entry")
	ErrMarginExceeded = errors.New("store: total margin across dca levels exceeds max position value")
)

// ValidateConfig checks a bot configuration against the create-bot
// rules: distinct symbols, a dca_config no longer than max_dca_times
// with indexes 1..n in order, and a worst-case committed margin that
// fits under max_position_value.
func ValidateConfig(b *Bot) error {
	if b.M1 == "" || b.M2 == "" {
		return errors.New("store: both symbols are required")
	}
	if b.M1 == b.M2 {
		return ErrSameSymbols
	}
	if b.Leverage < 1 {
		return fmt.Errorf("store: leverage %d must be >= 1", b.Leverage)
	}
	if !b.PerOrderMargin.IsPositive() {
		return errors.New("store: per_order_margin must be positive")
	}
	if b.MaxDCATimes < 1 {
		return fmt.Errorf("store: max_dca_times %d must be >= 1", b.MaxDCATimes)
	}
	if len(b.DCAConfigJSON) == 0 {
		return ErrNoDCAConfig
	}
	if len(b.DCAConfigJSON) > b.MaxDCATimes {
		return fmt.Errorf("store: dca_config has %d entries, max_dca_times is %d", len(b.DCAConfigJSON), b.MaxDCATimes)
	}
	for i, step := range b.DCAConfigJSON {
		if step.Index != i+1 {
			return fmt.Errorf("store: dca_config[%d].index is %d, want %d", i, step.Index, i+1)
		}
	}
	if !b.ProfitRatio.IsPositive() {
		return errors.New("store: profit_ratio must be positive")
	}
	if b.StopLossRatio.IsNegative() {
		return errors.New("store: stop_loss_ratio must be >= 0")
	}

	if b.MaxPositionVal.IsPositive() {
		total := decimal.Zero
		for i := 0; i < b.MaxDCATimes && i < len(b.DCAConfigJSON); i++ {
			total = total.Add(b.PerOrderMargin.Mul(b.DCAConfigJSON[i].Multiplier))
		}
		if total.GreaterThan(b.MaxPositionVal) {
			return ErrMarginExceeded
		}
	}
	return nil
}
