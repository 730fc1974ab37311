package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"finera/internal/broker"
	"finera/internal/domain"
)

// Rejection causes. A rejected fill is skipped, not a run failure.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrPositionLimit        = errors.New("position limit exceeded")
)

// RejectionError carries the amounts behind a rejected fill.
type RejectionError struct {
	Err       error
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%v: required %s, available %s", e.Err, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// Unwrap returns the rejection sentinel.
func (e *RejectionError) Unwrap() error {
	return e.Err
}

var _ broker.RiskChecker = (*RiskManager)(nil)

// RiskManager enforces pre-trade rules: buys must be covered by cash
// including commission, sells by the held quantity, and optionally the
// position value may not exceed a share of equity.
type RiskManager struct {
	maxPositionPct float64
}

// NewRiskManager creates a RiskManager.
//
//   - maxPositionPct: maximum fraction of equity a position may reach after a
//     buy (e.g. 0.5 for 50%). Zero disables the limit.
func NewRiskManager(maxPositionPct float64) *RiskManager {
	return &RiskManager{maxPositionPct: maxPositionPct}
}

// CheckFill evaluates fill against the account before it is applied.
func (rm *RiskManager) CheckFill(_ context.Context, fill domain.Fill, cash decimal.Decimal, pos domain.Position) error {
	switch fill.Side {
	case domain.OrderSideBuy:
		required := fill.Notional().Add(fill.Commission)
		if required.GreaterThan(cash) {
			return &RejectionError{Err: ErrInsufficientFunds, Required: required, Available: cash}
		}
		if rm.maxPositionPct > 0 {
			// Equity marked at the fill price, after the buy.
			value := pos.Qty.Add(fill.Qty).Mul(fill.Price)
			equity := cash.Sub(fill.Commission).Add(pos.Qty.Mul(fill.Price))
			limit := equity.Mul(decimal.NewFromFloat(rm.maxPositionPct))
			if value.GreaterThan(limit) {
				return &RejectionError{Err: ErrPositionLimit, Required: value, Available: limit}
			}
		}
	case domain.OrderSideSell:
		if fill.Qty.GreaterThan(pos.Qty) {
			return &RejectionError{Err: ErrInsufficientPosition, Required: fill.Qty, Available: pos.Qty}
		}
	}
	return nil
}
