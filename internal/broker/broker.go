// Package broker defines the Broker interface and the simulated broker that
// fills backtest orders against a single-instrument cash account.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"finera/internal/domain"
)

// ErrZeroSize is returned when an order sizes to zero units.
var ErrZeroSize = errors.New("order sizes to zero units")

// Broker abstracts order execution and account bookkeeping.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Execute fills order at price. A rejected order returns an error and
	// leaves the account untouched.
	Execute(ctx context.Context, order domain.Order, price decimal.Decimal, barIndex int, ts time.Time) (domain.Fill, error)

	// Cash returns the free cash balance.
	Cash() decimal.Decimal

	// Position returns the current holding.
	Position() domain.Position

	// Snapshot returns the account marked to mark.
	Snapshot(mark decimal.Decimal) domain.AccountSnapshot
}

// RiskChecker vets a priced fill before it touches the account.
type RiskChecker interface {
	CheckFill(ctx context.Context, fill domain.Fill, cash decimal.Decimal, pos domain.Position) error
}

// Commission prices the fee charged on a fill.
type Commission interface {
	Fee(notional decimal.Decimal) decimal.Decimal
}

// FixedRate charges a constant share of notional on every fill.
type FixedRate struct {
	Rate decimal.Decimal
}

// NewFixedRate returns a FixedRate commission of rate (0.002 is 0.2%).
func NewFixedRate(rate float64) FixedRate {
	return FixedRate{Rate: decimal.NewFromFloat(rate)}
}

// Fee returns notional × rate.
func (c FixedRate) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(c.Rate)
}
