// Package domain holds the plain data types shared by the series, strategy,
// engine and store packages.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifiers used by the bar archive layout.
const (
	MarketUS = "us"
	MarketCN = "cn"
)

// Bar is one OHLCV observation for a fixed time interval.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Order is a sizing decision emitted by a strategy. Exactly one of Qty or
// Fraction is meaningful: Qty is an absolute unit count, Fraction is a share
// of cash (buys) or of the held position (sells) in (0, 1].
type Order struct {
	Side        OrderSide
	Qty         decimal.Decimal
	Fraction    float64
	RequestedAt int
}

// IsFractional reports whether the order is sized as a fraction.
func (o Order) IsFractional() bool {
	return o.Fraction > 0
}

// Fill records an executed order.
type Fill struct {
	BarIndex    int
	RequestedAt int
	Timestamp   time.Time
	Side        OrderSide
	Qty         decimal.Decimal
	Price       decimal.Decimal
	Commission  decimal.Decimal
	CashAfter   decimal.Decimal
	// RealizedPnL is set on sells: proceeds net of both legs' commission
	// minus the cost of the units sold.
	RealizedPnL decimal.Decimal
}

// Notional returns price × quantity, excluding commission.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Qty)
}

// SkipReason explains why a queued order did not fill.
type SkipReason string

const (
	SkipInsufficientFunds    SkipReason = "insufficient_funds"
	SkipInsufficientPosition SkipReason = "insufficient_position"
	SkipZeroSize             SkipReason = "zero_size"
	SkipPositionLimit        SkipReason = "position_limit"
	SkipExpired              SkipReason = "expired"
)

// SkippedOrder is the note left behind by an order that was not filled. It
// is not a failure; the run continues.
type SkippedOrder struct {
	BarIndex int
	Order    Order
	Reason   SkipReason
	Required decimal.Decimal
	Cash     decimal.Decimal
}

// Position is the single-instrument holding. Quantity is never negative.
type Position struct {
	Symbol   string
	Qty      decimal.Decimal
	AvgPrice decimal.Decimal
}

// IsFlat reports whether nothing is held.
func (p Position) IsFlat() bool {
	return !p.Qty.IsPositive()
}

// EquityPoint is one entry of the equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// AccountSnapshot is the read-only account view handed to strategies.
type AccountSnapshot struct {
	Cash     float64
	Qty      float64
	AvgPrice float64
	Equity   float64
}
