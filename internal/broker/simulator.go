package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"finera/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker fills orders for backtesting. It holds one instrument and
// a cash balance in memory and never calls out to a brokerage.
type SimulatorBroker struct {
	symbol     string
	cash       decimal.Decimal
	qty        decimal.Decimal
	avgPrice   decimal.Decimal
	costBasis  decimal.Decimal // total paid for the held units, fees included
	commission Commission
	risk       RiskChecker
}

// NewSimulatorBroker creates a flat SimulatorBroker holding initialCash. A
// nil commission charges nothing; a nil risk checker accepts every fill.
func NewSimulatorBroker(symbol string, initialCash decimal.Decimal, commission Commission, risk RiskChecker) *SimulatorBroker {
	if commission == nil {
		commission = FixedRate{}
	}
	return &SimulatorBroker{
		symbol:     symbol,
		cash:       initialCash,
		commission: commission,
		risk:       risk,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Cash returns the free cash balance.
func (b *SimulatorBroker) Cash() decimal.Decimal { return b.cash }

// Position returns the current holding.
func (b *SimulatorBroker) Position() domain.Position {
	return domain.Position{Symbol: b.symbol, Qty: b.qty, AvgPrice: b.avgPrice}
}

// Snapshot returns cash, position and equity marked at mark.
func (b *SimulatorBroker) Snapshot(mark decimal.Decimal) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Cash:     b.cash.InexactFloat64(),
		Qty:      b.qty.InexactFloat64(),
		AvgPrice: b.avgPrice.InexactFloat64(),
		Equity:   b.Equity(mark).InexactFloat64(),
	}
}

// Equity returns cash + quantity × mark.
func (b *SimulatorBroker) Equity(mark decimal.Decimal) decimal.Decimal {
	return b.cash.Add(b.qty.Mul(mark))
}

// Size converts order into a unit count at price. Fractional buys commit
// that share of cash including commission, fractional sells that share of
// the held units.
func (b *SimulatorBroker) Size(order domain.Order, price decimal.Decimal) decimal.Decimal {
	if !order.IsFractional() {
		return order.Qty
	}
	f := decimal.NewFromFloat(order.Fraction)
	switch order.Side {
	case domain.OrderSideBuy:
		if !price.IsPositive() {
			return decimal.Zero
		}
		budget := b.cash.Mul(f)
		perUnit := price.Add(b.commission.Fee(price))
		qty := budget.Div(perUnit).Floor()
		for qty.IsPositive() && b.cost(qty, price).GreaterThan(budget) {
			qty = qty.Sub(decimal.NewFromInt(1))
		}
		return qty
	case domain.OrderSideSell:
		if order.Fraction >= 1 || b.qty.LessThanOrEqual(decimal.NewFromInt(1)) {
			return b.qty
		}
		qty := b.qty.Mul(f).Floor()
		if qty.IsZero() && b.qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
		return qty
	}
	return decimal.Zero
}

func (b *SimulatorBroker) cost(qty, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(qty)
	return notional.Add(b.commission.Fee(notional))
}

// Execute sizes and fills order at price. Rejections from the risk checker
// are returned unchanged and leave the account as it was.
func (b *SimulatorBroker) Execute(ctx context.Context, order domain.Order, price decimal.Decimal, barIndex int, ts time.Time) (domain.Fill, error) {
	qty := b.Size(order, price)
	if !qty.IsPositive() {
		return domain.Fill{}, ErrZeroSize
	}

	notional := price.Mul(qty)
	fill := domain.Fill{
		BarIndex:    barIndex,
		RequestedAt: order.RequestedAt,
		Timestamp:   ts,
		Side:        order.Side,
		Qty:         qty,
		Price:       price,
		Commission:  b.commission.Fee(notional),
	}

	if b.risk != nil {
		if err := b.risk.CheckFill(ctx, fill, b.cash, b.Position()); err != nil {
			return domain.Fill{}, err
		}
	}

	switch order.Side {
	case domain.OrderSideBuy:
		b.cash = b.cash.Sub(notional).Sub(fill.Commission)
		held := b.qty.Add(qty)
		b.avgPrice = b.avgPrice.Mul(b.qty).Add(notional).Div(held)
		b.costBasis = b.costBasis.Add(notional).Add(fill.Commission)
		b.qty = held
	case domain.OrderSideSell:
		if qty.GreaterThan(b.qty) {
			return domain.Fill{}, fmt.Errorf("sell %s exceeds held %s", qty, b.qty)
		}
		soldCost := b.costBasis.Mul(qty).Div(b.qty)
		b.cash = b.cash.Add(notional).Sub(fill.Commission)
		fill.RealizedPnL = notional.Sub(fill.Commission).Sub(soldCost)
		b.costBasis = b.costBasis.Sub(soldCost)
		b.qty = b.qty.Sub(qty)
		if b.qty.IsZero() {
			b.avgPrice = decimal.Zero
			b.costBasis = decimal.Zero
		}
	default:
		return domain.Fill{}, fmt.Errorf("unknown order side %q", order.Side)
	}

	fill.CashAfter = b.cash
	return fill, nil
}
