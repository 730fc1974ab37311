package builtins

import (
	"context"
	"fmt"

	"finera/internal/domain"
	"finera/internal/series"
	"finera/internal/strategy"
)

var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold commits a fraction of cash on the first decision bar and never
// sells.
type BuyAndHold struct {
	fraction float64
	bought   bool
}

// NewBuyAndHold builds a BuyAndHold from the "fraction" parameter (default 1).
func NewBuyAndHold(params map[string]float64) (strategy.Strategy, error) {
	sc := &strategy.Context{Params: params}
	fraction := sc.Param("fraction", 1)
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("buy-and-hold: fraction %v outside (0, 1]", fraction)
	}
	return &BuyAndHold{fraction: fraction}, nil
}

// Name returns "buy-and-hold".
func (s *BuyAndHold) Name() string { return "buy-and-hold" }

// Init is a no-op.
func (s *BuyAndHold) Init(_ context.Context, _ *strategy.Context) error { return nil }

// OnBar emits a single buy order.
func (s *BuyAndHold) OnBar(_ context.Context, _ *strategy.Context, index int, _ series.Window) ([]domain.Order, error) {
	if s.bought {
		return nil, nil
	}
	s.bought = true
	return []domain.Order{{Side: domain.OrderSideBuy, Fraction: s.fraction, RequestedAt: index}}, nil
}

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register("sma-cross", NewSMACrossFromParams)
	r.Register("buy-and-hold", NewBuyAndHold)
}
