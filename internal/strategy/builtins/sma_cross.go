// Package builtins provides built-in strategy implementations that ship with
// the finera engine.
package builtins

import (
	"context"
	"fmt"

	"github.com/thrasher-corp/gct-ta/indicators"

	"finera/internal/domain"
	"finera/internal/series"
	"finera/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It buys
// when the short-period SMA crosses above the long-period SMA and closes the
// position when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	fraction    float64
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods. Entries commit fraction of available cash.
func NewSMACross(short, long int, fraction float64) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		fraction:    fraction,
	}
}

// NewSMACrossFromParams builds an SMACross from the "short", "long" and
// "fraction" parameters (defaults 10, 20 and 1).
func NewSMACrossFromParams(params map[string]float64) (strategy.Strategy, error) {
	sc := &strategy.Context{Params: params}
	s := NewSMACross(int(sc.Param("short", 10)), int(sc.Param("long", 20)), sc.Param("fraction", 1))
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SMACross) validate() error {
	if s.shortPeriod < 1 || s.longPeriod < 2 {
		return fmt.Errorf("sma-cross: periods must be positive (short=%d long=%d)", s.shortPeriod, s.longPeriod)
	}
	if s.shortPeriod >= s.longPeriod {
		return fmt.Errorf("sma-cross: short period %d must be below long period %d", s.shortPeriod, s.longPeriod)
	}
	if s.fraction <= 0 || s.fraction > 1 {
		return fmt.Errorf("sma-cross: fraction %v outside (0, 1]", s.fraction)
	}
	return nil
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init checks the configured periods.
func (s *SMACross) Init(_ context.Context, _ *strategy.Context) error {
	return s.validate()
}

// OnBar computes both SMAs over the visible closes and trades on a cross.
func (s *SMACross) OnBar(_ context.Context, sc *strategy.Context, index int, history series.Window) ([]domain.Order, error) {
	if history.Len() <= s.longPeriod {
		return nil, nil
	}
	closes := history.Closes()
	short := indicators.SMA(closes, s.shortPeriod)
	long := indicators.SMA(closes, s.longPeriod)

	switch {
	case crossover(short, long) && sc.Account.Qty == 0:
		return []domain.Order{{Side: domain.OrderSideBuy, Fraction: s.fraction, RequestedAt: index}}, nil
	case crossover(long, short) && sc.Account.Qty > 0:
		return []domain.Order{{Side: domain.OrderSideSell, Fraction: 1, RequestedAt: index}}, nil
	}
	return nil, nil
}

// crossover reports whether a crossed above b on the most recent value.
func crossover(a, b []float64) bool {
	if len(a) < 2 || len(b) < 2 {
		return false
	}
	a1, a0 := a[len(a)-2], a[len(a)-1]
	b1, b0 := b[len(b)-2], b[len(b)-1]
	return a1 < b1 && a0 > b0
}
