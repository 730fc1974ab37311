// Package engine replays a bar series through a strategy, filling orders on
// the next bar's open through a simulated broker and recording the equity
// curve.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"finera/internal/broker"
	"finera/internal/domain"
	"finera/internal/series"
	"finera/internal/strategy"
)

// DefaultCommissionRate is charged on fill notional when Options.Commission
// is nil.
const DefaultCommissionRate = 0.002

// Options configures one simulation.
type Options struct {
	InitialCapital float64
	// Commission defaults to a FixedRate of DefaultCommissionRate.
	Commission broker.Commission
	// MaxPositionPct caps position value as a share of equity. Zero disables.
	MaxPositionPct float64
	// LiquidateOnExit sells any open position at the last close, with
	// commission. Off by default: the final equity is marked to market.
	LiquidateOnExit bool
	// Progress, when set, is called after every bar.
	Progress func(done, total int)
	Logger   *slog.Logger
}

// Simulation is the outcome of a completed replay.
type Simulation struct {
	Curve         []domain.EquityPoint
	Fills         []domain.Fill
	Skipped       []domain.SkippedOrder
	FinalCash     decimal.Decimal
	FinalPosition domain.Position
	// BarsInMarket counts bars whose close found a non-flat position.
	BarsInMarket int
	TotalFees    decimal.Decimal
}

// Simulator runs strategies over series. It holds only configuration, so one
// Simulator may serve concurrent runs.
type Simulator struct {
	opts Options
	log  *slog.Logger
}

// NewSimulator creates a Simulator with opts.
func NewSimulator(opts Options) *Simulator {
	if opts.Commission == nil {
		opts.Commission = broker.NewFixedRate(DefaultCommissionRate)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{opts: opts, log: log.With("component", "simulator")}
}

// run is the mutable state of a single replay.
type run struct {
	sim    *Simulator
	data   *series.Series
	broker *broker.SimulatorBroker
	out    *Simulation
}

// Run replays data through strat. Bar 0 seeds the curve and Init; every later
// bar first fills orders queued on the previous bar at its open, then asks
// the strategy for new orders, then marks equity at its close. Errors and
// panics from the strategy abort with *StrategyRuntimeError.
func (s *Simulator) Run(ctx context.Context, data *series.Series, strat strategy.Strategy, params map[string]float64) (*Simulation, error) {
	if data == nil || data.Len() == 0 {
		return nil, errors.New("engine: empty series")
	}
	if strat == nil {
		return nil, errors.New("engine: nil strategy")
	}
	if s.opts.InitialCapital <= 0 {
		return nil, fmt.Errorf("engine: initial capital %v must be positive", s.opts.InitialCapital)
	}

	initial := decimal.NewFromFloat(s.opts.InitialCapital)
	r := &run{
		sim:    s,
		data:   data,
		broker: broker.NewSimulatorBroker(data.Symbol(), initial, s.opts.Commission, NewRiskManager(s.opts.MaxPositionPct)),
		out: &Simulation{
			Curve: make([]domain.EquityPoint, 0, data.Len()),
		},
	}
	n := data.Len()
	first := data.First()
	r.out.Curve = append(r.out.Curve, domain.EquityPoint{Timestamp: first.Timestamp, Equity: s.opts.InitialCapital})

	sc := &strategy.Context{Symbol: data.Symbol(), Params: params}
	sc.Account = r.broker.Snapshot(decimal.NewFromFloat(first.Close))
	if err := guard(func() error { return strat.Init(ctx, sc) }); err != nil {
		return nil, &StrategyRuntimeError{BarIndex: 0, Phase: PhaseInit, Cause: err}
	}
	s.progress(1, n)

	var pending []domain.Order
	for i := 1; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := data.At(i)

		for _, o := range pending {
			if err := r.fill(ctx, o, i, decimal.NewFromFloat(bar.Open)); err != nil {
				return nil, err
			}
		}

		mark := decimal.NewFromFloat(bar.Close)
		sc.Account = r.broker.Snapshot(mark)
		var orders []domain.Order
		err := guard(func() error {
			var err error
			orders, err = strat.OnBar(ctx, sc, i, data.Window(i))
			return err
		})
		if err == nil {
			err = validateOrders(orders)
		}
		if err != nil {
			return nil, &StrategyRuntimeError{BarIndex: i, Phase: PhaseOnBar, Cause: err}
		}
		pending = pending[:0]
		for _, o := range orders {
			o.RequestedAt = i
			pending = append(pending, o)
		}

		r.mark(bar, mark)
		s.progress(i+1, n)
	}

	for _, o := range pending {
		r.skip(o, n-1, domain.SkipExpired, decimal.Zero)
	}

	if s.opts.LiquidateOnExit && !r.broker.Position().IsFlat() {
		if err := r.liquidate(ctx); err != nil {
			return nil, err
		}
	}

	r.out.FinalCash = r.broker.Cash()
	r.out.FinalPosition = r.broker.Position()
	return r.out, nil
}

func (s *Simulator) progress(done, total int) {
	if s.opts.Progress != nil {
		s.opts.Progress(done, total)
	}
}

// fill executes one queued order at price, turning rejections into skip
// notes.
func (r *run) fill(ctx context.Context, o domain.Order, i int, price decimal.Decimal) error {
	bar := r.data.At(i)
	f, err := r.broker.Execute(ctx, o, price, i, bar.Timestamp)
	if err == nil {
		r.out.Fills = append(r.out.Fills, f)
		r.out.TotalFees = r.out.TotalFees.Add(f.Commission)
		r.sim.log.Debug("order filled",
			"bar", i, "side", f.Side, "qty", f.Qty.String(), "price", f.Price.String(),
			"commission", f.Commission.String(), "cash", f.CashAfter.String())
		return nil
	}

	var rej *RejectionError
	switch {
	case errors.Is(err, broker.ErrZeroSize):
		r.skip(o, i, domain.SkipZeroSize, decimal.Zero)
	case errors.As(err, &rej):
		reason := domain.SkipInsufficientFunds
		switch {
		case errors.Is(rej, ErrInsufficientPosition):
			reason = domain.SkipInsufficientPosition
		case errors.Is(rej, ErrPositionLimit):
			reason = domain.SkipPositionLimit
		}
		r.skip(o, i, reason, rej.Required)
	default:
		return fmt.Errorf("engine: fill at bar %d: %w", i, err)
	}
	return nil
}

func (r *run) skip(o domain.Order, i int, reason domain.SkipReason, required decimal.Decimal) {
	r.out.Skipped = append(r.out.Skipped, domain.SkippedOrder{
		BarIndex: i,
		Order:    o,
		Reason:   reason,
		Required: required,
		Cash:     r.broker.Cash(),
	})
	r.sim.log.Debug("order skipped", "bar", i, "side", o.Side, "reason", reason, "requested_at", o.RequestedAt)
}

func (r *run) mark(bar domain.Bar, price decimal.Decimal) {
	if !r.broker.Position().IsFlat() {
		r.out.BarsInMarket++
	}
	r.out.Curve = append(r.out.Curve, domain.EquityPoint{
		Timestamp: bar.Timestamp,
		Equity:    r.broker.Equity(price).InexactFloat64(),
	})
}

// liquidate sells the whole position at the last close and restates the
// final curve point.
func (r *run) liquidate(ctx context.Context) error {
	last := r.data.Len() - 1
	price := decimal.NewFromFloat(r.data.Last().Close)
	o := domain.Order{Side: domain.OrderSideSell, Fraction: 1, RequestedAt: last}
	if err := r.fill(ctx, o, last, price); err != nil {
		return err
	}
	r.out.Curve[len(r.out.Curve)-1].Equity = r.broker.Equity(price).InexactFloat64()
	return nil
}

// guard runs fn, converting a panic into *PanicError.
func guard(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	return fn()
}

func validateOrders(orders []domain.Order) error {
	for i, o := range orders {
		if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
			return fmt.Errorf("order %d: unknown side %q", i, o.Side)
		}
		if o.IsFractional() {
			if o.Fraction > 1 {
				return fmt.Errorf("order %d: fraction %v above 1", i, o.Fraction)
			}
			continue
		}
		if !o.Qty.IsPositive() {
			return fmt.Errorf("order %d: size %s must be positive", i, o.Qty)
		}
	}
	return nil
}
