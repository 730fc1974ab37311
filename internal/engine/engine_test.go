package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finera/internal/broker"
	"finera/internal/domain"
	"finera/internal/series"
	"finera/internal/strategy"
)

// scripted emits fixed orders per bar index and can fail on demand.
type scripted struct {
	orders  map[int][]domain.Order
	failAt  int
	panicAt int
	initErr error
	seen    []domain.AccountSnapshot
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Init(_ context.Context, _ *strategy.Context) error { return s.initErr }

func (s *scripted) OnBar(_ context.Context, sc *strategy.Context, i int, w series.Window) ([]domain.Order, error) {
	if w.Len() != i+1 {
		return nil, errors.New("window does not end at the current bar")
	}
	s.seen = append(s.seen, sc.Account)
	if s.failAt > 0 && i == s.failAt {
		return nil, errors.New("boom")
	}
	if s.panicAt > 0 && i == s.panicAt {
		panic("kaboom")
	}
	return s.orders[i], nil
}

func flatSeries(t *testing.T, n int, price float64) *series.Series {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{Symbol: "FLAT", Timestamp: start.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price, Volume: 1000}
	}
	s, err := series.Load(bars)
	if err != nil {
		t.Fatalf("series.Load: %v", err)
	}
	return s
}

func buy(qty int64) domain.Order {
	return domain.Order{Side: domain.OrderSideBuy, Qty: decimal.NewFromInt(qty)}
}

func sell(qty int64) domain.Order {
	return domain.Order{Side: domain.OrderSideSell, Qty: decimal.NewFromInt(qty)}
}

func TestFlatPriceBuyScenario(t *testing.T) {
	data := flatSeries(t, 5, 100)
	strat := &scripted{orders: map[int][]domain.Order{1: {buy(10)}}}

	sim, err := NewSimulator(Options{InitialCapital: 10000}).Run(context.Background(), data, strat, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !sim.FinalCash.Equal(decimal.NewFromInt(8998)) {
		t.Errorf("FinalCash = %s, want 8998", sim.FinalCash)
	}
	if !sim.FinalPosition.Qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("position qty = %s, want 10", sim.FinalPosition.Qty)
	}
	want := []float64{10000, 10000, 9998, 9998, 9998}
	for i, p := range sim.Curve {
		if p.Equity != want[i] {
			t.Errorf("curve[%d] = %v, want %v", i, p.Equity, want[i])
		}
	}
	if len(sim.Fills) != 1 || sim.Fills[0].BarIndex != 2 || sim.Fills[0].RequestedAt != 1 {
		t.Fatalf("fills = %+v, want one fill on bar 2 requested at 1", sim.Fills)
	}
	if !sim.Fills[0].Commission.Equal(decimal.NewFromInt(2)) {
		t.Errorf("commission = %s, want 2", sim.Fills[0].Commission)
	}
	ret := (sim.Curve[len(sim.Curve)-1].Equity/10000 - 1) * 100
	if math.Abs(ret-(-0.02)) > 1e-9 {
		t.Errorf("total return = %v%%, want -0.02%%", ret)
	}
	if sim.BarsInMarket != 3 {
		t.Errorf("BarsInMarket = %d, want 3", sim.BarsInMarket)
	}
}

func TestCurveMatchesSeries(t *testing.T) {
	data := flatSeries(t, 7, 50)
	sim, err := NewSimulator(Options{InitialCapital: 1000}).Run(context.Background(), data, &scripted{}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sim.Curve) != data.Len() {
		t.Fatalf("curve length = %d, want %d", len(sim.Curve), data.Len())
	}
	for i, p := range sim.Curve {
		if !p.Timestamp.Equal(data.At(i).Timestamp) {
			t.Errorf("curve[%d] timestamp = %v, want %v", i, p.Timestamp, data.At(i).Timestamp)
		}
		if p.Equity != 1000 {
			t.Errorf("curve[%d] equity = %v, want 1000 with no orders", i, p.Equity)
		}
	}
	if len(sim.Fills) != 0 || len(sim.Skipped) != 0 {
		t.Errorf("fills/skipped = %d/%d, want 0/0", len(sim.Fills), len(sim.Skipped))
	}
}

func TestCommissionReducesCash(t *testing.T) {
	data := flatSeries(t, 4, 100)
	var prev decimal.Decimal
	for i, rate := range []float64{0, 0.001, 0.002, 0.01} {
		strat := &scripted{orders: map[int][]domain.Order{1: {buy(10)}}}
		opts := Options{InitialCapital: 10000, Commission: broker.NewFixedRate(rate)}
		sim, err := NewSimulator(opts).Run(context.Background(), data, strat, nil)
		if err != nil {
			t.Fatalf("rate %v: Run returned error: %v", rate, err)
		}
		if i > 0 && !sim.FinalCash.LessThan(prev) {
			t.Errorf("rate %v: cash %s not below %s", rate, sim.FinalCash, prev)
		}
		prev = sim.FinalCash
	}
}

func TestInsufficientFundsSkips(t *testing.T) {
	data := flatSeries(t, 4, 100)
	strat := &scripted{orders: map[int][]domain.Order{1: {buy(200)}}}

	sim, err := NewSimulator(Options{InitialCapital: 10000}).Run(context.Background(), data, strat, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !sim.FinalCash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("cash = %s, want untouched 10000", sim.FinalCash)
	}
	if !sim.FinalPosition.IsFlat() {
		t.Errorf("position = %s, want flat", sim.FinalPosition.Qty)
	}
	if len(sim.Skipped) != 1 {
		t.Fatalf("skipped = %+v, want one note", sim.Skipped)
	}
	sk := sim.Skipped[0]
	if sk.Reason != domain.SkipInsufficientFunds || sk.BarIndex != 2 {
		t.Errorf("skip = %+v, want insufficient_funds on bar 2", sk)
	}
	if !sk.Required.Equal(decimal.NewFromInt(20040)) {
		t.Errorf("required = %s, want 20040", sk.Required)
	}
}

func TestOversellAndZeroSizeSkip(t *testing.T) {
	data := flatSeries(t, 5, 100)
	strat := &scripted{orders: map[int][]domain.Order{
		1: {sell(1)},
		2: {{Side: domain.OrderSideSell, Fraction: 0.5}},
	}}

	sim, err := NewSimulator(Options{InitialCapital: 10000}).Run(context.Background(), data, strat, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sim.Skipped) != 2 {
		t.Fatalf("skipped = %+v, want two notes", sim.Skipped)
	}
	if sim.Skipped[0].Reason != domain.SkipInsufficientPosition {
		t.Errorf("first skip = %s, want insufficient_position", sim.Skipped[0].Reason)
	}
	if sim.Skipped[1].Reason != domain.SkipZeroSize {
		t.Errorf("second skip = %s, want zero_size", sim.Skipped[1].Reason)
	}
}

func TestFractionalSizing(t *testing.T) {
	data := flatSeries(t, 5, 100)
	strat := &scripted{orders: map[int][]domain.Order{
		1: {{Side: domain.OrderSideBuy, Fraction: 1}},
		3: {{Side: domain.OrderSideSell, Fraction: 1}},
	}}

	sim, err := NewSimulator(Options{InitialCapital: 10000}).Run(context.Background(), data, strat, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sim.Fills) != 2 {
		t.Fatalf("fills = %+v, want buy and sell", sim.Fills)
	}
	if !sim.Fills[0].Qty.Equal(decimal.NewFromInt(99)) {
		t.Errorf("buy qty = %s, want 99", sim.Fills[0].Qty)
	}
	if !sim.Fills[1].Qty.Equal(decimal.NewFromInt(99)) {
		t.Errorf("sell qty = %s, want 99", sim.Fills[1].Qty)
	}
	if sim.FinalCash.IsNegative() {
		t.Errorf("cash went negative: %s", sim.FinalCash)
	}
	if !sim.FinalPosition.IsFlat() {
		t.Errorf("position = %s, want flat", sim.FinalPosition.Qty)
	}
	// 9900 + 9900 notional at 0.2% each.
	if !sim.TotalFees.Equal(decimal.RequireFromString("39.6")) {
		t.Errorf("TotalFees = %s, want 39.6", sim.TotalFees)
	}
	if !sim.Fills[1].RealizedPnL.Equal(decimal.RequireFromString("-39.6")) {
		t.Errorf("RealizedPnL = %s, want -39.6", sim.Fills[1].RealizedPnL)
	}
}

func TestOrdersOnLastBarExpire(t *testing.T) {
	data := flatSeries(t, 3, 10)
	strat := &scripted{orders: map[int][]domain.Order{2: {buy(1)}}}

	sim, err := NewSimulator(Options{InitialCapital: 100}).Run(context.Background(), data, strat, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sim.Fills) != 0 {
		t.Errorf("fills = %+v, want none", sim.Fills)
	}
	if len(sim.Skipped) != 1 || sim.Skipped[0].Reason != domain.SkipExpired {
		t.Errorf("skipped = %+v, want one expired note", sim.Skipped)
	}
}

func TestLiquidateOnExit(t *testing.T) {
	data := flatSeries(t, 5, 100)
	strat := &scripted{orders: map[int][]domain.Order{1: {buy(10)}}}

	sim, err := NewSimulator(Options{InitialCapital: 10000, LiquidateOnExit: true}).Run(context.Background(), data, strat, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !sim.FinalPosition.IsFlat() {
		t.Errorf("position = %s, want flat after liquidation", sim.FinalPosition.Qty)
	}
	if !sim.FinalCash.Equal(decimal.NewFromInt(9996)) {
		t.Errorf("cash = %s, want 9996", sim.FinalCash)
	}
	if got := sim.Curve[len(sim.Curve)-1].Equity; got != 9996 {
		t.Errorf("final equity = %v, want 9996", got)
	}
	if len(sim.Curve) != data.Len() {
		t.Errorf("curve length = %d, want %d", len(sim.Curve), data.Len())
	}
}

func TestStrategyFailures(t *testing.T) {
	data := flatSeries(t, 5, 10)
	tests := []struct {
		name      string
		strat     *scripted
		wantBar   int
		wantPhase string
	}{
		{"on_bar error", &scripted{failAt: 3}, 3, PhaseOnBar},
		{"on_bar panic", &scripted{panicAt: 2}, 2, PhaseOnBar},
		{"init error", &scripted{initErr: errors.New("bad")}, 0, PhaseInit},
		{"invalid order", &scripted{orders: map[int][]domain.Order{1: {{Side: "hold", Qty: decimal.NewFromInt(1)}}}}, 1, PhaseOnBar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, err := NewSimulator(Options{InitialCapital: 100}).Run(context.Background(), data, tt.strat, nil)
			if sim != nil {
				t.Error("Run returned a partial result")
			}
			var rerr *StrategyRuntimeError
			if !errors.As(err, &rerr) {
				t.Fatalf("error = %v, want *StrategyRuntimeError", err)
			}
			if rerr.BarIndex != tt.wantBar || rerr.Phase != tt.wantPhase {
				t.Errorf("error at %s bar %d, want %s bar %d", rerr.Phase, rerr.BarIndex, tt.wantPhase, tt.wantBar)
			}
		})
	}
}

func TestAccountSnapshotSeenByStrategy(t *testing.T) {
	data := flatSeries(t, 4, 100)
	strat := &scripted{orders: map[int][]domain.Order{1: {buy(10)}}}
	if _, err := NewSimulator(Options{InitialCapital: 10000}).Run(context.Background(), data, strat, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(strat.seen) != 3 {
		t.Fatalf("OnBar called %d times, want 3", len(strat.seen))
	}
	if strat.seen[0].Qty != 0 || strat.seen[1].Qty != 10 || strat.seen[1].Cash != 8998 {
		t.Errorf("snapshots = %+v", strat.seen)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimulator(Options{InitialCapital: 100}).Run(ctx, flatSeries(t, 3, 1), &scripted{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestProgressHook(t *testing.T) {
	var calls, last int
	opts := Options{InitialCapital: 100, Progress: func(done, total int) {
		calls++
		last = done
		if total != 6 {
			t.Errorf("total = %d, want 6", total)
		}
	}}
	if _, err := NewSimulator(opts).Run(context.Background(), flatSeries(t, 6, 1), &scripted{}, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 6 || last != 6 {
		t.Errorf("progress called %d times ending at %d, want 6 and 6", calls, last)
	}
}

func TestRiskManagerCheckFill(t *testing.T) {
	rm := NewRiskManager(0.5)
	cash := decimal.NewFromInt(1000)
	flat := domain.Position{}

	ok := domain.Fill{Side: domain.OrderSideBuy, Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100), Commission: decimal.NewFromInt(1)}
	if err := rm.CheckFill(context.Background(), ok, cash, flat); err != nil {
		t.Errorf("CheckFill within limits returned %v", err)
	}

	big := ok
	big.Qty = decimal.NewFromInt(6)
	if err := rm.CheckFill(context.Background(), big, cash, flat); !errors.Is(err, ErrPositionLimit) {
		t.Errorf("CheckFill above position limit = %v, want ErrPositionLimit", err)
	}

	tooBig := ok
	tooBig.Qty = decimal.NewFromInt(20)
	if err := NewRiskManager(0).CheckFill(context.Background(), tooBig, cash, flat); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("CheckFill beyond cash = %v, want ErrInsufficientFunds", err)
	}

	oversell := domain.Fill{Side: domain.OrderSideSell, Qty: decimal.NewFromInt(2), Price: decimal.NewFromInt(100)}
	if err := rm.CheckFill(context.Background(), oversell, cash, domain.Position{Qty: decimal.NewFromInt(1)}); !errors.Is(err, ErrInsufficientPosition) {
		t.Errorf("CheckFill oversell = %v, want ErrInsufficientPosition", err)
	}
}
