package backtest

import (
	"encoding/json"
	"fmt"
	"time"

	"finera/internal/domain"
	"finera/internal/engine"
	"finera/internal/stats"
	"finera/internal/store"
)

// Result is the document returned by a run and kept in the result store.
// The first six keys match what existing front ends read.
type Result struct {
	Returns        float64     `json:"returns"`
	Beta           stats.Beta  `json:"beta"`
	Sharpe         float64     `json:"sharpe"`
	Drawdown       float64     `json:"drawdown"`
	PortfolioValue []float64   `json:"portfolioValue"`
	Benchmark      []float64   `json:"benchmark"`
	Timestamps     []time.Time `json:"timestamps"`
	Trades         []Trade     `json:"trades"`
	Skipped        []Skip      `json:"skipped"`
	Summary        Summary     `json:"summary"`
	RunID          string      `json:"runId"`
	Ticker         string      `json:"ticker"`
	Period         string      `json:"period,omitempty"`
	Strategy       string      `json:"strategy"`
	Capital        float64     `json:"capital"`
	CommissionRate float64     `json:"commissionRate"`
}

// Summary carries the trade-log metrics and the closing account.
type Summary struct {
	FinalEquity float64 `json:"finalEquity"`
	FinalCash   float64 `json:"finalCash"`
	FinalQty    float64 `json:"finalQty"`
	Trades      int     `json:"trades"`
	WinRatePct  float64 `json:"winRatePct"`
	TotalFees   float64 `json:"totalFees"`
	ExposurePct float64 `json:"exposurePct"`
}

// Trade is one fill.
type Trade struct {
	Bar         int       `json:"bar"`
	RequestedAt int       `json:"requestedAt"`
	Time        time.Time `json:"time"`
	Side        string    `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	Commission  float64   `json:"commission"`
	CashAfter   float64   `json:"cashAfter"`
	PnL         float64   `json:"pnl,omitempty"`
}

// Skip is one order that did not fill.
type Skip struct {
	Bar         int     `json:"bar"`
	RequestedAt int     `json:"requestedAt"`
	Side        string  `json:"side"`
	Qty         float64 `json:"qty,omitempty"`
	Fraction    float64 `json:"fraction,omitempty"`
	Reason      string  `json:"reason"`
	Required    float64 `json:"required,omitempty"`
	Cash        float64 `json:"cash"`
}

func newResult(sim *engine.Simulation, m stats.Metrics, benchmark []float64) *Result {
	res := &Result{
		Returns:        m.TotalReturnPct,
		Beta:           m.Beta,
		Sharpe:         m.SharpeRatio,
		Drawdown:       m.MaxDrawdownPct,
		PortfolioValue: make([]float64, len(sim.Curve)),
		Benchmark:      benchmark,
		Timestamps:     make([]time.Time, len(sim.Curve)),
		Trades:         make([]Trade, 0, len(sim.Fills)),
		Skipped:        make([]Skip, 0, len(sim.Skipped)),
		Summary: Summary{
			FinalEquity: m.FinalEquity,
			FinalCash:   sim.FinalCash.InexactFloat64(),
			FinalQty:    sim.FinalPosition.Qty.InexactFloat64(),
			Trades:      m.Trades,
			WinRatePct:  m.WinRatePct,
			TotalFees:   m.TotalFees,
			ExposurePct: m.ExposurePct,
		},
	}
	for i, p := range sim.Curve {
		res.PortfolioValue[i] = p.Equity
		res.Timestamps[i] = p.Timestamp
	}
	for _, f := range sim.Fills {
		res.Trades = append(res.Trades, tradeFrom(f))
	}
	for _, s := range sim.Skipped {
		res.Skipped = append(res.Skipped, Skip{
			Bar:         s.BarIndex,
			RequestedAt: s.Order.RequestedAt,
			Side:        string(s.Order.Side),
			Qty:         s.Order.Qty.InexactFloat64(),
			Fraction:    s.Order.Fraction,
			Reason:      string(s.Reason),
			Required:    s.Required.InexactFloat64(),
			Cash:        s.Cash.InexactFloat64(),
		})
	}
	return res
}

func tradeFrom(f domain.Fill) Trade {
	return Trade{
		Bar:         f.BarIndex,
		RequestedAt: f.RequestedAt,
		Time:        f.Timestamp,
		Side:        string(f.Side),
		Qty:         f.Qty.InexactFloat64(),
		Price:       f.Price.InexactFloat64(),
		Commission:  f.Commission.InexactFloat64(),
		CashAfter:   f.CashAfter.InexactFloat64(),
		PnL:         f.RealizedPnL.InexactFloat64(),
	}
}

// Record encodes r for the result store.
func (r *Result) Record() (*store.ResultRecord, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &store.ResultRecord{
		RunID:    r.RunID,
		Ticker:   r.Ticker,
		Period:   r.Period,
		Strategy: r.Strategy,
		Capital:  r.Capital,
		Results:  data,
	}, nil
}
