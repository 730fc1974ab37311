// Package stats derives summary metrics from an equity curve and a benchmark
// price series. Everything here is a pure function of its inputs.
package stats

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"finera/internal/domain"
)

// DefaultPeriodsPerYear annualises daily bars.
const DefaultPeriodsPerYear = 252

// NotAvailable is the serialised form of a beta that could not be computed.
const NotAvailable = "N/A"

// Options tunes Compute.
type Options struct {
	PeriodsPerYear int
}

// Beta is a regression coefficient that may be unavailable.
type Beta struct {
	Value float64
	Valid bool
}

// String returns the value or "N/A".
func (b Beta) String() string {
	if !b.Valid {
		return NotAvailable
	}
	return strconv.FormatFloat(b.Value, 'f', -1, 64)
}

// MarshalJSON encodes a valid beta as a number and an invalid one as "N/A".
func (b Beta) MarshalJSON() ([]byte, error) {
	if !b.Valid {
		return json.Marshal(NotAvailable)
	}
	return json.Marshal(b.Value)
}

// UnmarshalJSON accepts a number or "N/A".
func (b *Beta) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*b = Beta{Value: x, Valid: true}
	case string, nil:
		*b = Beta{}
	default:
		return errors.New("beta: want a number or \"N/A\"")
	}
	return nil
}

// Metrics summarises one run.
type Metrics struct {
	TotalReturnPct float64
	SharpeRatio    float64
	MaxDrawdownPct float64
	Beta           Beta
	FinalEquity    float64

	Trades      int
	WinRatePct  float64
	TotalFees   float64
	ExposurePct float64
}

// Compute returns the curve metrics. The benchmark is a price series aligned
// with the curve, usually the bar closes.
func Compute(curve []domain.EquityPoint, benchmark []float64, initial float64, opts Options) (Metrics, error) {
	if len(curve) == 0 {
		return Metrics{}, errors.New("stats: empty equity curve")
	}
	if initial <= 0 || math.IsNaN(initial) || math.IsInf(initial, 0) {
		return Metrics{}, errors.New("stats: initial capital must be positive")
	}
	periods := opts.PeriodsPerYear
	if periods <= 0 {
		periods = DefaultPeriodsPerYear
	}

	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
	}
	last := equity[len(equity)-1]

	returns := Returns(equity)
	m := Metrics{
		TotalReturnPct: (last/initial - 1) * 100,
		SharpeRatio:    Sharpe(returns, periods),
		MaxDrawdownPct: MaxDrawdownPct(equity),
		FinalEquity:    last,
	}
	if len(benchmark) == len(equity) {
		m.Beta = ComputeBeta(returns, Returns(benchmark))
	}
	return m, nil
}

// AddTrades fills the trade-log metrics. barsInMarket counts bars that closed
// with an open position out of totalBars.
func (m *Metrics) AddTrades(fills []domain.Fill, barsInMarket, totalBars int) {
	m.Trades = len(fills)
	var sells, wins int
	var fees float64
	for _, f := range fills {
		fees += f.Commission.InexactFloat64()
		if f.Side != domain.OrderSideSell {
			continue
		}
		sells++
		if f.RealizedPnL.IsPositive() {
			wins++
		}
	}
	m.TotalFees = fees
	if sells > 0 {
		m.WinRatePct = float64(wins) / float64(sells) * 100
	}
	if totalBars > 0 {
		m.ExposurePct = float64(barsInMarket) / float64(totalBars) * 100
	}
}

// Returns converts a value series into simple per-period returns. A
// non-positive previous value contributes a zero return.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 {
			out[i-1] = values[i]/values[i-1] - 1
		}
	}
	return out
}

// Sharpe returns the annualised mean/stddev ratio of returns with a zero
// risk-free rate, or 0 when fewer than two returns exist or they do not vary.
func Sharpe(returns []float64, periodsPerYear int) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(float64(periodsPerYear))
}

// MaxDrawdownPct returns the deepest decline from a running peak as a
// non-positive percentage.
func MaxDrawdownPct(equity []float64) float64 {
	var worst float64
	peak := math.Inf(-1)
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak <= 0 {
			continue
		}
		if dd := (e - peak) / peak * 100; dd < worst {
			worst = dd
		}
	}
	return worst
}

// ComputeBeta returns cov(strategy, benchmark) / var(benchmark), invalid when
// the inputs are misaligned, too short or the benchmark never moves.
func ComputeBeta(strategy, benchmark []float64) Beta {
	if len(strategy) != len(benchmark) || len(benchmark) < 2 {
		return Beta{}
	}
	v := stat.Variance(benchmark, nil)
	if v == 0 || math.IsNaN(v) {
		return Beta{}
	}
	b := stat.Covariance(strategy, benchmark, nil) / v
	if math.IsNaN(b) || math.IsInf(b, 0) {
		return Beta{}
	}
	return Beta{Value: b, Valid: true}
}
