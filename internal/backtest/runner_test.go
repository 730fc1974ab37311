package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"finera/internal/domain"
	"finera/internal/series"
	"finera/internal/store"
	"finera/internal/strategy"
	"finera/internal/strategy/builtins"
	"finera/internal/strategy/script"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memCache struct {
	mu     sync.Mutex
	data   map[string]*series.Series
	getErr error
	puts   int
}

func (c *memCache) Get(_ context.Context, key string) (*series.Series, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	s, ok := c.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (c *memCache) Put(_ context.Context, key string, s *series.Series) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]*series.Series)
	}
	c.data[key] = s
	c.puts++
	return nil
}

type memArchive struct {
	bars  []domain.Bar
	reads int
}

func (a *memArchive) WriteBars(context.Context, string, []domain.Bar) error { return nil }

func (a *memArchive) ReadBars(_ context.Context, symbol, _ string, start, end time.Time) ([]domain.Bar, error) {
	a.reads++
	var out []domain.Bar
	for _, b := range a.bars {
		if b.Symbol == symbol && !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (a *memArchive) ListSymbols(context.Context, string) ([]string, error) { return nil, nil }

type memResults struct {
	mu       sync.Mutex
	recs     map[string]store.ResultRecord
	failures int
	saves    int
	gets     int
}

func (m *memResults) SaveResult(_ context.Context, rec *store.ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failures > 0 {
		m.failures--
		return errors.New("database is locked")
	}
	if m.recs == nil {
		m.recs = make(map[string]store.ResultRecord)
	}
	m.recs[rec.Ticker+"|"+rec.Period] = *rec
	return nil
}

func (m *memResults) GetResult(_ context.Context, ticker, period string) (*store.ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	rec, ok := m.recs[ticker+"|"+period]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (m *memResults) ListResults(context.Context, int) ([]store.ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ResultRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func flatBars(symbol string, n int, price float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: day0.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price, Volume: 1000}
	}
	return bars
}

func newTestRunner(t *testing.T, deps Deps, opts Options) *Runner {
	t.Helper()
	reg := strategy.NewRegistry()
	builtins.Register(reg)
	deps.Loader = strategy.NewLoader(reg, script.NewCompiler(script.DefaultOptions()))
	if opts.CommissionRate == 0 {
		opts.CommissionRate = 0.002
	}
	r, err := NewRunner(deps, opts)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

const buyTenAtBarOne = `
order := import("order")
on_bar := func(ctx, index, history) {
	if index == 1 {
		return [order.buy(10)]
	}
}
`

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunBacktestFlatScenario(t *testing.T) {
	r := newTestRunner(t, Deps{}, Options{})
	data, err := series.Load(flatBars("FLAT", 5, 100))
	if err != nil {
		t.Fatalf("series.Load: %v", err)
	}

	res, err := r.RunBacktest(context.Background(), Request{
		Series:         data,
		Strategy:       strategy.Source{Code: buyTenAtBarOne},
		InitialCapital: 10000,
	})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}

	want := []float64{10000, 10000, 9998, 9998, 9998}
	if len(res.PortfolioValue) != len(want) {
		t.Fatalf("PortfolioValue has %d points, want %d", len(res.PortfolioValue), len(want))
	}
	for i, v := range want {
		if math.Abs(res.PortfolioValue[i]-v) > 1e-9 {
			t.Errorf("PortfolioValue[%d] = %v, want %v", i, res.PortfolioValue[i], v)
		}
	}
	if math.Abs(res.Returns-(-0.02)) > 1e-9 {
		t.Errorf("Returns = %v, want -0.02", res.Returns)
	}
	if res.Beta.Valid {
		t.Errorf("Beta = %v, want N/A for a flat benchmark", res.Beta)
	}
	if len(res.Benchmark) != 5 || len(res.Timestamps) != 5 {
		t.Errorf("benchmark/timestamps lengths = %d/%d, want 5", len(res.Benchmark), len(res.Timestamps))
	}
	if len(res.Trades) != 1 || res.Trades[0].Bar != 2 || res.Trades[0].Commission != 2 {
		t.Errorf("Trades = %+v, want one fill on bar 2 with commission 2", res.Trades)
	}
	if res.Summary.FinalCash != 8998 || res.Summary.FinalQty != 10 {
		t.Errorf("Summary = %+v, want cash 8998 qty 10", res.Summary)
	}
	if res.RunID == "" || res.Ticker != "FLAT" || res.Strategy != "script" || res.CommissionRate != 0.002 {
		t.Errorf("result metadata = %q %q %q %v", res.RunID, res.Ticker, res.Strategy, res.CommissionRate)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	for _, key := range []string{`"returns"`, `"beta":"N/A"`, `"sharpe"`, `"drawdown"`, `"portfolioValue"`, `"benchmark"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("encoded result lacks %s: %s", key, raw)
		}
	}
}

func TestRunBacktestCommissionOverride(t *testing.T) {
	r := newTestRunner(t, Deps{}, Options{})
	data, _ := series.Load(flatBars("FLAT", 5, 100))
	zero := 0.0

	res, err := r.RunBacktest(context.Background(), Request{
		Series:         data,
		Strategy:       strategy.Source{Code: buyTenAtBarOne},
		InitialCapital: 10000,
		CommissionRate: &zero,
	})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	if res.Returns != 0 || res.Drawdown != 0 {
		t.Errorf("zero commission flat run: returns %v drawdown %v, want 0 and 0", res.Returns, res.Drawdown)
	}
}

func TestRunBacktestFetchesBySymbol(t *testing.T) {
	archive := &memArchive{bars: flatBars("SPY", 10, 50)}
	cache := &memCache{}
	r := newTestRunner(t, Deps{Cache: cache, Archive: archive}, Options{})

	period := Period{Start: day0, End: day0.AddDate(0, 0, 4)}
	res, err := r.RunBacktest(context.Background(), Request{
		Symbol:         "spy",
		Period:         period,
		Strategy:       strategy.Source{Name: "buy-and-hold"},
		InitialCapital: 1000,
	})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	if len(res.PortfolioValue) != 5 || res.Period != "2024-01-01:2024-01-05" || res.Strategy != "buy-and-hold" {
		t.Errorf("result = %d points, period %q, strategy %q", len(res.PortfolioValue), res.Period, res.Strategy)
	}
	if _, ok := cache.data["SPY_2024-01-01_2024-01-05"]; !ok {
		t.Errorf("series not cached under the expected key; cache has %v", cache.data)
	}
}

func TestFetchSeriesCacheAside(t *testing.T) {
	archive := &memArchive{bars: flatBars("AAPL", 3, 10)}
	cache := &memCache{}
	r := newTestRunner(t, Deps{Cache: cache, Archive: archive}, Options{})
	ctx := context.Background()
	period := Period{Start: day0, End: day0.AddDate(0, 0, 2)}

	for i := 0; i < 2; i++ {
		s, err := r.FetchSeries(ctx, "AAPL", period)
		if err != nil {
			t.Fatalf("FetchSeries #%d: %v", i, err)
		}
		if s.Len() != 3 {
			t.Errorf("FetchSeries #%d returned %d bars, want 3", i, s.Len())
		}
	}
	if archive.reads != 1 || cache.puts != 1 {
		t.Errorf("archive reads = %d, cache puts = %d; want 1 and 1", archive.reads, cache.puts)
	}
}

func TestFetchSeriesErrors(t *testing.T) {
	ctx := context.Background()
	period := Period{Start: day0, End: day0.AddDate(0, 0, 2)}

	r := newTestRunner(t, Deps{Cache: &memCache{}, Archive: &memArchive{}}, Options{})
	_, err := r.FetchSeries(ctx, "MSFT", period)
	if !errors.Is(err, store.ErrNotFound) || StageOf(err) != StageData || !IsCallerError(err) {
		t.Errorf("unknown symbol: err = %v, stage %q", err, StageOf(err))
	}

	_, err = r.FetchSeries(ctx, "../etc", period)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad symbol: err = %v, want ErrInvalidRequest", err)
	}

	broken := &memCache{getErr: errors.New("disk full")}
	r = newTestRunner(t, Deps{Cache: broken, Archive: &memArchive{}}, Options{})
	_, err = r.FetchSeries(ctx, "MSFT", period)
	if StageOf(err) != StageCache || IsCallerError(err) {
		t.Errorf("cache failure: err = %v, stage %q", err, StageOf(err))
	}

	// Bars that fail validation never reach the cache.
	bad := flatBars("BAD", 2, 10)
	bad[1].Close = math.NaN()
	cache := &memCache{}
	r = newTestRunner(t, Deps{Cache: cache, Archive: &memArchive{bars: bad}}, Options{})
	_, err = r.FetchSeries(ctx, "BAD", period)
	var malformed *series.MalformedDataError
	if !errors.As(err, &malformed) || StageOf(err) != StageData {
		t.Errorf("malformed bars: err = %v", err)
	}
	if cache.puts != 0 {
		t.Errorf("malformed series was cached")
	}
}

func TestRunBacktestStages(t *testing.T) {
	data, _ := series.Load(flatBars("FLAT", 5, 100))

	tests := []struct {
		name    string
		req     Request
		stage   Stage
		caller  bool
		wantErr error
	}{
		{
			name:    "non-positive capital",
			req:     Request{Series: data, Strategy: strategy.Source{Name: "buy-and-hold"}},
			stage:   StageSimulate,
			caller:  true,
			wantErr: ErrInvalidRequest,
		},
		{
			name:   "syntax error",
			req:    Request{Series: data, Strategy: strategy.Source{Code: "on_bar := func("}, InitialCapital: 1000},
			stage:  StageStrategyLoad,
			caller: true,
		},
		{
			name:   "unknown built-in",
			req:    Request{Series: data, Strategy: strategy.Source{Name: "nope"}, InitialCapital: 1000},
			stage:  StageStrategyLoad,
			caller: true,
		},
		{
			name:   "runtime error",
			req:    Request{Series: data, Strategy: strategy.Source{Code: `on_bar := func(c, i, h) { return error("boom") }`}, InitialCapital: 1000},
			stage:  StageSimulate,
			caller: true,
		},
		{
			name:    "missing period",
			req:     Request{Symbol: "AAPL", Strategy: strategy.Source{Name: "buy-and-hold"}, InitialCapital: 1000},
			stage:   StageData,
			caller:  true,
			wantErr: ErrInvalidRequest,
		},
	}

	r := newTestRunner(t, Deps{}, Options{})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.RunBacktest(context.Background(), tc.req)
			if err == nil {
				t.Fatal("RunBacktest returned nil error")
			}
			var be *Error
			if !errors.As(err, &be) {
				t.Fatalf("error %T is not *Error", err)
			}
			if be.Stage != tc.stage {
				t.Errorf("stage = %q, want %q (%v)", be.Stage, tc.stage, err)
			}
			if IsCallerError(err) != tc.caller {
				t.Errorf("IsCallerError = %v, want %v", IsCallerError(err), tc.caller)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v in chain", err, tc.wantErr)
			}
		})
	}
}

func TestRunBacktestTimeout(t *testing.T) {
	r := newTestRunner(t, Deps{}, Options{})
	data, _ := series.Load(flatBars("FLAT", 5, 100))

	start := time.Now()
	_, err := r.RunBacktest(context.Background(), Request{
		Series:         data,
		Strategy:       strategy.Source{Code: "on_bar := func(c, i, h) { for {} }"},
		InitialCapital: 1000,
		Timeout:        50 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunBacktest = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("run took %v to abort", elapsed)
	}
}

func TestRunBacktestWaitsForSlot(t *testing.T) {
	r := newTestRunner(t, Deps{}, Options{MaxConcurrentRuns: 1})
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	data, _ := series.Load(flatBars("FLAT", 3, 100))
	_, err := r.RunBacktest(ctx, Request{Series: data, Strategy: strategy.Source{Name: "buy-and-hold"}, InitialCapital: 1000})
	if !errors.Is(err, context.DeadlineExceeded) || StageOf(err) != StageSimulate {
		t.Errorf("RunBacktest with no free slot = %v", err)
	}
}

func TestStoreAndLoadResult(t *testing.T) {
	results := &memResults{failures: 1}
	r := newTestRunner(t, Deps{Results: results}, Options{})
	ctx := context.Background()

	rec := &store.ResultRecord{Ticker: "aapl", Period: "2024-01-01:2024-06-30", Capital: 1000, Results: json.RawMessage(`{"returns":1}`)}
	if err := r.StoreResult(ctx, rec); err != nil {
		t.Fatalf("StoreResult: %v", err)
	}
	if results.saves != 2 {
		t.Errorf("SaveResult called %d times, want 2 (one transient failure)", results.saves)
	}

	got, err := r.LoadResult(ctx, "AAPL", "2024-01-01:2024-06-30")
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if string(got.Results) != `{"returns":1}` {
		t.Errorf("Results = %s", got.Results)
	}

	results.gets = 0
	_, err = r.LoadResult(ctx, "AAPL", "2023-01-01:2023-06-30")
	if !errors.Is(err, store.ErrNotFound) || !IsCallerError(err) {
		t.Errorf("LoadResult missing = %v, want ErrNotFound", err)
	}
	if results.gets != 1 {
		t.Errorf("missing result was retried: %d gets", results.gets)
	}

	if err := r.StoreResult(ctx, &store.ResultRecord{Ticker: "AAPL", Period: "bogus", Results: json.RawMessage(`{}`)}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("StoreResult bad period = %v, want ErrInvalidRequest", err)
	}

	list, err := r.ListResults(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Errorf("ListResults = %d records, %v", len(list), err)
	}
}

func TestResultRecordRoundTrip(t *testing.T) {
	r := newTestRunner(t, Deps{}, Options{})
	data, _ := series.Load(flatBars("FLAT", 5, 100))
	res, err := r.RunBacktest(context.Background(), Request{Series: data, Strategy: strategy.Source{Code: buyTenAtBarOne}, InitialCapital: 10000})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	res.Period = "2024-01-01:2024-01-05"

	rec, err := res.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Ticker != "FLAT" || rec.RunID != res.RunID || rec.Capital != 10000 {
		t.Errorf("record = %+v", rec)
	}
	var back Result
	if err := json.Unmarshal(rec.Results, &back); err != nil {
		t.Fatalf("decoding stored result: %v", err)
	}
	if back.Beta.Valid || len(back.PortfolioValue) != 5 {
		t.Errorf("decoded result = beta %v, %d points", back.Beta, len(back.PortfolioValue))
	}
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2024-01-01:2024-06-30")
	if err != nil {
		t.Fatalf("ParsePeriod: %v", err)
	}
	if p.String() != "2024-01-01:2024-06-30" {
		t.Errorf("String() = %q", p.String())
	}
	if got := CacheKey("aapl", p); got != "AAPL_2024-01-01_2024-06-30" {
		t.Errorf("CacheKey = %q", got)
	}
	for _, bad := range []string{"", "2024-01-01", "2024-13-01:2024-12-01", "2024-06-30:2024-01-01"} {
		if _, err := ParsePeriod(bad); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("ParsePeriod(%q) = %v, want ErrInvalidRequest", bad, err)
		}
	}
}
