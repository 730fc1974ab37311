// Package backtest orchestrates a run: it resolves the bar series through the
// cache and archive, loads the strategy, simulates, computes statistics and
// persists results.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"golang.org/x/sync/semaphore"

	"finera/internal/broker"
	"finera/internal/config"
	"finera/internal/domain"
	"finera/internal/engine"
	"finera/internal/series"
	"finera/internal/stats"
	"finera/internal/store"
	"finera/internal/strategy"
	"finera/internal/util"
)

const (
	storeAttempts  = 3
	storeBaseDelay = 100 * time.Millisecond
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.^=-]{0,19}$`)

// Options are the defaults applied to every run.
type Options struct {
	Market            string
	CommissionRate    float64
	PeriodsPerYear    int
	RunTimeout        time.Duration
	MaxConcurrentRuns int
	MaxPositionPct    float64
	LiquidateOnExit   bool
}

// OptionsFromConfig maps the backtest config section onto Options.
func OptionsFromConfig(c config.BacktestConfig) Options {
	return Options{
		Market:            c.Market,
		CommissionRate:    c.CommissionRate,
		PeriodsPerYear:    c.PeriodsPerYear,
		RunTimeout:        c.RunTimeout,
		MaxConcurrentRuns: c.MaxConcurrentRuns,
		MaxPositionPct:    c.MaxPositionPct,
		LiquidateOnExit:   c.LiquidateOnExit,
	}
}

// Deps are the collaborators of a Runner. Cache, Archive and Results may be
// nil; the operations that need them then fail with a stage error.
type Deps struct {
	Cache   store.BarCache
	Archive store.BarArchive
	Results store.ResultStore
	Loader  *strategy.Loader
	Logger  *slog.Logger
}

// Request describes one run. Either Series is set, or Symbol and Period are
// used to fetch it.
type Request struct {
	Symbol         string
	Period         Period
	Series         *series.Series
	Strategy       strategy.Source
	InitialCapital float64
	// CommissionRate overrides Options.CommissionRate when non-nil.
	CommissionRate *float64
	// Timeout overrides Options.RunTimeout when positive.
	Timeout  time.Duration
	Progress func(done, total int)
}

// Runner executes backtests. Runs share no mutable state, so one Runner
// serves any number of concurrent callers up to MaxConcurrentRuns.
type Runner struct {
	cache   store.BarCache
	archive store.BarArchive
	results store.ResultStore
	loader  *strategy.Loader
	opts    Options
	sem     *semaphore.Weighted
	log     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, opts Options) (*Runner, error) {
	if deps.Loader == nil {
		return nil, errors.New("backtest: a strategy loader is required")
	}
	if opts.Market == "" {
		opts.Market = domain.MarketUS
	}
	if opts.PeriodsPerYear <= 0 {
		opts.PeriodsPerYear = stats.DefaultPeriodsPerYear
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cache:   deps.Cache,
		archive: deps.Archive,
		results: deps.Results,
		loader:  deps.Loader,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		log:     log.With("component", "backtest"),
	}, nil
}

// Strategies lists the built-in strategy names.
func (r *Runner) Strategies() []string {
	return r.loader.Names()
}

// RunBacktest loads the series and strategy, simulates and computes the
// statistics. Every error is a *Error.
func (r *Runner) RunBacktest(ctx context.Context, req Request) (*Result, error) {
	if req.InitialCapital <= 0 {
		return nil, invalid(StageSimulate, "initial capital %v must be positive", req.InitialCapital)
	}
	rate := r.opts.CommissionRate
	if req.CommissionRate != nil {
		rate = *req.CommissionRate
	}
	if rate < 0 || rate >= 1 {
		return nil, invalid(StageSimulate, "commission rate %v outside [0, 1)", rate)
	}
	if req.Series == nil {
		if err := validateSymbol(req.Symbol); err != nil {
			return nil, err
		}
		if req.Period.IsZero() {
			return nil, invalid(StageData, "period is required")
		}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Stage: StageSimulate, Err: err}
	}
	defer r.sem.Release(1)

	timeout := r.opts.RunTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data := req.Series
	if data == nil {
		var err error
		if data, err = r.FetchSeries(ctx, req.Symbol, req.Period); err != nil {
			return nil, err
		}
	}

	strat, err := r.loader.Load(req.Strategy)
	if err != nil {
		return nil, &Error{Stage: StageStrategyLoad, Err: err}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, &Error{Stage: StageSimulate, Err: fmt.Errorf("generating run id: %w", err)}
	}
	log := r.log.With("run_id", id.String(), "symbol", data.Symbol(), "strategy", strat.Name())
	log.Info("backtest started", "bars", data.Len(), "capital", req.InitialCapital)
	started := time.Now()

	sim := engine.NewSimulator(engine.Options{
		InitialCapital:  req.InitialCapital,
		Commission:      broker.NewFixedRate(rate),
		MaxPositionPct:  r.opts.MaxPositionPct,
		LiquidateOnExit: r.opts.LiquidateOnExit,
		Progress:        req.Progress,
		Logger:          log,
	})
	out, err := sim.Run(ctx, data, strat, req.Strategy.Params)
	if err != nil {
		log.Warn("backtest failed", "error", err)
		return nil, &Error{Stage: StageSimulate, Err: err}
	}

	benchmark := data.Closes()
	m, err := stats.Compute(out.Curve, benchmark, req.InitialCapital, stats.Options{PeriodsPerYear: r.opts.PeriodsPerYear})
	if err != nil {
		return nil, &Error{Stage: StageStatistics, Err: err}
	}
	m.AddTrades(out.Fills, out.BarsInMarket, data.Len())

	res := newResult(out, m, benchmark)
	res.RunID = id.String()
	res.Ticker = data.Symbol()
	if !req.Period.IsZero() {
		res.Period = req.Period.String()
	}
	res.Strategy = strat.Name()
	res.Capital = req.InitialCapital
	res.CommissionRate = rate

	log.Info("backtest completed",
		"return_pct", m.TotalReturnPct, "sharpe", m.SharpeRatio, "drawdown_pct", m.MaxDrawdownPct,
		"fills", len(out.Fills), "skipped", len(out.Skipped), "elapsed", time.Since(started))
	return res, nil
}

// FetchSeries returns the validated series for symbol over period, reading
// through the cache. A miss loads the bars from the archive and caches them;
// a failed cache write is logged and ignored.
func (r *Runner) FetchSeries(ctx context.Context, symbol string, period Period) (*series.Series, error) {
	if err := validateSymbol(symbol); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	key := CacheKey(symbol, period)

	if r.cache != nil {
		s, err := r.cache.Get(ctx, key)
		switch {
		case err == nil:
			r.log.Debug("cache hit", "key", key)
			return s, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, &Error{Stage: StageCache, Err: err}
		}
	}

	if r.archive == nil {
		return nil, &Error{Stage: StageData, Err: errors.New("no bar archive configured")}
	}
	bars, err := r.archive.ReadBars(ctx, symbol, r.opts.Market, period.Start, period.End)
	if err != nil {
		return nil, &Error{Stage: StageData, Err: err}
	}
	if len(bars) == 0 {
		return nil, &Error{Stage: StageData, Err: fmt.Errorf("no bars for %s in %s: %w", symbol, period, store.ErrNotFound)}
	}
	s, err := series.Load(bars)
	if err != nil {
		return nil, &Error{Stage: StageData, Err: err}
	}

	if r.cache != nil {
		if err := r.cache.Put(ctx, key, s); err != nil {
			r.log.Warn("cache write failed", "key", key, "error", err)
		} else {
			r.log.Info("series cached", "key", key, "bars", s.Len())
		}
	}
	return s, nil
}

// StoreResult persists rec under its ticker and period, retrying transient
// store failures.
func (r *Runner) StoreResult(ctx context.Context, rec *store.ResultRecord) error {
	if r.results == nil {
		return &Error{Stage: StageStore, Err: errors.New("no result store configured")}
	}
	if rec == nil || rec.Ticker == "" || len(rec.Results) == 0 {
		return invalid(StageStore, "ticker and results are required")
	}
	if _, err := ParsePeriod(rec.Period); err != nil {
		return &Error{Stage: StageStore, Err: err}
	}
	rec.Ticker = strings.ToUpper(rec.Ticker)
	err := util.Retry(ctx, storeAttempts, storeBaseDelay, func() error {
		return r.results.SaveResult(ctx, rec)
	})
	if err != nil {
		return &Error{Stage: StageStore, Err: err}
	}
	r.log.Info("result stored", "ticker", rec.Ticker, "period", rec.Period, "run_id", rec.RunID)
	return nil
}

// LoadResult returns the stored result for symbol and period. A missing
// result is not retried.
func (r *Runner) LoadResult(ctx context.Context, symbol, period string) (*store.ResultRecord, error) {
	if r.results == nil {
		return nil, &Error{Stage: StageStore, Err: errors.New("no result store configured")}
	}
	if symbol == "" || period == "" {
		return nil, invalid(StageStore, "ticker and period are required")
	}
	var rec *store.ResultRecord
	err := util.Retry(ctx, storeAttempts, storeBaseDelay, func() error {
		var err error
		rec, err = r.results.GetResult(ctx, strings.ToUpper(symbol), period)
		if errors.Is(err, store.ErrNotFound) {
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, &Error{Stage: StageStore, Err: err}
	}
	return rec, nil
}

// ListResults returns the most recent stored results.
func (r *Runner) ListResults(ctx context.Context, limit int) ([]store.ResultRecord, error) {
	if r.results == nil {
		return nil, &Error{Stage: StageStore, Err: errors.New("no result store configured")}
	}
	var recs []store.ResultRecord
	err := util.Retry(ctx, storeAttempts, storeBaseDelay, func() error {
		var err error
		recs, err = r.results.ListResults(ctx, limit)
		return err
	})
	if err != nil {
		return nil, &Error{Stage: StageStore, Err: err}
	}
	return recs, nil
}

func validateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return invalid(StageData, "invalid symbol %q", symbol)
	}
	return nil
}
