package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"finera/internal/app"
	"finera/internal/backtest"
	"finera/internal/config"
	"finera/internal/series"
	"finera/internal/strategy"
	"finera/internal/util"
	"finera/pkg/finera"
)

func openLocal(c *cli.Context) (*app.App, error) {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	logger := util.NewLoggerTo(c.App.ErrWriter, cfg.Logging.Level, "text")
	return app.New(cfg, logger)
}

func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	parent := c.Context
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runCommand(c *cli.Context) error {
	src, err := strategySource(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if server := c.String("server"); server != "" {
		return runRemote(c, finera.NewClient(server), src)
	}

	a, err := openLocal(c)
	if err != nil {
		return err
	}
	defer a.Close()

	req := backtest.Request{
		Symbol:         strings.ToUpper(c.String("symbol")),
		Strategy:       src,
		InitialCapital: c.Float64("capital"),
		Timeout:        c.Duration("timeout"),
	}
	if c.IsSet("commission") {
		rate := c.Float64("commission")
		req.CommissionRate = &rate
	}
	if p := c.String("period"); p != "" {
		if req.Period, err = backtest.ParsePeriod(p); err != nil {
			return cli.Exit(err.Error(), 2)
		}
	}

	switch {
	case c.String("data") != "":
		s, err := readCSVFile(c.String("data"), req.Symbol)
		if err != nil {
			return err
		}
		if !req.Period.IsZero() {
			if s, err = series.Slice(s, req.Period.Start, req.Period.End); err != nil {
				return err
			}
		}
		req.Series = s
		req.Symbol = s.Symbol()
	case req.Symbol == "" || req.Period.IsZero():
		return cli.Exit("run needs --data, or --symbol with --period", 2)
	}

	var bar *progressbar.ProgressBar
	if !c.Bool("quiet") {
		req.Progress = func(done, total int) {
			if bar == nil {
				bar = newProgressBar(c.App.ErrWriter, total)
			}
			_ = bar.Set(done)
		}
	}

	ctx, cancel := commandContext(c)
	defer cancel()
	res, err := a.Runner.RunBacktest(ctx, req)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(c.App.ErrWriter)
	}
	if err != nil {
		return err
	}

	if c.Bool("store") {
		if res.Period == "" {
			res.Period = seriesPeriod(req.Series).String()
		}
		rec, err := res.Record()
		if err != nil {
			return err
		}
		if err := a.Runner.StoreResult(ctx, rec); err != nil {
			return err
		}
		fmt.Fprintf(c.App.ErrWriter, "stored %s %s\n", rec.Ticker, rec.Period)
	}

	printSummary(c.App.ErrWriter, res)
	return writeOutput(c, res)
}

func runRemote(c *cli.Context, client *finera.Client, src strategy.Source) error {
	symbol, period := c.String("symbol"), c.String("period")
	if c.String("data") != "" || symbol == "" || period == "" {
		return cli.Exit("remote runs need --symbol and --period; import CSV files on the server", 2)
	}
	req := finera.RunRequest{
		Ticker:   strings.ToUpper(symbol),
		Period:   period,
		Capital:  c.Float64("capital"),
		Code:     src.Code,
		Strategy: src.Name,
		Params:   src.Params,
	}
	if c.IsSet("commission") {
		rate := c.Float64("commission")
		req.CommissionRate = &rate
	}

	ctx, cancel := commandContext(c)
	defer cancel()
	res, err := client.RunBacktest(ctx, req)
	if err != nil {
		return err
	}
	if c.Bool("store") {
		if err := client.StoreResults(ctx, req.Ticker, period, req.Capital, res); err != nil {
			return err
		}
		fmt.Fprintf(c.App.ErrWriter, "stored %s %s\n", req.Ticker, period)
	}
	return writeOutput(c, res)
}

func importCommand(c *cli.Context) error {
	a, err := openLocal(c)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := readCSVFile(c.String("file"), strings.ToUpper(c.String("symbol")))
	if err != nil {
		return err
	}
	market := c.String("market")
	if market == "" {
		market = a.Config.Backtest.Market
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	if err := a.Bars.WriteBars(ctx, market, s.Bars()); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "imported %d bars for %s (%s)\n", s.Len(), s.Symbol(), seriesPeriod(s))
	return nil
}

func symbolsCommand(c *cli.Context) error {
	a, err := openLocal(c)
	if err != nil {
		return err
	}
	defer a.Close()

	market := c.String("market")
	if market == "" {
		market = a.Config.Backtest.Market
	}
	symbols, err := a.Bars.ListSymbols(c.Context, market)
	if err != nil {
		return err
	}
	for _, s := range symbols {
		fmt.Fprintln(c.App.Writer, s)
	}
	return nil
}

func strategiesCommand(c *cli.Context) error {
	var names []string
	if server := c.String("server"); server != "" {
		var err error
		if names, err = finera.NewClient(server).Strategies(c.Context); err != nil {
			return err
		}
	} else {
		a, err := openLocal(c)
		if err != nil {
			return err
		}
		defer a.Close()
		names = a.Runner.Strategies()
	}
	for _, n := range names {
		fmt.Fprintln(c.App.Writer, n)
	}
	return nil
}

func showCommand(c *cli.Context) error {
	symbol, period := strings.ToUpper(c.String("symbol")), c.String("period")
	if (symbol == "") != (period == "") {
		return cli.Exit("show needs both --symbol and --period, or neither", 2)
	}

	if server := c.String("server"); server != "" {
		client := finera.NewClient(server)
		if symbol != "" {
			rec, err := client.DisplayResults(c.Context, symbol, period)
			if errors.Is(err, finera.ErrNotFound) {
				return cli.Exit(fmt.Sprintf("no result stored for %s %s", symbol, period), 1)
			}
			if err != nil {
				return err
			}
			return writeOutput(c, rec)
		}
		recs, err := client.ListResults(c.Context, c.Int("limit"))
		if err != nil {
			return err
		}
		printResults(c.App.Writer, remoteRows(recs))
		return nil
	}

	a, err := openLocal(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if symbol != "" {
		rec, err := a.Runner.LoadResult(c.Context, symbol, period)
		if err != nil {
			return err
		}
		return writeOutput(c, rec.Results)
	}
	recs, err := a.Runner.ListResults(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	printResults(c.App.Writer, storedRows(recs))
	return nil
}

// strategySource builds the strategy selection from --script, --strategy and
// --param.
func strategySource(c *cli.Context) (strategy.Source, error) {
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return strategy.Source{}, err
	}
	src := strategy.Source{Name: c.String("strategy"), Params: params}
	if path := c.String("script"); path != "" {
		code, err := os.ReadFile(path)
		if err != nil {
			return strategy.Source{}, err
		}
		src.Code = string(code)
	}
	if src.Code == "" && src.Name == "" {
		return strategy.Source{}, errors.New("one of --script or --strategy is required")
	}
	return src, nil
}

func parseParams(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("param %q is not name=value", p)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("param %s: %q is not a number", name, value)
		}
		params[name] = v
	}
	return params, nil
}

// readCSVFile reads an OHLCV file. An empty symbol is taken from the file
// name.
func readCSVFile(path, symbol string) (*series.Series, error) {
	if symbol == "" {
		symbol = strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return series.ReadCSV(f, symbol)
}

func seriesPeriod(s *series.Series) backtest.Period {
	return backtest.Period{Start: s.First().Timestamp, End: s.Last().Timestamp}
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("Backtesting"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

func writeOutput(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path := c.String("output"); path != "" {
		return os.WriteFile(path, data, 0o644)
	}
	_, err = c.App.Writer.Write(data)
	return err
}
