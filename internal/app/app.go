// Package app wires the stores, strategy loader and backtest runner from a
// Config. Both binaries build their runtime through it.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"finera/internal/backtest"
	"finera/internal/config"
	"finera/internal/store"
	"finera/internal/strategy"
	"finera/internal/strategy/builtins"
	"finera/internal/strategy/script"
)

// App holds the long-lived collaborators of a process.
type App struct {
	Config  *config.Config
	Bars    *store.ParquetStore
	Results *store.SQLiteStore
	Runner  *backtest.Runner
	Log     *slog.Logger
}

// New opens the stores under cfg.Storage and builds a Runner.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	results, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening result store: %w", err)
	}

	reg := strategy.NewRegistry()
	builtins.Register(reg)
	compiler := script.NewCompiler(script.Options{
		Timeout:      cfg.Backtest.ScriptTimeout,
		MaxAllocs:    cfg.Backtest.MaxAllocs,
		MaxStringLen: cfg.Backtest.MaxStringLen,
	})

	runner, err := backtest.NewRunner(backtest.Deps{
		Cache:   bars,
		Archive: bars,
		Results: results,
		Loader:  strategy.NewLoader(reg, compiler),
		Logger:  log,
	}, backtest.OptionsFromConfig(cfg.Backtest))
	if err != nil {
		results.Close()
		return nil, err
	}

	return &App{
		Config:  cfg,
		Bars:    bars,
		Results: results,
		Runner:  runner,
		Log:     log,
	}, nil
}

// Close releases the result store.
func (a *App) Close() error {
	if a.Results == nil {
		return nil
	}
	return a.Results.Close()
}

// ErrNoConfig is returned by LoadConfig when required is set and no file
// exists.
var ErrNoConfig = errors.New("config file not found")

// LoadConfig reads the config at config.Path(). When required is false a
// missing file falls back to defaults plus environment overrides.
func LoadConfig(required bool) (*config.Config, error) {
	path := config.Path()
	if !required {
		return config.LoadOrDefault(path)
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoConfig, path)
	}
	return cfg, err
}
