package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when FINERA_CONFIG is unset.
const DefaultPath = "config/finera.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for finera.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
	// AllowedOrigin is the single origin granted CORS access.
	AllowedOrigin string `yaml:"allowed_origin"`
	// RunsPerMinute throttles backtest requests. Zero disables the limit.
	RunsPerMinute int `yaml:"runs_per_minute"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BacktestConfig holds the defaults applied to every run.
type BacktestConfig struct {
	Market            string        `yaml:"market"`
	CommissionRate    float64       `yaml:"commission_rate"`
	PeriodsPerYear    int           `yaml:"periods_per_year"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	ScriptTimeout     time.Duration `yaml:"script_timeout"`
	MaxAllocs         int64         `yaml:"max_allocs"`
	MaxStringLen      int           `yaml:"max_string_len"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	MaxPositionPct    float64       `yaml:"max_position_pct"`
	LiquidateOnExit   bool          `yaml:"liquidate_on_exit"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/finera.db",
		},
		Server: Server{
			Host:          "0.0.0.0",
			Port:          8080,
			GRPCPort:      9090,
			AllowedOrigin: "http://localhost:3000",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Backtest: BacktestConfig{
			Market:            "us",
			CommissionRate:    0.002,
			PeriodsPerYear:    252,
			RunTimeout:        time.Minute,
			ScriptTimeout:     2 * time.Second,
			MaxAllocs:         5_000_000,
			MaxStringLen:      16 << 20,
			MaxConcurrentRuns: 4,
		},
	}
}

// Path returns the config file location from FINERA_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("FINERA_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of
// Default(), and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default() plus env
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	b := c.Backtest
	switch {
	case b.CommissionRate < 0 || b.CommissionRate >= 1:
		return fmt.Errorf("config: commission_rate %v outside [0, 1)", b.CommissionRate)
	case b.PeriodsPerYear <= 0:
		return fmt.Errorf("config: periods_per_year must be positive, got %d", b.PeriodsPerYear)
	case b.MaxConcurrentRuns <= 0:
		return fmt.Errorf("config: max_concurrent_runs must be positive, got %d", b.MaxConcurrentRuns)
	case b.MaxPositionPct < 0 || b.MaxPositionPct > 1:
		return fmt.Errorf("config: max_position_pct %v outside [0, 1]", b.MaxPositionPct)
	case b.RunTimeout < 0 || b.ScriptTimeout < 0:
		return errors.New("config: timeouts must not be negative")
	case b.MaxStringLen < 0:
		return fmt.Errorf("config: max_string_len must not be negative, got %d", b.MaxStringLen)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("FINERA_ALLOWED_ORIGIN"); v != "" {
		cfg.Server.AllowedOrigin = v
	}

	if v := os.Getenv("FINERA_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FINERA_HTTP_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("FINERA_COMMISSION_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FINERA_COMMISSION_RATE: %w", err)
		}
		cfg.Backtest.CommissionRate = rate
	}

	if v := os.Getenv("FINERA_RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FINERA_RUN_TIMEOUT: %w", err)
		}
		cfg.Backtest.RunTimeout = d
	}
	return nil
}
