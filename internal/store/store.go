// Package store defines the storage collaborators of a backtest run: the bar
// archive, the prepared-series cache and the result store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"finera/internal/domain"
	"finera/internal/series"
)

// ErrNotFound is returned when a key, symbol or result does not exist.
var ErrNotFound = errors.New("store: not found")

// BarArchive persists and retrieves OHLCV bar data.
type BarArchive interface {
	// WriteBars persists a batch of bars under market, merging with what is
	// already stored.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// BarCache holds validated series under deterministic keys.
type BarCache interface {
	// Get returns the cached series or ErrNotFound.
	Get(ctx context.Context, key string) (*series.Series, error)

	// Put stores s under key, replacing any previous entry.
	Put(ctx context.Context, key string, s *series.Series) error
}

// ResultRecord is one stored backtest result. Results holds the encoded
// result document.
type ResultRecord struct {
	RunID     string
	Ticker    string
	Period    string
	Strategy  string
	Capital   float64
	Results   json.RawMessage
	CreatedAt time.Time
}

// ResultStore persists results keyed by (ticker, period).
type ResultStore interface {
	// SaveResult inserts or replaces the result for rec's ticker and period.
	SaveResult(ctx context.Context, rec *ResultRecord) error

	// GetResult returns the stored result or ErrNotFound.
	GetResult(ctx context.Context, ticker, period string) (*ResultRecord, error)

	// ListResults returns the most recent results, up to limit.
	ListResults(ctx context.Context, limit int) ([]ResultRecord, error)
}
