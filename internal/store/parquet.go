package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"finera/internal/domain"
	"finera/internal/series"
)

// Compile-time interface checks.
var _ BarArchive = (*ParquetStore)(nil)
var _ BarCache = (*ParquetStore)(nil)

// ParquetStore implements BarArchive and BarCache using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

func toRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.UnixMilli(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Symbol:    r.Symbol,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

// ---------------------------------------------------------------------------
// BarArchive implementation
// ---------------------------------------------------------------------------

// WriteBars merges bars into the per-symbol, per-year files at
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//
// A bar whose timestamp is already archived replaces the stored one.
func (s *ParquetStore) WriteBars(ctx context.Context, market string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if market == "" {
		return errors.New("WriteBars: market is required")
	}

	type partition struct {
		symbol string
		year   int
	}
	parts := make(map[partition][]BarRecord)
	for _, b := range bars {
		if b.Symbol == "" {
			return fmt.Errorf("WriteBars: bar at %s has no symbol", b.Timestamp.Format(time.DateOnly))
		}
		b.Symbol = strings.ToUpper(b.Symbol)
		p := partition{symbol: b.Symbol, year: b.Timestamp.UTC().Year()}
		parts[p] = append(parts[p], toRecord(b))
	}

	for p, incoming := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.barPath(p.symbol, market, p.year)
		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading archived bars %s/%d: %w", p.symbol, p.year, err)
		}
		if err := writeParquetFile(path, mergeBarRecords(existing, incoming)); err != nil {
			return fmt.Errorf("archiving bars %s/%d: %w", p.symbol, p.year, err)
		}
	}
	return nil
}

// ReadBars returns the archived bars of symbol within [start, end] in
// timestamp order. A symbol that was never archived is ErrNotFound; a range
// without bars is an empty slice.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	if start.IsZero() || end.IsZero() {
		return nil, errors.New("ReadBars: start and end are required")
	}
	symbol = strings.ToUpper(symbol)
	if _, err := os.Stat(filepath.Join(s.DataDir, market, "daily", symbol)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("symbol %s in market %s: %w", symbol, market, ErrNotFound)
		}
		return nil, err
	}

	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := readParquetFile[BarRecord](s.barPath(symbol, market, year))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading archived bars %s/%d: %w", symbol, year, err)
		}
		for _, r := range records {
			b := r.bar()
			if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
				bars = append(bars, b)
			}
		}
	}
	return bars, nil
}

// ListSymbols lists the archived symbols of market in sorted order.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, market, "daily"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	slices.Sort(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// BarCache implementation
// ---------------------------------------------------------------------------

// Get reads the series cached under key.
func (s *ParquetStore) Get(_ context.Context, key string) (*series.Series, error) {
	path, err := s.cachePath(key)
	if err != nil {
		return nil, err
	}
	records, err := readParquetFile[BarRecord](path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cache key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache %q: %w", key, err)
	}
	bars := make([]domain.Bar, len(records))
	for i, r := range records {
		bars[i] = r.bar()
	}
	return series.Load(bars)
}

// Put writes s under key.
func (s *ParquetStore) Put(_ context.Context, key string, data *series.Series) error {
	path, err := s.cachePath(key)
	if err != nil {
		return err
	}
	bars := data.Bars()
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = toRecord(b)
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing cache %q: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath is <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet.
func (s *ParquetStore) barPath(symbol, market string, year int) string {
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

// cachePath is <dataDir>/cache/<key>.parquet.
func (s *ParquetStore) cachePath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.DataDir, "cache", key+".parquet"), nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile replaces path through a temporary file, so readers never
// see a partially written file.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := parquet.Write(tmp, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords combines the bars of one partition, keeping the incoming
// record when both sides hold the same timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	byTime := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		byTime[r.Timestamp] = r
	}
	for _, r := range incoming {
		byTime[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(byTime))
	for _, r := range byTime {
		merged = append(merged, r)
	}
	slices.SortFunc(merged, func(a, b BarRecord) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	return merged
}
