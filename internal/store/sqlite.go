package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ResultStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS backtest_results (
	run_id     TEXT    NOT NULL,
	ticker     TEXT    NOT NULL,
	period     TEXT    NOT NULL,
	strategy   TEXT    NOT NULL DEFAULT '',
	capital    REAL    NOT NULL DEFAULT 0,
	results    TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (ticker, period)
);
CREATE INDEX IF NOT EXISTS idx_backtest_results_created ON backtest_results (created_at DESC);
`

// SQLiteStore implements ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// results table and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveResult upserts rec. An empty RunID is assigned a new UUID and a zero
// CreatedAt is set to now; both are written back to rec.
func (s *SQLiteStore) SaveResult(ctx context.Context, rec *ResultRecord) error {
	if rec.Ticker == "" || rec.Period == "" {
		return errors.New("SaveResult: ticker and period are required")
	}
	if rec.RunID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating run id: %w", err)
		}
		rec.RunID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_results (run_id, ticker, period, strategy, capital, results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, period) DO UPDATE SET
			run_id = excluded.run_id,
			strategy = excluded.strategy,
			capital = excluded.capital,
			results = excluded.results,
			created_at = excluded.created_at`,
		rec.RunID, rec.Ticker, rec.Period, rec.Strategy, rec.Capital, string(rec.Results), rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving result %s/%s: %w", rec.Ticker, rec.Period, err)
	}
	return nil
}

// GetResult retrieves the result stored for ticker and period.
func (s *SQLiteStore) GetResult(ctx context.Context, ticker, period string) (*ResultRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, ticker, period, strategy, capital, results, created_at
		FROM backtest_results WHERE ticker = ? AND period = ?`, ticker, period)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s/%s: %w", ticker, period, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListResults returns the most recent results, up to limit.
func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]ResultRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, ticker, period, strategy, capital, results, created_at
		FROM backtest_results ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*ResultRecord, error) {
	var (
		rec     ResultRecord
		results string
		created int64
	)
	if err := sc.Scan(&rec.RunID, &rec.Ticker, &rec.Period, &rec.Strategy, &rec.Capital, &results, &created); err != nil {
		return nil, err
	}
	rec.Results = []byte(results)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return &rec, nil
}
