package series

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"finera/internal/domain"
)

// Timestamp layouts accepted in the date column, tried in order.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

var requiredColumns = []string{"open", "high", "low", "close", "volume"}

// ReadCSV parses a CSV table of bars. The header row names the columns
// (case-insensitive); the date column is the one called date, datetime,
// timestamp or time, or the first column when it is unnamed or called
// "price" (the pandas multi-row header written by yfinance). Metadata rows
// that follow such a header ("Ticker,...", "Date,,,") are skipped.
func ReadCSV(r io.Reader, symbol string) (*Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &MalformedDataError{Row: -1, Reason: "empty input"}
		}
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &MalformedDataError{Row: row, Reason: err.Error()}
		}
		if len(bars) == 0 && isMetaRow(rec) {
			continue
		}

		b, err := parseRow(row, rec, cols)
		if err != nil {
			return nil, err
		}
		b.Symbol = symbol
		bars = append(bars, b)
	}

	return Load(bars)
}

type columns struct {
	date   int
	fields map[string]int
}

func columnIndex(header []string) (columns, error) {
	c := columns{date: -1, fields: make(map[string]int)}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		switch name {
		case "date", "datetime", "timestamp", "time":
			c.date = i
		case "open", "high", "low", "close", "volume":
			if _, dup := c.fields[name]; !dup {
				c.fields[name] = i
			}
		}
	}
	if c.date < 0 && len(header) > 0 {
		first := strings.ToLower(strings.TrimSpace(header[0]))
		if first == "" || first == "price" {
			c.date = 0
		}
	}
	if c.date < 0 {
		return c, &MalformedDataError{Row: -1, Field: "date", Reason: "required column missing"}
	}
	for _, name := range requiredColumns {
		if _, ok := c.fields[name]; !ok {
			return c, &MalformedDataError{Row: -1, Field: name, Reason: "required column missing"}
		}
	}
	return c, nil
}

func isMetaRow(rec []string) bool {
	if len(rec) == 0 {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(rec[0])) {
	case "ticker", "date", "datetime":
		return true
	}
	return false
}

func parseRow(row int, rec []string, cols columns) (domain.Bar, error) {
	var b domain.Bar

	cell := func(idx int) (string, bool) {
		if idx >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[idx]), true
	}

	raw, ok := cell(cols.date)
	if !ok || raw == "" {
		return b, &MalformedDataError{Row: row, Field: "date", Reason: "missing"}
	}
	ts, err := parseTime(raw)
	if err != nil {
		return b, &MalformedDataError{Row: row, Field: "date", Reason: err.Error()}
	}
	b.Timestamp = ts

	vals := make(map[string]float64, len(requiredColumns))
	for _, name := range requiredColumns {
		raw, ok := cell(cols.fields[name])
		if !ok || raw == "" {
			return b, &MalformedDataError{Row: row, Field: name, Reason: "missing"}
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return b, &MalformedDataError{Row: row, Field: name, Reason: "not a number"}
		}
		vals[name] = v
	}
	b.Open = vals["open"]
	b.High = vals["high"]
	b.Low = vals["low"]
	b.Close = vals["close"]
	b.Volume = vals["volume"]
	return b, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// WriteCSV writes s in the Date,Open,High,Low,Close,Volume layout accepted by
// ReadCSV.
func WriteCSV(w io.Writer, s *Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Date", "Open", "High", "Low", "Close", "Volume"}); err != nil {
		return err
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, b := range s.bars {
		rec := []string{
			b.Timestamp.Format(time.RFC3339),
			format(b.Open),
			format(b.High),
			format(b.Low),
			format(b.Close),
			format(b.Volume),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
