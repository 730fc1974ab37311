// Package series provides the immutable, validated bar dataset a backtest
// runs over, plus the read-only windows handed to strategies.
package series

import (
	"fmt"
	"math"
	"time"

	"finera/internal/domain"
)

// MalformedDataError reports bad input bars. Row is the zero-based index of
// the offending bar (or CSV data row), -1 when the problem is not tied to a
// row.
type MalformedDataError struct {
	Row    int
	Field  string
	Reason string
}

func (e *MalformedDataError) Error() string {
	switch {
	case e.Row >= 0 && e.Field != "":
		return fmt.Sprintf("malformed data: row %d: %s: %s", e.Row, e.Field, e.Reason)
	case e.Row >= 0:
		return fmt.Sprintf("malformed data: row %d: %s", e.Row, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("malformed data: %s: %s", e.Field, e.Reason)
	default:
		return "malformed data: " + e.Reason
	}
}

// Series is an ordered, immutable sequence of bars with strictly increasing
// timestamps.
type Series struct {
	symbol string
	bars   []domain.Bar
}

// Load validates bars and returns a Series owning a private copy of them.
func Load(bars []domain.Bar) (*Series, error) {
	if len(bars) == 0 {
		return nil, &MalformedDataError{Row: -1, Reason: "no bars"}
	}

	owned := make([]domain.Bar, len(bars))
	copy(owned, bars)

	for i, b := range owned {
		if err := validateBar(i, b); err != nil {
			return nil, err
		}
		if i > 0 && !b.Timestamp.After(owned[i-1].Timestamp) {
			reason := "timestamp out of order"
			if b.Timestamp.Equal(owned[i-1].Timestamp) {
				reason = "duplicate timestamp"
			}
			return nil, &MalformedDataError{Row: i, Field: "timestamp", Reason: reason}
		}
	}

	return &Series{symbol: owned[0].Symbol, bars: owned}, nil
}

func validateBar(i int, b domain.Bar) error {
	if b.Timestamp.IsZero() {
		return &MalformedDataError{Row: i, Field: "timestamp", Reason: "missing"}
	}
	fields := [...]struct {
		name string
		v    float64
	}{
		{"open", b.Open},
		{"high", b.High},
		{"low", b.Low},
		{"close", b.Close},
		{"volume", b.Volume},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &MalformedDataError{Row: i, Field: f.name, Reason: "not finite"}
		}
		if f.v < 0 {
			return &MalformedDataError{Row: i, Field: f.name, Reason: "negative"}
		}
	}
	return nil
}

// Slice returns the contiguous sub-range of s whose timestamps fall within
// [start, end]. A zero start or end leaves that side unbounded.
func Slice(s *Series, start, end time.Time) (*Series, error) {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, &MalformedDataError{Row: -1, Reason: fmt.Sprintf("end %s before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))}
	}

	lo, hi := 0, len(s.bars)
	if !start.IsZero() {
		for lo < len(s.bars) && s.bars[lo].Timestamp.Before(start) {
			lo++
		}
	}
	if !end.IsZero() {
		for hi > lo && s.bars[hi-1].Timestamp.After(end) {
			hi--
		}
	}
	if lo >= hi {
		return nil, &MalformedDataError{Row: -1, Reason: "no bars in requested range"}
	}

	return &Series{symbol: s.symbol, bars: s.bars[lo:hi:hi]}, nil
}

// Symbol returns the instrument identifier of the first bar.
func (s *Series) Symbol() string { return s.symbol }

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// At returns the bar at index i.
func (s *Series) At(i int) domain.Bar { return s.bars[i] }

// First returns the first bar.
func (s *Series) First() domain.Bar { return s.bars[0] }

// Last returns the last bar.
func (s *Series) Last() domain.Bar { return s.bars[len(s.bars)-1] }

// Bars returns a copy of all bars.
func (s *Series) Bars() []domain.Bar {
	out := make([]domain.Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Closes returns the close prices in order.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.bars))
	for i := range s.bars {
		out[i] = s.bars[i].Close
	}
	return out
}

// Timestamps returns the bar timestamps in order.
func (s *Series) Timestamps() []time.Time {
	out := make([]time.Time, len(s.bars))
	for i := range s.bars {
		out[i] = s.bars[i].Timestamp
	}
	return out
}

// Window returns the read-only view of bars 0..i inclusive.
func (s *Series) Window(i int) Window {
	if i < 0 {
		i = 0
	}
	if i >= len(s.bars) {
		i = len(s.bars) - 1
	}
	return Window{bars: s.bars[: i+1 : i+1]}
}

// Window is a read-only prefix of a Series. It never exposes bars after the
// current index.
type Window struct {
	bars []domain.Bar
}

// Len returns the number of visible bars.
func (w Window) Len() int { return len(w.bars) }

// At returns visible bar i. Negative indexes count back from the current
// bar (-1 is the current bar).
func (w Window) At(i int) domain.Bar {
	if i < 0 {
		i += len(w.bars)
	}
	return w.bars[i]
}

// Current returns the most recent visible bar.
func (w Window) Current() domain.Bar { return w.bars[len(w.bars)-1] }

// Column returns a copy of one OHLCV column over the visible bars. Accepted
// names are open, high, low, close and volume.
func (w Window) Column(name string) ([]float64, bool) {
	var pick func(domain.Bar) float64
	switch name {
	case "open":
		pick = func(b domain.Bar) float64 { return b.Open }
	case "high":
		pick = func(b domain.Bar) float64 { return b.High }
	case "low":
		pick = func(b domain.Bar) float64 { return b.Low }
	case "close":
		pick = func(b domain.Bar) float64 { return b.Close }
	case "volume":
		pick = func(b domain.Bar) float64 { return b.Volume }
	default:
		return nil, false
	}
	out := make([]float64, len(w.bars))
	for i := range w.bars {
		out[i] = pick(w.bars[i])
	}
	return out, true
}

// Closes returns a copy of the visible close prices.
func (w Window) Closes() []float64 {
	out, _ := w.Column("close")
	return out
}
