package backtest

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the date format of periods and cache keys.
const DateLayout = "2006-01-02"

// Period is an inclusive date range written "start:end".
type Period struct {
	Start time.Time
	End   time.Time
}

// ParsePeriod parses "2024-01-01:2024-06-30".
func ParsePeriod(s string) (Period, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Period{}, fmt.Errorf("%w: period %q is not start:end", ErrInvalidRequest, s)
	}
	start, err := time.Parse(DateLayout, startStr)
	if err != nil {
		return Period{}, fmt.Errorf("%w: period start: %v", ErrInvalidRequest, err)
	}
	end, err := time.Parse(DateLayout, endStr)
	if err != nil {
		return Period{}, fmt.Errorf("%w: period end: %v", ErrInvalidRequest, err)
	}
	if end.Before(start) {
		return Period{}, fmt.Errorf("%w: period %q ends before it starts", ErrInvalidRequest, s)
	}
	return Period{Start: start, End: end}, nil
}

// String formats p as "start:end".
func (p Period) String() string {
	return p.Start.Format(DateLayout) + ":" + p.End.Format(DateLayout)
}

// IsZero reports whether p was never set.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// CacheKey returns the deterministic cache key SYMBOL_start_end.
func CacheKey(symbol string, p Period) string {
	return strings.ToUpper(symbol) + "_" + p.Start.Format(DateLayout) + "_" + p.End.Format(DateLayout)
}
