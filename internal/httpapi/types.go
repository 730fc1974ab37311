// Package httpapi serves the backtest JSON API: fetching and caching bar
// series, running backtests, and storing and displaying results.
package httpapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"finera/internal/backtest"
)

// Amount is a float that also accepts a numeric JSON string, as sent by
// form-driven front ends.
type Amount float64

// UnmarshalJSON accepts 1000, 1000.5 or "1000".
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*a = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("amount %s is not a number", b)
	}
	*a = Amount(v)
	return nil
}

// FetchDataRequest asks for a series to be loaded and cached.
type FetchDataRequest struct {
	Ticker string `json:"ticker"`
	Period string `json:"period"`
}

// FetchDataResponse reports the cache key of the prepared series.
type FetchDataResponse struct {
	Message  string `json:"message"`
	Ticker   string `json:"ticker"`
	Period   string `json:"period"`
	CacheKey string `json:"cache_key"`
	Bars     int    `json:"bars"`
}

// RunBacktestRequest runs StrategyCode, or the built-in Strategy when no
// code is given, over the cached series for Ticker and Period.
type RunBacktestRequest struct {
	Ticker         string             `json:"ticker"`
	Period         string             `json:"period"`
	CacheKey       string             `json:"cache_key,omitempty"`
	Capital        Amount             `json:"capital"`
	StrategyCode   string             `json:"strategy_code,omitempty"`
	Strategy       string             `json:"strategy,omitempty"`
	Params         map[string]float64 `json:"params,omitempty"`
	CommissionRate *float64           `json:"commission_rate,omitempty"`
}

// RunBacktestResponse wraps the result document.
type RunBacktestResponse struct {
	Message string           `json:"message"`
	Results *backtest.Result `json:"results"`
	Ticker  string           `json:"ticker"`
	Period  string           `json:"period"`
	Capital float64          `json:"capital"`
}

// StoreResultsRequest saves a result document under Ticker and Period.
type StoreResultsRequest struct {
	Ticker   string          `json:"ticker"`
	Period   string          `json:"period"`
	Capital  Amount          `json:"capital"`
	Strategy string          `json:"strategy,omitempty"`
	Results  json.RawMessage `json:"results"`
}

// DisplayResultsRequest looks up a stored result.
type DisplayResultsRequest struct {
	Ticker string `json:"ticker"`
	Period string `json:"period"`
}

// StoredResult is a stored result as returned to clients.
type StoredResult struct {
	Ticker    string          `json:"Ticker"`
	Period    string          `json:"Period"`
	StartDate string          `json:"StartDate"`
	EndDate   string          `json:"EndDate"`
	Capital   float64         `json:"Capital"`
	Strategy  string          `json:"Strategy,omitempty"`
	RunID     string          `json:"RunID"`
	CreatedAt time.Time       `json:"CreatedAt"`
	Results   json.RawMessage `json:"Results"`
}

// ResultsResponse lists recent stored results.
type ResultsResponse struct {
	Results []StoredResult `json:"results"`
}

// StrategiesResponse lists the built-in strategy names.
type StrategiesResponse struct {
	Strategies []string `json:"strategies"`
}

// MessageResponse is a bare acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// StreamEvent is one WebSocket message of a streamed run.
type StreamEvent struct {
	Type    string           `json:"type"` // progress, result or error
	Done    int              `json:"done,omitempty"`
	Total   int              `json:"total,omitempty"`
	Results *backtest.Result `json:"results,omitempty"`
	Error   string           `json:"error,omitempty"`
	Stage   string           `json:"stage,omitempty"`
}
