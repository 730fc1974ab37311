// Package finera is a Go client for the finera-server HTTP API.
package finera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is matched by errors.Is for 404 replies.
var ErrNotFound = errors.New("finera: not found")

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
	Stage      string
}

func (e *APIError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("finera: %d %s (stage %s)", e.StatusCode, e.Message, e.Stage)
	}
	return fmt.Sprintf("finera: %d %s", e.StatusCode, e.Message)
}

// Is reports 404 replies as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client provides a Go SDK for interacting with the finera-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new finera API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// FetchResult reports a prepared series.
type FetchResult struct {
	Ticker   string `json:"ticker"`
	Period   string `json:"period"`
	CacheKey string `json:"cache_key"`
	Bars     int    `json:"bars"`
}

// RunRequest describes a backtest. Set Code for a script or Strategy for a
// built-in.
type RunRequest struct {
	Ticker         string             `json:"ticker"`
	Period         string             `json:"period"`
	Capital        float64            `json:"capital"`
	Code           string             `json:"strategy_code,omitempty"`
	Strategy       string             `json:"strategy,omitempty"`
	Params         map[string]float64 `json:"params,omitempty"`
	CommissionRate *float64           `json:"commission_rate,omitempty"`
}

// Results is the result document of a run.
type Results struct {
	Returns        float64         `json:"returns"`
	Beta           json.RawMessage `json:"beta"`
	Sharpe         float64         `json:"sharpe"`
	Drawdown       float64         `json:"drawdown"`
	PortfolioValue []float64       `json:"portfolioValue"`
	Benchmark      []float64       `json:"benchmark"`
	Timestamps     []time.Time     `json:"timestamps"`
	RunID          string          `json:"runId"`
	Strategy       string          `json:"strategy"`
}

// BetaValue returns beta and whether it was available.
func (r *Results) BetaValue() (float64, bool) {
	var v float64
	if err := json.Unmarshal(r.Beta, &v); err != nil {
		return 0, false
	}
	return v, true
}

// StoredResult is a result kept by the server.
type StoredResult struct {
	Ticker    string          `json:"Ticker"`
	Period    string          `json:"Period"`
	Capital   float64         `json:"Capital"`
	Strategy  string          `json:"Strategy"`
	RunID     string          `json:"RunID"`
	CreatedAt time.Time       `json:"CreatedAt"`
	Results   json.RawMessage `json:"Results"`
}

// FetchData asks the server to load and cache the series for ticker over
// period ("2024-01-01:2024-06-30").
func (c *Client) FetchData(ctx context.Context, ticker, period string) (*FetchResult, error) {
	var out FetchResult
	err := c.post(ctx, "/api/fetch_data", map[string]string{"ticker": ticker, "period": period}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RunBacktest runs a backtest and returns its results.
func (c *Client) RunBacktest(ctx context.Context, req RunRequest) (*Results, error) {
	var out struct {
		Results *Results `json:"results"`
	}
	if err := c.post(ctx, "/api/run_backtest", req, &out); err != nil {
		return nil, err
	}
	if out.Results == nil {
		return nil, errors.New("finera: response carries no results")
	}
	return out.Results, nil
}

// StoreResults saves results under ticker and period.
func (c *Client) StoreResults(ctx context.Context, ticker, period string, capital float64, results any) error {
	body := map[string]any{"ticker": ticker, "period": period, "capital": capital, "results": results}
	return c.post(ctx, "/api/store_results", body, nil)
}

// DisplayResults returns the stored result for ticker and period.
func (c *Client) DisplayResults(ctx context.Context, ticker, period string) (*StoredResult, error) {
	var out StoredResult
	if err := c.post(ctx, "/api/display_results", map[string]string{"ticker": ticker, "period": period}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListResults returns up to limit of the most recently stored results.
func (c *Client) ListResults(ctx context.Context, limit int) ([]StoredResult, error) {
	var out struct {
		Results []StoredResult `json:"results"`
	}
	path := "/api/results?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Strategies lists the server's built-in strategies.
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	var out struct {
		Strategies []string `json:"strategies"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/strategies", nil, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("finera: encoding request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finera: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error string `json:"error"`
			Stage string `json:"stage"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Stage = e.Error, e.Stage
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("finera: decoding %s response: %w", path, err)
	}
	return nil
}
