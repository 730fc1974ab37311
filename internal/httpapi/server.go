package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"finera/internal/backtest"
	"finera/internal/series"
	"finera/internal/store"
	"finera/internal/strategy"
	"finera/internal/util"
)

const maxBodyBytes = 1 << 20

// Backtester is the orchestrator the HTTP handlers drive.
type Backtester interface {
	RunBacktest(ctx context.Context, req backtest.Request) (*backtest.Result, error)
	FetchSeries(ctx context.Context, symbol string, period backtest.Period) (*series.Series, error)
	StoreResult(ctx context.Context, rec *store.ResultRecord) error
	LoadResult(ctx context.Context, symbol, period string) (*store.ResultRecord, error)
	ListResults(ctx context.Context, limit int) ([]store.ResultRecord, error)
	Strategies() []string
}

// Compile-time interface check.
var _ Backtester = (*backtest.Runner)(nil)

// Options configures a Server.
type Options struct {
	// AllowedOrigin is granted CORS access with credentials. Empty denies
	// all cross-origin requests.
	AllowedOrigin string
	// RunsPerMinute limits run requests. Zero disables the limit.
	RunsPerMinute int
	Logger        *slog.Logger
}

// Server serves the backtest HTTP API.
type Server struct {
	runner   Backtester
	origin   string
	limiter  *util.RateLimiter
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer creates a Server around runner.
func NewServer(runner Backtester, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		runner: runner,
		origin: opts.AllowedOrigin,
		log:    log.With("component", "httpapi"),
	}
	if opts.RunsPerMinute > 0 {
		s.limiter = util.NewRateLimiter(opts.RunsPerMinute, opts.RunsPerMinute)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/fetch_data", s.handleFetchData)
	mux.HandleFunc("POST /api/run_backtest", s.handleRunBacktest)
	mux.HandleFunc("POST /api/store_results", s.handleStoreResults)
	mux.HandleFunc("POST /api/display_results", s.handleDisplayResults)
	mux.HandleFunc("GET /api/results", s.handleListResults)
	mux.HandleFunc("GET /api/strategies", s.handleStrategies)
	mux.HandleFunc("GET /api/ws/run_backtest", s.handleStreamBacktest)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.corsMiddleware(mux)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || (s.origin != "" && origin == s.origin)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && origin == s.origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleFetchData(w http.ResponseWriter, r *http.Request) {
	var req FetchDataRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Ticker == "" || req.Period == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}
	period, err := backtest.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := s.runner.FetchSeries(r.Context(), req.Ticker, period)
	if err != nil {
		s.fail(w, "fetching data", err)
		return
	}
	writeJSON(w, FetchDataResponse{
		Message:  "Data fetched and cached",
		Ticker:   req.Ticker,
		Period:   req.Period,
		CacheKey: backtest.CacheKey(req.Ticker, period),
		Bars:     data.Len(),
	})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "Too many backtest requests")
		return
	}
	var req RunBacktestRequest
	if !s.decode(w, r, &req) {
		return
	}
	btReq, err := toRunRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.runner.RunBacktest(r.Context(), btReq)
	if err != nil {
		s.fail(w, "running backtest", err)
		return
	}
	writeJSON(w, RunBacktestResponse{
		Message: "Backtest completed",
		Results: res,
		Ticker:  req.Ticker,
		Period:  req.Period,
		Capital: float64(req.Capital),
	})
}

func (s *Server) handleStoreResults(w http.ResponseWriter, r *http.Request) {
	var req StoreResultsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Ticker == "" || req.Period == "" || req.Capital <= 0 || len(req.Results) == 0 || string(req.Results) == "null" {
		writeError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}
	rec := &store.ResultRecord{
		Ticker:   req.Ticker,
		Period:   req.Period,
		Strategy: req.Strategy,
		Capital:  float64(req.Capital),
		Results:  req.Results,
	}
	if err := s.runner.StoreResult(r.Context(), rec); err != nil {
		s.fail(w, "storing results", err)
		return
	}
	writeJSON(w, MessageResponse{Message: "Results stored"})
}

func (s *Server) handleDisplayResults(w http.ResponseWriter, r *http.Request) {
	var req DisplayResultsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Ticker == "" || req.Period == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}
	rec, err := s.runner.LoadResult(r.Context(), req.Ticker, req.Period)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Item not found")
		return
	}
	if err != nil {
		s.fail(w, "loading results", err)
		return
	}
	writeJSON(w, storedResult(rec))
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.runner.ListResults(r.Context(), limit)
	if err != nil {
		s.fail(w, "listing results", err)
		return
	}
	resp := ResultsResponse{Results: make([]StoredResult, 0, len(recs))}
	for i := range recs {
		resp.Results = append(resp.Results, storedResult(&recs[i]))
	}
	writeJSON(w, resp)
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	names := s.runner.Strategies()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, StrategiesResponse{Strategies: names})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func toRunRequest(req RunBacktestRequest) (backtest.Request, error) {
	if req.Ticker == "" || req.Period == "" || req.Capital == 0 ||
		(strings.TrimSpace(req.StrategyCode) == "" && req.Strategy == "") {
		return backtest.Request{}, errors.New("missing required parameters")
	}
	period, err := backtest.ParsePeriod(req.Period)
	if err != nil {
		return backtest.Request{}, err
	}
	if req.CacheKey != "" {
		key := strings.TrimSuffix(req.CacheKey, ".csv")
		if key != backtest.CacheKey(req.Ticker, period) {
			return backtest.Request{}, errors.New("cache_key does not match ticker and period")
		}
	}
	return backtest.Request{
		Symbol: req.Ticker,
		Period: period,
		Strategy: strategy.Source{
			Code:   req.StrategyCode,
			Name:   req.Strategy,
			Params: req.Params,
		},
		InitialCapital: float64(req.Capital),
		CommissionRate: req.CommissionRate,
	}, nil
}

func storedResult(rec *store.ResultRecord) StoredResult {
	out := StoredResult{
		Ticker:    rec.Ticker,
		Period:    rec.Period,
		Capital:   rec.Capital,
		Strategy:  rec.Strategy,
		RunID:     rec.RunID,
		CreatedAt: rec.CreatedAt,
		Results:   rec.Results,
	}
	if start, end, ok := strings.Cut(rec.Period, ":"); ok {
		out.StartDate, out.EndDate = start, end
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "No input data provided")
		return false
	}
	return true
}

// statusFor maps a runner error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case backtest.IsCallerError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err. Caller errors are echoed; internal errors are logged and
// replaced with a generic message.
func (s *Server) fail(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Stage: string(backtest.StageOf(err))}
	if status == http.StatusInternalServerError {
		s.log.Error(action, "error", err)
		resp.Error = "Failed " + action
	} else {
		s.log.Info(action+" rejected", "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
