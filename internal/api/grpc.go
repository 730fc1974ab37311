package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"finera/internal/backtest"
	"finera/internal/store"
	"finera/internal/strategy"
)

// Full method names of the Backtest service.
const (
	ServiceName          = "finera.v1.Backtest"
	MethodRunBacktest    = "/" + ServiceName + "/RunBacktest"
	MethodGetResult      = "/" + ServiceName + "/GetResult"
	MethodListStrategies = "/" + ServiceName + "/ListStrategies"
)

// BacktestServer is the server API of the Backtest service. Messages are
// google.protobuf.Struct documents carrying the same fields as the HTTP API.
type BacktestServer interface {
	RunBacktest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListStrategies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Runner is the part of the orchestrator the gRPC service needs.
type Runner interface {
	RunBacktest(ctx context.Context, req backtest.Request) (*backtest.Result, error)
	LoadResult(ctx context.Context, symbol, period string) (*store.ResultRecord, error)
	Strategies() []string
}

// Compile-time interface checks.
var (
	_ BacktestServer = (*BacktestService)(nil)
	_ Runner         = (*backtest.Runner)(nil)
)

// BacktestService implements BacktestServer on top of a Runner.
type BacktestService struct {
	runner Runner
}

// NewBacktestService creates a BacktestService backed by runner.
func NewBacktestService(runner Runner) *BacktestService {
	return &BacktestService{runner: runner}
}

// RunBacktest runs a backtest. Request fields: ticker, period, capital,
// strategy_code or strategy, params, commission_rate.
func (s *BacktestService) RunBacktest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	period, err := backtest.ParsePeriod(f["period"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	btReq := backtest.Request{
		Symbol: f["ticker"].GetStringValue(),
		Period: period,
		Strategy: strategy.Source{
			Code: f["strategy_code"].GetStringValue(),
			Name: f["strategy"].GetStringValue(),
		},
		InitialCapital: f["capital"].GetNumberValue(),
	}
	if p := f["params"].GetStructValue(); p != nil {
		btReq.Strategy.Params = make(map[string]float64, len(p.GetFields()))
		for k, v := range p.GetFields() {
			btReq.Strategy.Params[k] = v.GetNumberValue()
		}
	}
	if v, ok := f["commission_rate"]; ok {
		rate := v.GetNumberValue()
		btReq.CommissionRate = &rate
	}

	res, err := s.runner.RunBacktest(ctx, btReq)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// GetResult returns the stored result for ticker and period.
func (s *BacktestService) GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	rec, err := s.runner.LoadResult(ctx, f["ticker"].GetStringValue(), f["period"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	var results any
	if err := json.Unmarshal(rec.Results, &results); err != nil {
		return nil, status.Errorf(codes.Internal, "decoding stored result: %v", err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"ticker":     rec.Ticker,
		"period":     rec.Period,
		"strategy":   rec.Strategy,
		"capital":    rec.Capital,
		"run_id":     rec.RunID,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
		"results":    results,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	return out, nil
}

// ListStrategies returns the built-in strategy names.
func (s *BacktestService) ListStrategies(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	names := s.runner.Strategies()
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	return structpb.NewStruct(map[string]any{"strategies": list})
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	return out, nil
}

// toStatus maps runner errors onto gRPC status codes.
func toStatus(err error) error {
	msg := err.Error()
	if stage := backtest.StageOf(err); stage != "" {
		msg = fmt.Sprintf("%s [stage=%s]", msg, stage)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, msg)
	case backtest.IsCallerError(err):
		return status.Error(codes.InvalidArgument, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

// RegisterBacktestServer registers srv on s.
func RegisterBacktestServer(s grpc.ServiceRegistrar, srv BacktestServer) {
	s.RegisterService(&backtestServiceDesc, srv)
}

func unaryHandler(method string, call func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var backtestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunBacktest", Handler: unaryHandler(MethodRunBacktest, BacktestServer.RunBacktest)},
		{MethodName: "GetResult", Handler: unaryHandler(MethodGetResult, BacktestServer.GetResult)},
		{MethodName: "ListStrategies", Handler: unaryHandler(MethodListStrategies, BacktestServer.ListStrategies)},
	},
	Streams: []grpc.StreamDesc{},
}

// BacktestClient calls the Backtest service.
type BacktestClient struct {
	cc grpc.ClientConnInterface
}

// NewBacktestClient wraps cc.
func NewBacktestClient(cc grpc.ClientConnInterface) *BacktestClient {
	return &BacktestClient{cc: cc}
}

// RunBacktest calls RunBacktest.
func (c *BacktestClient) RunBacktest(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodRunBacktest, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetResult calls GetResult.
func (c *BacktestClient) GetResult(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetResult, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStrategies calls ListStrategies.
func (c *BacktestClient) ListStrategies(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListStrategies, &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
