package script

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/d5/tengo/v2"

	"finera/internal/domain"
	"finera/internal/series"
	"finera/internal/strategy"
)

func testSeries(t *testing.T, closes ...float64) *series.Series {
	t.Helper()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Symbol: "TEST", Timestamp: start.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100}
	}
	s, err := series.Load(bars)
	if err != nil {
		t.Fatalf("series.Load: %v", err)
	}
	return s
}

func compile(t *testing.T, code string, params map[string]float64) *Strategy {
	t.Helper()
	s, err := NewCompiler(DefaultOptions()).Compile(code, params)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	return s.(*Strategy)
}

func TestCompileRejectsContractViolations(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"syntax error", `on_bar := func(ctx, i, h) {`},
		{"missing on_bar", `x := 1`},
		{"on_bar not a function", `on_bar := 5`},
		{"on_bar wrong arity", `on_bar := func(ctx) {}`},
		{"on_bar variadic", `on_bar := func(ctx, i, ...h) {}`},
		{"initialize wrong arity", "initialize := func() {}\non_bar := func(c, i, h) {}"},
		{"os module blocked", "os := import(\"os\")\non_bar := func(c, i, h) {}"},
		{"fmt module blocked", "fmt := import(\"fmt\")\non_bar := func(c, i, h) {}"},
		{"file import blocked", "m := import(\"./other\")\non_bar := func(c, i, h) {}"},
		{"top-level runtime error", "x := 1 / 0\non_bar := func(c, i, h) {}"},
	}
	c := NewCompiler(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(tt.code, nil)
			var le *strategy.LoadError
			if !errors.As(err, &le) {
				t.Fatalf("Compile error = %v, want *strategy.LoadError", err)
			}
		})
	}
}

func TestCompileName(t *testing.T) {
	s := compile(t, "name := \"dip buyer\"\non_bar := func(c, i, h) {}", nil)
	if s.Name() != "dip buyer" {
		t.Errorf("Name() = %q, want %q", s.Name(), "dip buyer")
	}
	s = compile(t, "on_bar := func(c, i, h) {}", nil)
	if s.Name() != "script" {
		t.Errorf("Name() = %q, want script", s.Name())
	}
}

func TestOnBarOrders(t *testing.T) {
	code := `
order := import("order")

on_bar := func(ctx, index, history) {
	if index == 1 {
		return [order.buy(5), order.sell_pct(0.5)]
	}
	if index == 2 {
		return order.close()
	}
	if index == 3 {
		return [{side: "sell", size: 2}]
	}
}
`
	s := compile(t, code, nil)
	data := testSeries(t, 10, 11, 12, 13, 14)
	ctx := context.Background()
	sc := &strategy.Context{Symbol: "TEST"}

	orders, err := s.OnBar(ctx, sc, 1, data.Window(1))
	if err != nil {
		t.Fatalf("OnBar(1) returned error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("OnBar(1) returned %d orders, want 2", len(orders))
	}
	if orders[0].Side != domain.OrderSideBuy || orders[0].Qty.IntPart() != 5 || orders[0].RequestedAt != 1 {
		t.Errorf("orders[0] = %+v, want buy 5 at 1", orders[0])
	}
	if orders[1].Side != domain.OrderSideSell || orders[1].Fraction != 0.5 {
		t.Errorf("orders[1] = %+v, want sell fraction 0.5", orders[1])
	}

	orders, err = s.OnBar(ctx, sc, 2, data.Window(2))
	if err != nil {
		t.Fatalf("OnBar(2) returned error: %v", err)
	}
	if len(orders) != 1 || orders[0].Side != domain.OrderSideSell || orders[0].Fraction != 1 {
		t.Errorf("OnBar(2) = %+v, want a single close", orders)
	}

	orders, err = s.OnBar(ctx, sc, 3, data.Window(3))
	if err != nil {
		t.Fatalf("OnBar(3) returned error: %v", err)
	}
	if len(orders) != 1 || orders[0].Qty.IntPart() != 2 {
		t.Errorf("OnBar(3) = %+v, want sell 2", orders)
	}

	orders, err = s.OnBar(ctx, sc, 4, data.Window(4))
	if err != nil || len(orders) != 0 {
		t.Errorf("OnBar(4) = %v, %v; want no orders", orders, err)
	}
}

func TestStatePersistsAndHistoryIsBounded(t *testing.T) {
	code := `
initialize := func(ctx) {
	ctx.state.calls = 0
	ctx.cash = -1
}

on_bar := func(ctx, index, history) {
	ctx.state.calls = ctx.state.calls + 1
	ctx.state.seen = history.len
	ctx.state.last_close = history.close[history.len - 1]
	ctx.state.future = is_undefined(history[index + 1])
	ctx.state.cash = ctx.cash
}
`
	s := compile(t, code, nil)
	data := testSeries(t, 10, 11, 12, 13)
	ctx := context.Background()
	sc := &strategy.Context{Symbol: "TEST", Account: domain.AccountSnapshot{Cash: 500}}

	if err := s.Init(ctx, sc); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := s.OnBar(ctx, sc, i, data.Window(i)); err != nil {
			t.Fatalf("OnBar(%d) returned error: %v", i, err)
		}
	}

	state := s.state.Value
	if calls, _ := tengo.ToInt(state["calls"]); calls != 2 {
		t.Errorf("state.calls = %v, want 2", state["calls"])
	}
	if seen, _ := tengo.ToInt(state["seen"]); seen != 3 {
		t.Errorf("state.seen = %v, want 3", state["seen"])
	}
	if last, _ := tengo.ToFloat64(state["last_close"]); last != 12 {
		t.Errorf("state.last_close = %v, want 12", state["last_close"])
	}
	if state["future"] != tengo.TrueValue {
		t.Errorf("history exposed a bar after the current index")
	}
	if cash, _ := tengo.ToFloat64(state["cash"]); cash != 500 {
		t.Errorf("ctx.cash = %v, want 500 (writes must not persist)", state["cash"])
	}
}

func TestParamsAndIndicators(t *testing.T) {
	code := `
ta := import("ta")
order := import("order")

on_bar := func(ctx, index, history) {
	fast := ta.sma(history.close, ctx.params.fast)
	ctx.state.fast = ta.last(fast)
	if ta.crossover(history.close, 11.5) {
		return [order.buy(ctx.params.size)]
	}
}
`
	s := compile(t, code, map[string]float64{"fast": 2, "size": 3})
	data := testSeries(t, 10, 11, 12)

	orders, err := s.OnBar(context.Background(), &strategy.Context{}, 2, data.Window(2))
	if err != nil {
		t.Fatalf("OnBar returned error: %v", err)
	}
	if len(orders) != 1 || orders[0].Qty.IntPart() != 3 {
		t.Errorf("OnBar = %+v, want buy 3", orders)
	}
	if fast, _ := tengo.ToFloat64(s.state.Value["fast"]); fast != 11.5 {
		t.Errorf("sma(2) = %v, want 11.5", s.state.Value["fast"])
	}
}

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"division by zero", "on_bar := func(c, i, h) { d := 0; return 1 / d }", ""},
		{"error value", "on_bar := func(c, i, h) { return error(\"boom\") }", "boom"},
		{"bad side", "on_bar := func(c, i, h) { return [{side: \"hold\", size: 1}] }", "side"},
		{"size and fraction", "on_bar := func(c, i, h) { return [{side: \"buy\", size: 1, fraction: 0.5}] }", "mutually exclusive"},
		{"not an order", "on_bar := func(c, i, h) { return 7 }", "want an array"},
		{"bad order size", "order := import(\"order\")\non_bar := func(c, i, h) { return [order.buy(-1)] }", "positive"},
	}
	data := testSeries(t, 1, 2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := compile(t, tt.code, nil)
			_, err := s.OnBar(context.Background(), &strategy.Context{}, 1, data.Window(1))
			if err == nil {
				t.Fatal("OnBar returned nil error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestCallbackTimeout(t *testing.T) {
	c := NewCompiler(Options{Timeout: 50 * time.Millisecond})
	s, err := c.Compile("on_bar := func(c, i, h) { for {} }", nil)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	data := testSeries(t, 1, 2)

	start := time.Now()
	_, err = s.OnBar(context.Background(), &strategy.Context{}, 1, data.Window(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("OnBar error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("OnBar took %s to abort", elapsed)
	}
}

func TestSleepUnavailable(t *testing.T) {
	if _, ok := TimesModule["sleep"]; ok {
		t.Fatal("times module exposes sleep")
	}
	if _, ok := TimesModule["now"]; !ok {
		t.Error("times module lost now")
	}

	c := NewCompiler(Options{Timeout: 100 * time.Millisecond})
	s, err := c.Compile("times := import(\"times\")\non_bar := func(c, i, h) { times.sleep(3000000000) }", nil)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	data := testSeries(t, 1, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := s.OnBar(ctx, &strategy.Context{}, 1, data.Window(1)); err == nil {
		t.Error("OnBar calling times.sleep returned nil error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("OnBar took %s", elapsed)
	}

	start = time.Now()
	_, err = c.Compile("times := import(\"times\")\ntimes.sleep(3000000000)\non_bar := func(c, i, h) {}", nil)
	var le *strategy.LoadError
	if !errors.As(err, &le) {
		t.Errorf("top-level times.sleep = %v, want LoadError", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Compile took %s", elapsed)
	}
}

func TestStringSizeLimit(t *testing.T) {
	if got := MaxStringLen(); got != DefaultMaxStringLen {
		t.Fatalf("MaxStringLen() = %d, want %d", got, DefaultMaxStringLen)
	}
	tests := []struct {
		name string
		body string
	}{
		{"repeat", `s := text.repeat("a", 300000000); c.state.n = len(s)`},
		{"concat", `s := text.repeat("a", 10000000); s = s + s; c.state.n = len(s)`},
	}
	data := testSeries(t, 1, 2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := compile(t, "text := import(\"text\")\non_bar := func(c, i, h) { "+tt.body+" }", nil)
			if _, err := s.OnBar(context.Background(), &strategy.Context{}, 1, data.Window(1)); err == nil {
				t.Error("OnBar building an oversized string returned nil error")
			}
		})
	}

	s := compile(t, "text := import(\"text\")\non_bar := func(c, i, h) { c.state.n = len(text.repeat(\"a\", 1000)) }", nil)
	if _, err := s.OnBar(context.Background(), &strategy.Context{}, 1, data.Window(1)); err != nil {
		t.Errorf("OnBar with a small string returned error: %v", err)
	}
}

func TestTAModuleShortInput(t *testing.T) {
	in := &tengo.Array{Value: []tengo.Object{&tengo.Float{Value: 1}, &tengo.Int{Value: 2}}}
	out, err := taSMA(in, &tengo.Int{Value: 5})
	if err != nil {
		t.Fatalf("sma returned error: %v", err)
	}
	arr := out.(*tengo.Array)
	if len(arr.Value) != 2 {
		t.Errorf("sma on short input returned %d values, want 2", len(arr.Value))
	}

	if _, err := taSMA(in, &tengo.Int{Value: 0}); err == nil {
		t.Error("sma accepted period 0")
	}
	if _, err := taSMA(&tengo.String{Value: "1,2"}, &tengo.Int{Value: 1}); err == nil {
		t.Error("sma accepted a string series")
	}
}

func TestTACrossover(t *testing.T) {
	a := &tengo.Array{Value: []tengo.Object{&tengo.Int{Value: 1}, &tengo.Int{Value: 3}}}
	b := &tengo.Array{Value: []tengo.Object{&tengo.Int{Value: 2}, &tengo.Int{Value: 2}}}

	got, err := taCrossover(a, b)
	if err != nil || got != tengo.TrueValue {
		t.Errorf("crossover(a, b) = %v, %v; want true", got, err)
	}
	got, err = taCrossover(b, a)
	if err != nil || got != tengo.FalseValue {
		t.Errorf("crossover(b, a) = %v, %v; want false", got, err)
	}
	got, err = taCrossover(a, &tengo.Float{Value: 2})
	if err != nil || got != tengo.TrueValue {
		t.Errorf("crossover(a, 2.0) = %v, %v; want true", got, err)
	}
}
