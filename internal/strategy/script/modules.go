package script

import (
	"errors"
	"fmt"
	"math"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/thrasher-corp/gct-ta/indicators"
)

// AllowedStdlib lists the tengo standard modules a strategy may import. None
// of them touch the filesystem, the network, stdout or a random source.
// "times" is added separately by ModuleMap.
var AllowedStdlib = []string{"math", "text", "enum", "json", "base64", "hex"}

// TimesModule is tengo's "times" module without sleep. A sleeping VM cannot
// be aborted, so sleep would outlast every timeout.
var TimesModule = func() map[string]tengo.Object {
	m := make(map[string]tengo.Object, len(stdlib.BuiltinModules["times"]))
	for name, fn := range stdlib.BuiltinModules["times"] {
		if name != "sleep" {
			m[name] = fn
		}
	}
	return m
}()

const errParameterConvertFailed = "%s: cannot convert parameter %d"

// TAModule exposes technical indicators to scripts as the "ta" module.
var TAModule = map[string]tengo.Object{
	"sma":       &tengo.UserFunction{Name: "sma", Value: taSMA},
	"ema":       &tengo.UserFunction{Name: "ema", Value: taEMA},
	"rsi":       &tengo.UserFunction{Name: "rsi", Value: taRSI},
	"macd":      &tengo.UserFunction{Name: "macd", Value: taMACD},
	"atr":       &tengo.UserFunction{Name: "atr", Value: taATR},
	"crossover": &tengo.UserFunction{Name: "crossover", Value: taCrossover},
	"last":      &tengo.UserFunction{Name: "last", Value: taLast},
}

// OrderModule exposes order constructors to scripts as the "order" module.
var OrderModule = map[string]tengo.Object{
	"buy":      &tengo.UserFunction{Name: "buy", Value: sizedOrder("buy")},
	"sell":     &tengo.UserFunction{Name: "sell", Value: sizedOrder("sell")},
	"buy_pct":  &tengo.UserFunction{Name: "buy_pct", Value: fractionOrder("buy")},
	"sell_pct": &tengo.UserFunction{Name: "sell_pct", Value: fractionOrder("sell")},
	"close":    &tengo.UserFunction{Name: "close", Value: closeOrder},
}

// ModuleMap returns the import map handed to every strategy script.
func ModuleMap() *tengo.ModuleMap {
	m := stdlib.GetModuleMap(AllowedStdlib...)
	m.AddBuiltinModule("times", TimesModule)
	m.AddBuiltinModule("ta", TAModule)
	m.AddBuiltinModule("order", OrderModule)
	return m
}

func toFloats(name string, o tengo.Object) ([]float64, error) {
	var items []tengo.Object
	switch v := o.(type) {
	case *tengo.Array:
		items = v.Value
	case *tengo.ImmutableArray:
		items = v.Value
	default:
		return nil, tengo.ErrInvalidArgumentType{Name: name, Expected: "array", Found: o.TypeName()}
	}
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := tengo.ToFloat64(item)
		if !ok {
			return nil, fmt.Errorf("%s: element %d is %s, not a number", name, i, item.TypeName())
		}
		out[i] = f
	}
	return out, nil
}

func fromFloats(in []float64) *tengo.Array {
	out := &tengo.Array{Value: make([]tengo.Object, len(in))}
	for i, v := range in {
		out.Value[i] = &tengo.Float{Value: v}
	}
	return out
}

func toPeriod(fn string, pos int, o tengo.Object) (int, error) {
	p, ok := tengo.ToInt(o)
	if !ok || p <= 0 {
		return 0, fmt.Errorf(errParameterConvertFailed, fn, pos)
	}
	return p, nil
}

// singleSeries handles the (series, period) indicator shape. Inputs shorter
// than the period yield an all-zero result of the same length.
func singleSeries(fn string, calc func([]float64, int) []float64) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		in, err := toFloats("series", args[0])
		if err != nil {
			return nil, err
		}
		period, err := toPeriod(fn, 2, args[1])
		if err != nil {
			return nil, err
		}
		if len(in) < period {
			return fromFloats(make([]float64, len(in))), nil
		}
		return fromFloats(calc(in, period)), nil
	}
}

var (
	taSMA = singleSeries("sma", indicators.SMA)
	taEMA = singleSeries("ema", indicators.EMA)
	taRSI = singleSeries("rsi", func(in []float64, period int) []float64 {
		// RSI needs one extra observation for its first change.
		if len(in) <= period {
			return make([]float64, len(in))
		}
		return indicators.RSI(in, period)
	})
)

// taMACD returns [macd, signal, histogram].
func taMACD(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 4 {
		return nil, tengo.ErrWrongNumArguments
	}
	in, err := toFloats("series", args[0])
	if err != nil {
		return nil, err
	}
	var periods [3]int
	for i := range periods {
		if periods[i], err = toPeriod("macd", i+2, args[i+1]); err != nil {
			return nil, err
		}
	}
	if len(in) <= periods[1]+periods[2] {
		zero := make([]float64, len(in))
		return &tengo.Array{Value: []tengo.Object{fromFloats(zero), fromFloats(zero), fromFloats(zero)}}, nil
	}
	macd, signal, hist := indicators.MACD(in, periods[0], periods[1], periods[2])
	return &tengo.Array{Value: []tengo.Object{fromFloats(macd), fromFloats(signal), fromFloats(hist)}}, nil
}

func taATR(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 4 {
		return nil, tengo.ErrWrongNumArguments
	}
	high, err := toFloats("high", args[0])
	if err != nil {
		return nil, err
	}
	low, err := toFloats("low", args[1])
	if err != nil {
		return nil, err
	}
	closes, err := toFloats("close", args[2])
	if err != nil {
		return nil, err
	}
	if len(high) != len(low) || len(low) != len(closes) {
		return nil, errors.New("atr: high, low and close must have the same length")
	}
	period, err := toPeriod("atr", 4, args[3])
	if err != nil {
		return nil, err
	}
	if len(closes) <= period {
		return fromFloats(make([]float64, len(closes))), nil
	}
	return fromFloats(indicators.ATR(high, low, closes, period)), nil
}

// lastTwo returns the previous and latest values of o, which may be an array
// or a plain number standing for a constant line.
func lastTwo(name string, o tengo.Object) (prev, cur float64, err error) {
	if f, ok := tengo.ToFloat64(o); ok {
		switch o.(type) {
		case *tengo.Int, *tengo.Float:
			return f, f, nil
		}
	}
	vals, err := toFloats(name, o)
	if err != nil {
		return 0, 0, err
	}
	if len(vals) < 2 {
		return math.NaN(), math.NaN(), nil
	}
	return vals[len(vals)-2], vals[len(vals)-1], nil
}

// taCrossover reports whether a crossed above b on the latest value.
func taCrossover(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	a1, a0, err := lastTwo("a", args[0])
	if err != nil {
		return nil, err
	}
	b1, b0, err := lastTwo("b", args[1])
	if err != nil {
		return nil, err
	}
	if a1 < b1 && a0 > b0 {
		return tengo.TrueValue, nil
	}
	return tengo.FalseValue, nil
}

func taLast(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	switch v := args[0].(type) {
	case *tengo.Array:
		if len(v.Value) > 0 {
			return v.Value[len(v.Value)-1], nil
		}
	case *tengo.ImmutableArray:
		if len(v.Value) > 0 {
			return v.Value[len(v.Value)-1], nil
		}
	default:
		return nil, tengo.ErrInvalidArgumentType{Name: "series", Expected: "array", Found: args[0].TypeName()}
	}
	return tengo.UndefinedValue, nil
}

func orderObject(side, key string, v float64) tengo.Object {
	return &tengo.ImmutableMap{Value: map[string]tengo.Object{
		"side": &tengo.String{Value: side},
		key:    &tengo.Float{Value: v},
	}}
}

func sizedOrder(side string) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		units, ok := tengo.ToFloat64(args[0])
		if !ok || units <= 0 {
			return nil, fmt.Errorf("order.%s: units must be a positive number", side)
		}
		return orderObject(side, "size", units), nil
	}
}

func fractionOrder(side string) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		f, ok := tengo.ToFloat64(args[0])
		if !ok || f <= 0 || f > 1 {
			return nil, fmt.Errorf("order.%s_pct: fraction must be in (0, 1]", side)
		}
		return orderObject(side, "fraction", f), nil
	}
}

func closeOrder(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 0 {
		return nil, tengo.ErrWrongNumArguments
	}
	return orderObject("sell", "fraction", 1), nil
}
