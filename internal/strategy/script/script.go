// Package script compiles untrusted strategy source written in tengo into a
// strategy.Strategy. Scripts run in a VM with a restricted import map, no
// file imports, an allocation cap and a wall-clock budget per callback.
//
// A script must define on_bar(ctx, index, history) and may define
// initialize(ctx). on_bar returns an array of orders built with the "order"
// module (or plain {side, size} / {side, fraction} maps), a single order, or
// nothing. Top-level statements re-run on every callback, so state that must
// survive between bars belongs in ctx.state.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/shopspring/decimal"

	"finera/internal/domain"
	"finera/internal/series"
	"finera/internal/strategy"
)

const (
	globalPhase   = "__phase"
	globalCtx     = "__ctx"
	globalIndex   = "__index"
	globalHistory = "__history"
	globalResult  = "__result"

	phaseInit = "init"
	phaseBar  = "bar"
)

var globals = [...]string{globalPhase, globalCtx, globalIndex, globalHistory, globalResult}

// Options bounds script execution.
type Options struct {
	// Timeout is the wall-clock budget of a single callback. Zero disables it.
	Timeout time.Duration
	// MaxAllocs caps object allocations per callback. Zero or negative
	// disables it.
	MaxAllocs int64
	// MaxStringLen caps the length of any string or bytes value a script
	// builds. Zero means DefaultMaxStringLen.
	MaxStringLen int
}

// DefaultMaxStringLen is the string and bytes cap when none is configured.
const DefaultMaxStringLen = 16 << 20

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{Timeout: 2 * time.Second, MaxAllocs: 5_000_000, MaxStringLen: DefaultMaxStringLen}
}

// tengo keeps its size caps in package variables, so the first Compiler of
// the process fixes them.
var sizeLimits sync.Once

// MaxStringLen reports the string and bytes cap scripts run under.
func MaxStringLen() int { return tengo.MaxStringLen }

// Compiler implements strategy.Compiler for tengo source.
type Compiler struct {
	opts Options
}

var _ strategy.Compiler = (*Compiler)(nil)

// NewCompiler creates a Compiler with the given limits.
func NewCompiler(opts Options) *Compiler {
	if opts.MaxStringLen <= 0 {
		opts.MaxStringLen = DefaultMaxStringLen
	}
	sizeLimits.Do(func() {
		tengo.MaxStringLen = opts.MaxStringLen
		tengo.MaxBytesLen = opts.MaxStringLen
	})
	return &Compiler{opts: opts}
}

func (c *Compiler) newScript(src string) *tengo.Script {
	s := tengo.NewScript([]byte(src))
	s.SetImports(ModuleMap())
	s.EnableFileImport(false)
	if c.opts.MaxAllocs > 0 {
		s.SetMaxAllocs(c.opts.MaxAllocs)
	}
	for _, g := range globals {
		// Add only fails for values FromInterface cannot convert.
		_ = s.Add(g, tengo.UndefinedValue)
	}
	return s
}

func (c *Compiler) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Timeout > 0 {
		return context.WithTimeout(parent, c.opts.Timeout)
	}
	return context.WithCancel(parent)
}

// Compile verifies code against the strategy contract and returns a Strategy
// bound to params. Every failure is a *strategy.LoadError.
func (c *Compiler) Compile(code string, params map[string]float64) (strategy.Strategy, error) {
	name, hasInit, err := c.define(code)
	if err != nil {
		return nil, err
	}

	compiled, err := c.newScript(code + "\n" + driverSource(hasInit)).Compile()
	if err != nil {
		return nil, &strategy.LoadError{Reason: "compile", Cause: err}
	}

	p := make(map[string]tengo.Object, len(params))
	for k, v := range params {
		p[k] = &tengo.Float{Value: v}
	}

	return &Strategy{
		name:     name,
		compiled: compiled,
		compiler: c,
		hasInit:  hasInit,
		state:    &tengo.Map{Value: make(map[string]tengo.Object)},
		params:   &tengo.ImmutableMap{Value: p},
		cache:    newBarCache(),
	}, nil
}

// define compiles and runs the bare source once, then checks the shape of
// the callbacks it declared.
func (c *Compiler) define(code string) (name string, hasInit bool, err error) {
	compiled, err := c.newScript(code).Compile()
	if err != nil {
		return "", false, &strategy.LoadError{Reason: "compile", Cause: err}
	}

	ctx, cancel := c.runContext(context.Background())
	defer cancel()
	if err := compiled.RunContext(ctx); err != nil {
		return "", false, &strategy.LoadError{Reason: "evaluating top-level statements", Cause: err}
	}

	if err := checkFunc(compiled, "on_bar", 3, true); err != nil {
		return "", false, err
	}
	if err := checkFunc(compiled, "initialize", 1, false); err != nil {
		return "", false, err
	}
	hasInit = compiled.IsDefined("initialize")

	name = "script"
	if v := compiled.Get("name"); !v.IsUndefined() {
		if s, ok := v.Object().(*tengo.String); ok && strings.TrimSpace(s.Value) != "" {
			name = s.Value
		}
	}
	return name, hasInit, nil
}

func checkFunc(c *tengo.Compiled, name string, params int, required bool) error {
	v := c.Get(name)
	if v.IsUndefined() {
		if required {
			return &strategy.LoadError{Reason: fmt.Sprintf("missing required function %q", name)}
		}
		return nil
	}
	fn, ok := v.Object().(*tengo.CompiledFunction)
	if !ok {
		return &strategy.LoadError{Reason: fmt.Sprintf("%q is %s, not a function", name, v.Object().TypeName())}
	}
	if fn.VarArgs || fn.NumParameters != params {
		return &strategy.LoadError{Reason: fmt.Sprintf("%q must take exactly %d parameters, takes %d", name, params, fn.NumParameters)}
	}
	return nil
}

func driverSource(hasInit bool) string {
	var b strings.Builder
	b.WriteString("if " + globalPhase + " == \"" + phaseBar + "\" {\n")
	b.WriteString("\t" + globalResult + " = on_bar(" + globalCtx + ", " + globalIndex + ", " + globalHistory + ")\n")
	if hasInit {
		b.WriteString("} else if " + globalPhase + " == \"" + phaseInit + "\" {\n")
		b.WriteString("\t" + globalResult + " = initialize(" + globalCtx + ")\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// Strategy is a compiled script bound to one run.
type Strategy struct {
	name     string
	compiled *tengo.Compiled
	compiler *Compiler
	hasInit  bool
	state    *tengo.Map
	params   *tengo.ImmutableMap
	cache    *barCache
}

var _ strategy.Strategy = (*Strategy)(nil)

// Name returns the script's name global, or "script".
func (s *Strategy) Name() string { return s.name }

// Init calls initialize(ctx) when the script defines it.
func (s *Strategy) Init(ctx context.Context, sc *strategy.Context) error {
	if !s.hasInit {
		return nil
	}
	_, err := s.call(ctx, phaseInit, sc, 0, nil)
	return err
}

// OnBar calls on_bar(ctx, index, history) and converts its return value to
// orders.
func (s *Strategy) OnBar(ctx context.Context, sc *strategy.Context, index int, history series.Window) ([]domain.Order, error) {
	s.cache.extend(history)
	res, err := s.call(ctx, phaseBar, sc, index, s.cache.view(history.Len()))
	if err != nil {
		return nil, err
	}
	return toOrders(res, index)
}

func (s *Strategy) call(ctx context.Context, phase string, sc *strategy.Context, index int, history *History) (tengo.Object, error) {
	var h tengo.Object = tengo.UndefinedValue
	if history != nil {
		h = history
	}
	for name, v := range map[string]tengo.Object{
		globalPhase:   &tengo.String{Value: phase},
		globalCtx:     s.contextObject(sc),
		globalIndex:   &tengo.Int{Value: int64(index)},
		globalHistory: h,
		globalResult:  tengo.UndefinedValue,
	} {
		if err := s.compiled.Set(name, v); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := s.compiler.runContext(ctx)
	defer cancel()
	if err := s.compiled.RunContext(runCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s exceeded %s: %w", phase, s.compiler.opts.Timeout, err)
		}
		return nil, err
	}

	res := s.compiled.Get(globalResult).Object()
	if e, ok := res.(*tengo.Error); ok {
		return nil, fmt.Errorf("script returned error: %s", e.Value.String())
	}
	return res, nil
}

// contextObject builds a fresh ctx map per call. Only ctx.state is shared
// between calls; writes to the other keys are discarded.
func (s *Strategy) contextObject(sc *strategy.Context) tengo.Object {
	var acct domain.AccountSnapshot
	symbol := ""
	if sc != nil {
		acct = sc.Account
		symbol = sc.Symbol
	}
	return &tengo.Map{Value: map[string]tengo.Object{
		"state":     s.state,
		"params":    s.params,
		"symbol":    &tengo.String{Value: symbol},
		"cash":      &tengo.Float{Value: acct.Cash},
		"position":  &tengo.Float{Value: acct.Qty},
		"avg_price": &tengo.Float{Value: acct.AvgPrice},
		"equity":    &tengo.Float{Value: acct.Equity},
	}}
}

func toOrders(res tengo.Object, index int) ([]domain.Order, error) {
	switch v := res.(type) {
	case nil:
		return nil, nil
	case *tengo.Undefined:
		return nil, nil
	case *tengo.Array:
		return ordersFrom(v.Value, index)
	case *tengo.ImmutableArray:
		return ordersFrom(v.Value, index)
	case *tengo.Map, *tengo.ImmutableMap:
		return ordersFrom([]tengo.Object{v}, index)
	}
	return nil, fmt.Errorf("on_bar returned %s, want an array of orders", res.TypeName())
}

func ordersFrom(items []tengo.Object, index int) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, len(items))
	for i, item := range items {
		var fields map[string]tengo.Object
		switch m := item.(type) {
		case *tengo.Map:
			fields = m.Value
		case *tengo.ImmutableMap:
			fields = m.Value
		default:
			return nil, fmt.Errorf("order %d is %s, want a map", i, item.TypeName())
		}
		o, err := orderFrom(fields, index)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func orderFrom(fields map[string]tengo.Object, index int) (domain.Order, error) {
	var side string
	if s, ok := fields["side"].(*tengo.String); ok {
		side = s.Value
	}
	o := domain.Order{Side: domain.OrderSide(strings.ToLower(side)), RequestedAt: index}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return o, fmt.Errorf("side %q is not buy or sell", side)
	}

	size, hasSize := number(fields["size"])
	fraction, hasFraction := number(fields["fraction"])
	switch {
	case hasSize && hasFraction:
		return o, errors.New("size and fraction are mutually exclusive")
	case hasSize:
		if size <= 0 {
			return o, fmt.Errorf("size %v must be positive", size)
		}
		o.Qty = decimal.NewFromFloat(size)
	case hasFraction:
		if fraction <= 0 || fraction > 1 {
			return o, fmt.Errorf("fraction %v outside (0, 1]", fraction)
		}
		o.Fraction = fraction
	default:
		return o, errors.New("missing size or fraction")
	}
	return o, nil
}

func number(o tengo.Object) (float64, bool) {
	switch v := o.(type) {
	case *tengo.Int:
		return float64(v.Value), true
	case *tengo.Float:
		return v.Value, true
	}
	return 0, false
}
