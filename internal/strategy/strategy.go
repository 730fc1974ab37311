// Package strategy defines the Strategy contract plugged into the replay
// engine and provides a Registry of built-in strategy factories.
package strategy

import (
	"context"
	"sort"
	"sync"

	"finera/internal/domain"
	"finera/internal/series"
)

// Strategy is the interface that all trading strategies must implement.
// A Strategy instance belongs to exactly one run.
type Strategy interface {
	// Name returns the identifier for this strategy.
	Name() string

	// Init is called once before the first decision. It may precompute
	// internal state but has no access to the account beyond sc.
	Init(ctx context.Context, sc *Context) error

	// OnBar is called for every bar after the first. history holds bars
	// 0..index. The returned orders are queued for the next bar's open.
	OnBar(ctx context.Context, sc *Context, index int, history series.Window) ([]domain.Order, error)
}

// Context is the read-only view a strategy receives on every callback.
type Context struct {
	Symbol  string
	Params  map[string]float64
	Account domain.AccountSnapshot
}

// Param returns the named parameter or def when it is not set.
func (c *Context) Param(name string, def float64) float64 {
	if c == nil || c.Params == nil {
		return def
	}
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// Factory creates a fresh Strategy configured with params.
type Factory func(params map[string]float64) (Strategy, error)

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
