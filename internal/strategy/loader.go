package strategy

import (
	"errors"
	"fmt"
	"strings"
)

// LoadError reports strategy source that does not satisfy the Strategy
// contract: it failed to compile, lacks a required symbol, or a symbol has
// the wrong shape.
type LoadError struct {
	Reason string
	Cause  error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("strategy load: %s: %v", e.Reason, e.Cause)
	}
	return "strategy load: " + e.Reason
}

// Unwrap returns e.Cause.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Source identifies the strategy for one run. Code takes precedence over
// Name when both are set.
type Source struct {
	Code   string
	Name   string
	Params map[string]float64
}

// Compiler turns untrusted strategy code into a Strategy. Implementations
// must return *LoadError for contract violations.
type Compiler interface {
	Compile(code string, params map[string]float64) (Strategy, error)
}

// Loader resolves a Source into a fresh Strategy instance.
type Loader struct {
	registry *Registry
	compiler Compiler
}

// NewLoader creates a Loader. Either argument may be nil, which disables
// that kind of source.
func NewLoader(registry *Registry, compiler Compiler) *Loader {
	return &Loader{registry: registry, compiler: compiler}
}

// Load returns a new Strategy for src.
func (l *Loader) Load(src Source) (Strategy, error) {
	if strings.TrimSpace(src.Code) != "" {
		if l.compiler == nil {
			return nil, &LoadError{Reason: "strategy code is not accepted by this loader"}
		}
		s, err := l.compiler.Compile(src.Code, src.Params)
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				return nil, err
			}
			return nil, &LoadError{Reason: "compile", Cause: err}
		}
		return s, nil
	}

	if src.Name == "" {
		return nil, &LoadError{Reason: "no strategy code or name given"}
	}
	if l.registry == nil {
		return nil, &LoadError{Reason: fmt.Sprintf("unknown strategy %q", src.Name)}
	}
	factory, ok := l.registry.Get(src.Name)
	if !ok {
		return nil, &LoadError{Reason: fmt.Sprintf("unknown strategy %q", src.Name)}
	}
	s, err := factory(src.Params)
	if err != nil {
		return nil, &LoadError{Reason: fmt.Sprintf("configuring %q", src.Name), Cause: err}
	}
	return s, nil
}

// Names lists the built-in strategies this loader can resolve by name.
func (l *Loader) Names() []string {
	if l.registry == nil {
		return nil
	}
	return l.registry.List()
}
