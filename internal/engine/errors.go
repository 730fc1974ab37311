package engine

import "fmt"

// Strategy callback phases reported by StrategyRuntimeError.
const (
	PhaseInit  = "initialize"
	PhaseOnBar = "on_bar"
)

// StrategyRuntimeError reports a strategy that failed or panicked during
// replay. The run is aborted and no partial result is returned.
type StrategyRuntimeError struct {
	BarIndex int
	Phase    string
	Cause    error
}

func (e *StrategyRuntimeError) Error() string {
	return fmt.Sprintf("strategy %s failed at bar %d: %v", e.Phase, e.BarIndex, e.Cause)
}

// Unwrap returns e.Cause.
func (e *StrategyRuntimeError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panicking strategy.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
