package backtest

import (
	"errors"
	"fmt"

	"finera/internal/engine"
	"finera/internal/series"
	"finera/internal/store"
	"finera/internal/strategy"
)

// Stage names the step of a run that failed.
type Stage string

const (
	StageData         Stage = "data"
	StageStrategyLoad Stage = "strategy_load"
	StageSimulate     Stage = "simulate"
	StageStatistics   Stage = "statistics"
	StageCache        Stage = "cache"
	StageStore        Stage = "store"
)

// ErrInvalidRequest marks requests rejected before any work is done.
var ErrInvalidRequest = errors.New("invalid request")

// Error wraps every failure returned by a Runner with the stage it came
// from.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backtest %s: %v", e.Stage, e.Err)
}

// Unwrap returns e.Err.
func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(stage Stage, format string, args ...any) error {
	return &Error{Stage: stage, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))}
}

// IsCallerError reports whether err was caused by the request itself: bad
// input, malformed data, unknown symbols or results, or a strategy that
// failed to load or raised at runtime.
func IsCallerError(err error) bool {
	var (
		malformed *series.MalformedDataError
		load      *strategy.LoadError
		runtime   *engine.StrategyRuntimeError
	)
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, store.ErrNotFound),
		errors.As(err, &malformed),
		errors.As(err, &load),
		errors.As(err, &runtime):
		return true
	}
	return false
}

// StageOf returns the stage of a *Error in err's chain, or "".
func StageOf(err error) Stage {
	var be *Error
	if errors.As(err, &be) {
		return be.Stage
	}
	return ""
}
