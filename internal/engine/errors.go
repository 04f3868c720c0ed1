package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady   = errors.New("engine: Setup has not been called")
	ErrTornDown   = errors.New("engine: engine was torn down")
	ErrNilConfig  = errors.New("engine: nil config")
	ErrSetupTwice = errors.New("engine: Setup called twice")
)

// StepError is a fatal failure inside one iteration. The run cannot
// continue after it.
type StepError struct {
	Iter    int
	Time    float64
	Phase   string
	Wrapped error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("engine: iter %d (t=%g) %s: %v", e.Iter, e.Time, e.Phase, e.Wrapped)
}

func (e *StepError) Unwrap() error { return e.Wrapped }
