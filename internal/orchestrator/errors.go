package orchestrator

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/atp/internal/cycle"
)

// Start rejections. No state changes when one of these is returned.
var (
	ErrDisabled        = errors.New("test pipeline is disabled")
	ErrTriggerDisabled = errors.New("trigger is disabled")
	ErrUnknownTrigger  = errors.New("unknown trigger")
	ErrCycleActive     = errors.New("a cycle is already active")
)

var (
	// ErrCycleTimeout is recorded when a cycle exceeds its time budget.
	ErrCycleTimeout = errors.New("cycle timed out")
	// ErrUnknownCycle is returned by Wait for ids that are neither active
	// nor retained in history.
	ErrUnknownCycle = errors.New("unknown cycle")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")

	// errStale signals that the cycle a step was working for is no longer
	// active. The step's result is discarded.
	errStale = errors.New("cycle no longer active")
)

// StepError wraps a failure inside one pipeline step.
type StepError struct {
	Step cycle.Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Fatal reports whether the failure aborts the cycle.
func (e *StepError) Fatal() bool { return e.Step.Fatal() }

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrTriggerDisabled):
		return "trigger_disabled"
	case errors.Is(err, ErrUnknownTrigger):
		return "unknown_trigger"
	case errors.Is(err, ErrCycleActive):
		return "active"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "other"
}
