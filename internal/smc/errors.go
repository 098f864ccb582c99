package smc

import (
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Each matches any error of the same type.
var (
	ErrConfiguration         = &ConfigurationError{}
	ErrRunNotFound           = &RunNotFoundError{}
	ErrCorruptHistory        = &CorruptHistoryError{}
	ErrPriorSupportExhausted = &PriorSupportExhaustedError{}
	ErrSimulation            = &SimulationError{}
)

// ConfigurationError reports missing or invalid models, priors, distance or
// strategies. Nothing is written to the store when it is returned.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

func (e *RunNotFoundError) Is(target error) bool {
	_, ok := target.(*RunNotFoundError)
	return ok
}

// CorruptHistoryError reports a stored population that violates the weight
// invariants and so cannot seed a resumed run.
type CorruptHistoryError struct {
	RunID      string
	Population int
	Reason     string
}

func (e *CorruptHistoryError) Error() string {
	return fmt.Sprintf("corrupt history: run=%s population=%d: %s", e.RunID, e.Population, e.Reason)
}

func (e *CorruptHistoryError) Is(target error) bool {
	_, ok := target.(*CorruptHistoryError)
	return ok
}

type PriorSupportExhaustedError struct {
	RunID      string
	Population int
	Model      int
	Retries    int
}

func (e *PriorSupportExhaustedError) Error() string {
	return fmt.Sprintf("prior support exhausted: run=%s population=%d model=%d after %d perturbations",
		e.RunID, e.Population, e.Model, e.Retries)
}

func (e *PriorSupportExhaustedError) Is(target error) bool {
	_, ok := target.(*PriorSupportExhaustedError)
	return ok
}

// SimulationError wraps a failure of the user model or distance function.
type SimulationError struct {
	RunID      string
	Population int
	Model      int
	Stage      string
	Err        error
}

func (e *SimulationError) Error() string {
	var b strings.Builder
	b.WriteString("simulation error")
	if e.RunID != "" {
		fmt.Fprintf(&b, ": run=%s population=%d", e.RunID, e.Population)
	}
	fmt.Fprintf(&b, " model=%d", e.Model)
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SimulationError) Unwrap() error { return e.Err }

func (e *SimulationError) Is(target error) bool {
	_, ok := target.(*SimulationError)
	return ok
}
