// Package errors defines the fault taxonomy shared across emitflow
// components.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase names the lifecycle phase of a stage worker in which a fault
// occurred.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseProcess  Phase = "process"
	PhaseTeardown Phase = "teardown"
)

// PhaseError records an unrecovered fault raised inside one lifecycle phase
// of one worker. The fault terminates that worker only; it is accumulated on
// the run and surfaced when the caller waits for completion.
type PhaseError struct {
	Phase  Phase
	Stage  string
	Worker int
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failure in stage %q (worker %d): %v", e.Phase, e.Stage, e.Worker, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// IsPhase reports whether err is (or wraps) a PhaseError for the given phase.
func IsPhase(err error, p Phase) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && pe.Phase == p
}

// SerializationError indicates a payload could not cross a worker boundary
// because it does not satisfy the codec's encode/decode contract.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return "payload is not serializable: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsSerialization reports whether err is (or wraps) a SerializationError.
func IsSerialization(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// FaultList aggregates the worker faults accumulated over one pipeline run.
type FaultList []error

func (fl FaultList) Error() string {
	if len(fl) == 1 {
		return fl[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d worker faults:", len(fl))
	for _, err := range fl {
		b.WriteString("\n\t")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the individual faults to errors.Is and errors.As.
func (fl FaultList) Unwrap() []error { return fl }
