package ocd

import (
	"errors"
	"fmt"
)

var (
	// ErrTargetUnresponsive is returned when the CPU did not report the
	// stopped state within the halt watchdog. The session stays attached so
	// the operation can be retried.
	ErrTargetUnresponsive = errors.New("ocd: target did not halt in time")

	// ErrNotSupported is returned for operations outside the debug
	// facility's capabilities, such as flash writes.
	ErrNotSupported = errors.New("ocd: operation not supported")

	// ErrDetached is returned when an operation requires an attached
	// session.
	ErrDetached = errors.New("ocd: not attached")

	// ErrNotHalted is returned when an operation requires a halted CPU.
	ErrNotHalted = errors.New("ocd: CPU not halted")
)

// InvalidAddressError reports an address the target cannot back: odd
// breakpoint or PC addresses, or ranges outside flash and data space.
type InvalidAddressError struct {
	Addr   uint32
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("ocd: invalid address 0x%06x: %s", e.Addr, e.Reason)
}

// StepFaultError reports a single-step that ended with a missing or
// unclassifiable halt cause. The engine stays halted rather than guessing.
type StepFaultError struct {
	Cause HaltCause
}

func (e *StepFaultError) Error() string {
	return fmt.Sprintf("ocd: step ended with unexpected halt cause %v", e.Cause)
}
