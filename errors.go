package qnor

import (
	"errors"
	"fmt"
)

var (
	// Parameter errors, detected before any command reaches the bus.
	ErrAddressRange = errors.New("qnor: address out of range")
	ErrBlockRange   = errors.New("qnor: block out of range")
	ErrLength       = errors.New("qnor: invalid transfer length")
	ErrNotReady     = errors.New("qnor: driver not initialized")

	// Bus state errors.
	ErrAlreadyInitialized = errors.New("qnor: bus already initialized")
	ErrBusClosed          = errors.New("qnor: bus not initialized")
	ErrTransferBusy       = errors.New("qnor: transfer already outstanding")

	// Completion errors.
	ErrTimeout         = errors.New("qnor: status poll timed out")
	ErrTransferTimeout = errors.New("qnor: transfer completion timed out")

	// Content verification errors.
	ErrNotErased      = errors.New("qnor: block not erased")
	ErrConfigMismatch = errors.New("qnor: volatile configuration read-back mismatch")
)

// OpError records the operation and device offset that failed.
type OpError struct {
	Op     string
	Addr   uint32 // device offset
	NoAddr bool   // request rejected before it had a device offset
	Err    error
}

func (e *OpError) Error() string {
	if e.NoAddr {
		return fmt.Sprintf("qnor: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("qnor: %s at %#06x: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
