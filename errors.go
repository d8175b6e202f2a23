// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"errors"
	"fmt"

	"github.com/bassosimone/lwsock/internal/errno"
)

var (
	// ErrCapacityExceeded indicates that a payload does not fit into the
	// shared transfer buffer.
	ErrCapacityExceeded = errors.New("lwsock: payload exceeds shared buffer capacity")

	// ErrAllocationFailed indicates that the engine could not allocate a
	// control block.
	ErrAllocationFailed = errors.New("lwsock: cannot allocate control block")

	// ErrNotConnected indicates an operation that requires a live
	// control block on a socket that no longer has one.
	ErrNotConnected = errors.New("lwsock: socket not connected")

	// ErrAlreadyClosed indicates an operation on a closed socket.
	ErrAlreadyClosed = errors.New("lwsock: socket already closed")

	// ErrConnectionClosed indicates a connection closed by the peer or by
	// a local close while an operation was pending.
	ErrConnectionClosed = errors.New("lwsock: connection closed")

	// ErrAborted indicates a connection aborted or reset.
	ErrAborted = errors.New("lwsock: connection aborted")

	// ErrInvalidAddress indicates a string that is not a dotted-quad IPv4 address.
	ErrInvalidAddress = errors.New("lwsock: invalid IPv4 address")

	// ErrConnectInProgress indicates a connect issued while another one is pending.
	ErrConnectInProgress = errors.New("lwsock: connect already in progress")

	// ErrWriteInProgress indicates a write issued while another one is pending.
	ErrWriteInProgress = errors.New("lwsock: write already in progress")

	// ErrRunning indicates that the event pump is already running.
	ErrRunning = errors.New("lwsock: event pump already running")

	// ErrInvalidConfig indicates a [*Config] that [NewStack] cannot use.
	ErrInvalidConfig = errors.New("lwsock: invalid configuration")

	// ErrStackClosed indicates an operation on a closed [*Stack].
	ErrStackClosed = errors.New("lwsock: stack closed")
)

// EngineError is a non-OK [Status] returned by an engine operation.
//
// Use [errors.Is] against [ErrConnectionClosed] and [ErrAborted] to
// detect connection termination, or against a platform errno (for
// example syscall.ECONNRESET) to reason in socket terms.
type EngineError struct {
	// Op is the operation that failed (e.g., "bind", "connect").
	Op string

	// Status is the engine status code.
	Status Status
}

var _ error = &EngineError{}

// newEngineError returns nil when status is [StatusOK].
func newEngineError(op string, status Status) error {
	if status == StatusOK {
		return nil
	}
	return &EngineError{Op: op, Status: status}
}

// Error implements error.
func (e *EngineError) Error() string {
	return fmt.Sprintf("lwsock: %s: %s (%d)", e.Op, e.Status.String(), int(e.Status))
}

// Is allows matching the package sentinel errors.
func (e *EngineError) Is(target error) bool {
	switch target {
	case ErrConnectionClosed:
		return e.Status == StatusClosed
	case ErrAborted:
		return e.Status == StatusAborted || e.Status == StatusReset
	default:
		return false
	}
}

// Unwrap returns the platform errno equivalent to the status, if any.
func (e *EngineError) Unwrap() error {
	return errno.FromStatus(int(e.Status))
}
