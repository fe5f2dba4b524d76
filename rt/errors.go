package rt

import (
	"errors"
	"fmt"
)

// The errors in this file are the managed-language exception surface of the
// monitor and transaction layers. They are ordinary Go errors so that
// interpreter glue can translate them into managed throwables; none of them
// is ever fatal to the runtime process. Internal invariant violations panic
// instead.

// IllegalMonitorStateError reports a monitor protocol violation: unlocking an
// object the thread does not own, waiting without holding the monitor, or
// notifying without ownership.
type IllegalMonitorStateError struct {
	Msg string
}

func (e *IllegalMonitorStateError) Error() string {
	return "illegal monitor state: " + e.Msg
}

// IllegalArgumentError reports an out-of-range argument to a monitor
// operation, such as a negative wait timeout.
type IllegalArgumentError struct {
	Msg string
}

func (e *IllegalArgumentError) Error() string {
	return "illegal argument: " + e.Msg
}

// InterruptedError reports that a thread was interrupted while waiting.
// The thread's interrupted flag has been cleared when this is returned.
type InterruptedError struct{}

func (e *InterruptedError) Error() string {
	return "interrupted"
}

// TransactionAbortError is the dedicated error type thrown when a
// class-initialization transaction is aborted. The message is the abort
// diagnostic recorded by the transaction.
type TransactionAbortError struct {
	Msg string
}

func (e *TransactionAbortError) Error() string {
	return "transaction abort: " + e.Msg
}

// ClassInitError reports that a class could not be initialized, wrapping the
// initializer's failure. A class that failed once is erroneous; later
// initialization attempts report the same failure without re-running the
// initializer.
type ClassInitError struct {
	Class string
	Cause error
}

func (e *ClassInitError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("could not initialize class %s", e.Class)
	}
	return fmt.Sprintf("could not initialize class %s: %v", e.Class, e.Cause)
}

func (e *ClassInitError) Unwrap() error {
	return e.Cause
}

// IsTransactionAbort reports whether err is (or wraps) a transaction abort.
func IsTransactionAbort(err error) bool {
	var abort *TransactionAbortError
	return errors.As(err, &abort)
}

// IsInterrupted reports whether err is (or wraps) an interrupt.
func IsInterrupted(err error) bool {
	var intr *InterruptedError
	return errors.As(err, &intr)
}
