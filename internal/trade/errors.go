package trade

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by the ledger for unknown ids.
var ErrNotFound = errors.New("order not found")

// ErrStaleTransition means the row had already left the expected status.
var ErrStaleTransition = errors.New("order status changed concurrently")

// RejectionError is a policy failure detected before any broker mutation.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

func Reject(format string, args ...any) *RejectionError {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError is a broker transport or logic failure during a mutation.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TransientFetchError marks a read whose failure has a defined fallback.
type TransientFetchError struct {
	Source string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ReconciliationError is one failed monitor tick stage.
type ReconciliationError struct {
	Stage string
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Stage, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
