package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	// ErrAuthRequired means no usable access token exists; a sign-in redirect
	// has been requested.
	ErrAuthRequired = errors.New("authentication required")
	// ErrNotFound means a requested document or record is absent.
	ErrNotFound = errors.New("not found")
	// ErrRemoteOperation wraps any non-success answer from the remote store.
	ErrRemoteOperation = errors.New("remote operation failed")
	// ErrLocalTransaction wraps failures of the local cache.
	ErrLocalTransaction = errors.New("local transaction failed")
)

// OpError records which remote operation failed and on what target.
type OpError struct {
	Op     string
	Target string
	Err    error
}

func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// RemoteError builds an OpError that matches ErrRemoteOperation as well as cause.
func RemoteError(op, target string, cause error) error {
	if cause == nil {
		cause = ErrRemoteOperation
	} else if !errors.Is(cause, ErrRemoteOperation) {
		cause = fmt.Errorf("%w: %w", ErrRemoteOperation, cause)
	}
	return &OpError{Op: op, Target: target, Err: cause}
}
