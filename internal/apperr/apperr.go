// Package apperr defines the closed set of failure kinds the processing core
// reports, so callers can switch on a Kind instead of matching strings.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is reported for errors that did not pass through this package.
	KindUnknown Kind = iota
	// KindValidation means the input can never be processed as given.
	KindValidation
	// KindAlreadyProcessing means another worker holds the claim for the event.
	KindAlreadyProcessing
	// KindIdentifierConflict means two provider ids point at different ledger rows.
	KindIdentifierConflict
	// KindStoreIO is a transient store failure.
	KindStoreIO
	// KindTimeout is a store or downstream call that ran out of time.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAlreadyProcessing:
		return "already_processing"
	case KindIdentifierConflict:
		return "identifier_conflict"
	case KindStoreIO:
		return "store_io"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a KindValidation error from a format string.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// AlreadyProcessing reports that eventID is claimed by another worker.
func AlreadyProcessing(op, eventID string) *Error {
	return &Error{Kind: KindAlreadyProcessing, Op: op, Err: fmt.Errorf("event %s is being processed by another worker", eventID)}
}

// IdentifierConflict reports a ledger integrity anomaly.
func IdentifierConflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindIdentifierConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

// Store classifies a raw store error. Deadline and cancellation become
// KindTimeout, anything else KindStoreIO. Already classified errors pass
// through unchanged.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindStoreIO, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Retryable reports whether redelivering the same input may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAlreadyProcessing, KindStoreIO, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}
