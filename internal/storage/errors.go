package storage

import "errors"

var (
	// ErrNotFound is returned when a lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed input such as an empty URL.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorage wraps I/O and transaction failures of the backing store.
	ErrStorage = errors.New("storage error")

	// ErrInvalidPath is returned when a store directory cannot be used.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInternal signals a violated invariant.
	ErrInternal = errors.New("internal error")

	// ErrPrecision is returned by scorers that hit the iteration cap before
	// converging. The accompanying result is still usable.
	ErrPrecision = errors.New("precision not reached")

	// ErrThread is returned when a background worker cannot be started or stopped.
	ErrThread = errors.New("background worker error")

	// ErrMemory is returned when a growable array would exceed its limit.
	ErrMemory = errors.New("memory limit exceeded")
)

// StorageErr wraps err so that it matches both ErrStorage and err itself.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{op: op, kind: ErrStorage, err: err}
}

type opError struct {
	op   string
	kind error
	err  error
}

func (e *opError) Error() string {
	return e.op + ": " + e.kind.Error() + ": " + e.err.Error()
}

func (e *opError) Unwrap() []error {
	return []error{e.kind, e.err}
}
