package notify

import "errors"

// permanentError marks delivery failures that must not be retried.
// Params: wrapped root cause.
// Returns: typed permanent error marker.
type permanentError struct {
	err error
}

// Error returns wrapped error message.
// Params: none.
// Returns: string representation.
func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent dispatch error"
	}
	return e.err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e permanentError) Unwrap() error {
	return e.err
}

// Permanent marks error as non-retryable.
// Params: none.
// Returns: true.
func (permanentError) Permanent() bool {
	return true
}

// markPermanent wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func markPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// isPermanent reports whether error has permanent marker.
// Params: candidate error.
// Returns: true when the dispatcher must not retry.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
