package device

import (
	"errors"
	"fmt"
)

// Failure kinds for every device call. Callers match them with errors.Is.
var (
	ErrTimeout          = errors.New("device timeout")
	ErrUnreachable      = errors.New("device unreachable")
	ErrDeviceRejected   = errors.New("device rejected request")
	ErrMalformedPayload = errors.New("malformed device payload")
)

// Error carries the failure kind together with the endpoint and the cause.
// Status is the HTTP status for ErrDeviceRejected and 0 otherwise.
type Error struct {
	Code     error
	Endpoint string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	s := e.Endpoint + ": " + e.Code.Error()
	if e.Status != 0 {
		s += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// Kind returns the failure kind of err, or nil if err did not come from a
// device call.
func Kind(err error) error {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return nil
}
