package espapi

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when login is rejected.
	ErrUnauthorized = errors.New("espapi: invalid username and or password")
	// ErrBadRequest maps HTTP 400.
	ErrBadRequest = errors.New("espapi: package sent is malformed")
	// ErrNotFound maps HTTP 404.
	ErrNotFound = errors.New("espapi: requested URL not found")
	// ErrMalformedResponse is returned when an envelope lacks the field the caller needs.
	ErrMalformedResponse = errors.New("espapi: malformed response")
)

// StatusError reports an HTTP status with no dedicated sentinel.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("espapi: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("espapi: unexpected status %d: %s", e.Code, e.Body)
}

// TransportError wraps a network level failure talking to the server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("espapi: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying on the next poll.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return errors.Is(err, ErrMalformedResponse)
}
