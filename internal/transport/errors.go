package transport

import (
	"errors"
	"fmt"
)

// ErrNoCredential is returned without touching the network when no bearer
// credential is installed.
var ErrNoCredential = errors.New("no credential")

// NetworkError is a transport-level failure: the request never produced an
// HTTP response (dial error, reset, timeout, cancellation).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response from the message server.
type ServerError struct {
	Op      string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server error %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: server error %d: %s", e.Op, e.Code, e.Message)
}

// Retryable reports whether repeating the request may succeed.
func (e *ServerError) Retryable() bool {
	return e.Code >= 500 || e.Code == 408 || e.Code == 429
}

// IsPermanent reports whether err is a server rejection that retrying will
// not fix.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNoCredential) {
		return false
	}
	var se *ServerError
	return errors.As(err, &se) && !se.Retryable()
}
