package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Publish and friends when there is
	// no live connection. Callers may retry once the session reports
	// StateConnected again.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned once Close has been called; the transport
	// never recovers from it.
	ErrClosed = errors.New("transport: closed")
)

// AuthError indicates the transport rejected our credential. It is
// non-retryable: the connection moves to StateFailed and stays there
// until the caller re-authenticates and reconnects.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport auth: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError wraps a transient network or provider fault. These are
// retried internally with backoff and surface only as state changes.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

var errMissingPresence = errors.New("reply carried no presence snapshot")

// requestError is a non-2xx gateway reply to a correlated request.
type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("gateway responded %d: %s", e.code, e.msg)
	}
	return fmt.Sprintf("gateway responded %d", e.code)
}
