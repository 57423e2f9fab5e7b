package domain

import "errors"

var (
	ErrMissingToken  = errors.New("auth token is required")
	ErrNotConnected  = errors.New("connection is not established")
	ErrLeaseReleased = errors.New("lease already released")
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrUnauthorized means the server rejected the token. It is never retried with the same token.
	ErrUnauthorized = errors.New("authentication rejected")
	// ErrConnectionLost is surfaced after the reconnect attempts are exhausted.
	ErrConnectionLost = errors.New("connection lost")

	ErrPermissionDenied     = errors.New("notification permission denied")
	ErrPermissionNotGranted = errors.New("notification permission not granted")
	ErrTransport            = errors.New("push sync transport failure")
	ErrServerRejected       = errors.New("push sync rejected by server")

	ErrNotFound = errors.New("not found")

	ErrAlreadyStarted = errors.New("already started")
)

// IsRetryable reports whether a push sync failure may succeed if tried again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// DisconnectError carries the reason a physical connection went away.
type DisconnectError struct {
	Reason string
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return "disconnect: " + e.Reason + ": " + e.Err.Error()
	}
	return "disconnect: " + e.Reason
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}
