package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidServiceName = errors.New("invalid service name")
	ErrInvalidEventName   = errors.New("invalid event name")
	ErrNoEndpoint         = errors.New("namespace has no hub endpoint configured")
	ErrResponseTooLarge   = errors.New("hub response too large")
)

// RemoteActionFailedError is returned when the hub answers with a non-success status.
type RemoteActionFailedError struct {
	Status int
	Body   string
}

func (e *RemoteActionFailedError) Error() string {
	return fmt.Sprintf("remote action failed (status %d): %s", e.Status, e.Body)
}

// NetworkError wraps transport-level failures: timeouts, refused connections,
// TLS failures and cancellation.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
