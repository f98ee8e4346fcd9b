package report

import (
	"errors"
	"fmt"
	"net"
)

// TransportError reports a failed exchange with the reporting API: a
// non-2xx status, a network failure, a timeout or an unreadable body.
// It is returned as data and never retried by the client.
type TransportError struct {
	Err        error
	Status     string
	Body       string
	StatusCode int
	Timeout    bool
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("report request failed (status %d %s): %s", e.StatusCode, e.Status, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("report request failed (status %d %s)", e.StatusCode, e.Status)
	case e.Timeout:
		return fmt.Sprintf("report request timed out: %v", e.Err)
	default:
		return fmt.Sprintf("report request failed: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether the API rejected the bearer token.
func (e *TransportError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

func networkError(err error) *TransportError {
	var netErr net.Error
	timeout := errors.As(err, &netErr) && netErr.Timeout()
	return &TransportError{Err: err, Timeout: timeout}
}
