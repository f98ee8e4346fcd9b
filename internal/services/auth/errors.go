package auth

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated means no tokens are stored at all. It is an expected
// state that callers check before attempting a fetch.
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthError reports a missing, expired or rejected credential. Detail
// carries the provider's explanation when one was returned.
type AuthError struct {
	Err        error
	Op         string
	Detail     string
	StatusCode int
}

func (e *AuthError) Error() string {
	msg := "auth " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NeedsReauth reports whether err means the operator must authorize again.
func NeedsReauth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
