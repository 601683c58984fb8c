package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means the backend cannot work as configured: no
	// endpoint, no credentials, an unknown type, or a missing executable.
	ErrNotConfigured = errors.New("backend not configured")

	// ErrUnauthorized means the endpoint rejected the credentials.
	ErrUnauthorized = errors.New("backend rejected credentials")

	// ErrNoImage means the call succeeded but returned no image data.
	ErrNoImage = errors.New("no image in response")

	// ErrMalformedResponse means the response body could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsConfigError reports whether err is a configuration problem that
// retrying cannot fix.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrUnauthorized)
}
