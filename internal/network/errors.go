package network

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrForbidden is matched by any 403 APIError. While a job is outstanding
	// it means the server cancelled the job.
	ErrForbidden = errors.New("forbidden")

	// ErrNoToken is returned when registration succeeds without handing out a token.
	ErrNoToken = errors.New("registration returned no token")
)

// APIError represents a non-success response from the CI server.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: API error (%d): %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrForbidden) match 403 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrForbidden && e.StatusCode == http.StatusForbidden
}

// IsForbidden reports whether err carries a 403 from the server.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}
