package commits

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient matches a *TransientError: the API could not be reached,
	// answered non-2xx, or sent an empty body, on every allowed attempt.
	ErrTransient = errors.New("commit API unavailable")

	// ErrMalformedResponse is returned when the body is not the expected JSON
	// or the newest commit has no sha. It is never retried.
	ErrMalformedResponse = errors.New("malformed commit API response")

	// errEmptyBody marks a 2xx response without content.
	errEmptyBody = errors.New("empty response body")
)

// TransientError is returned once the retry budget is spent.
type TransientError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("GET %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }
