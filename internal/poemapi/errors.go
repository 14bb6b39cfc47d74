package poemapi

import (
	"errors"
	"fmt"
)

// APIError is an application error reported by the server in an
// {"error": "..."} body. Message is meant to be shown verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// StatusError is a non-2xx response without a usable error message.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("poem api: HTTP %d: %s", e.Status, e.Body)
}

// UserMessage returns the server-supplied message when err carries one.
func UserMessage(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message, true
	}
	return "", false
}
