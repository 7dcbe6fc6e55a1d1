package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/llgbridge/internal/constraint"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a session error onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, constraint.ErrMalformedInput):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, constraint.ErrAPIMisuse), errors.Is(err, constraint.ErrClosed):
		return http.StatusConflict, "api_misuse_error"
	case errors.Is(err, constraint.ErrHostCapability):
		return http.StatusUnprocessableEntity, "host_capability_error"
	case errors.Is(err, constraint.ErrCapability):
		return http.StatusUnprocessableEntity, "capability_error"
	case errors.Is(err, constraint.ErrParser):
		return http.StatusUnprocessableEntity, "parser_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
