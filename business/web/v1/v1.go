// Package v1 represents types used by the web application for v1.
package v1

import (
	"errors"

	"github.com/ardanlabs/blocksync/business/sys/validate"
)

// ErrorResponse is the form used for API responses from failures in the API.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// RequestError is used to pass an error during the request through the
// application with web specific context.
type RequestError struct {
	Err    error
	Status int
}

// NewRequestError wraps a provided error with an HTTP status code. This
// function should be used when handlers encounter expected errors.
func NewRequestError(err error, status int) error {
	return &RequestError{err, status}
}

// Error implements the error interface. It uses the default message of the
// wrapped error. This is what will be shown in the services' logs.
func (re *RequestError) Error() string {
	return re.Err.Error()
}

// IsRequestError checks if an error of type RequestError exists.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// GetRequestError returns a copy of the RequestError pointer.
func GetRequestError(err error) *RequestError {
	var re *RequestError
	if !errors.As(err, &re) {
		return nil
	}
	return re
}

// Response builds the body returned for the error. Validation failures
// carry their fields.
func Response(err error) ErrorResponse {
	if validate.IsFieldErrors(err) {
		return ErrorResponse{
			Error:  "data validation error",
			Fields: validate.GetFieldErrors(err).Fields(),
		}
	}

	return ErrorResponse{Error: err.Error()}
}
