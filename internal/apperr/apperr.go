// Package apperr is the typed error taxonomy shared by the HTTP layer
// (internal/api, internal/apiauth, internal/apimw). Handlers build one of
// these so a caller can switch on Code without string matching; admission
// and lifecycle return their own sentinel errors, which the handlers
// translate.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeBadRequest          Code = "bad_request"
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeTooManyRequests     Code = "too_many_requests"
	CodeInternalServerError Code = "internal_server_error"
	CodeServiceUnavailable  Code = "service_unavailable"
)

// Error is the typed outcome produced at the HTTP boundary and rendered
// verbatim as the HTTP error envelope {error:{code,message,details?}}.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	// HTTPStatus caches the status code the envelope should be served with.
	// Set by the constructors below; New maps the code through statusFor,
	// which gives 500 for codes it does not list.
	HTTPStatus int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of e carrying the given details payload.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func statusFor(code Code) int {
	switch code {
	case CodeBadRequest:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeTooManyRequests:
		return 429
	case CodeServiceUnavailable:
		return 503
	default:
		return 500
	}
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: statusFor(code)}
}

func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

func BadRequest(message string) *Error {
	return New(CodeBadRequest, message)
}

func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

func TooManyRequests(message string) *Error {
	return New(CodeTooManyRequests, message)
}

func ServiceUnavailable(message string) *Error {
	return New(CodeServiceUnavailable, message)
}

func Internal(message string) *Error {
	return New(CodeInternalServerError, message)
}

// As is a thin helper over errors.As for the common single-type case used
// throughout the handlers and task workers.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}
