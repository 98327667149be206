// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes carried to clients in error frames. The gateway relays
// these verbatim; clients branch on the code, never on the message text.
const (
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeInvalidSession    = "invalid_session"
	CodeProtocolViolation = "protocol_violation"
	CodeTimeout           = "timeout"
	CodeConflict          = "conflict"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal_error"
)

// Error is the one error type that crosses the service boundary. Everything
// else is wrapped into an internal_error before leaving a handler.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func InvalidSession(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidSession, Message: fmt.Sprintf(format, args...)}
}

func Violation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeProtocolViolation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...interface{}) *Error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a *Error. Non-protocol errors become an
// internal_error with the original text, so callers can always hand the
// result straight to the wire without leaking Go error chains.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// HTTPStatus maps an error code to the status the /gateway/handle endpoint
// answers with. The gateway folds any non-2xx back into an error frame.
func HTTPStatus(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidSession, CodeBadRequest:
		return http.StatusBadRequest
	case CodeProtocolViolation, CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
