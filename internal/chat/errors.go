package chat

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code sent to clients in error frames.
type Code string

const (
	CodeInternal       Code = "internal_error"
	CodeAuth           Code = "auth_error"
	CodeValidation     Code = "validation_error"
	CodeNotMember      Code = "not_member"
	CodeNotFound       Code = "not_found"
	CodePersistence    Code = "persistence_error"
	CodeBusUnavailable Code = "bus_unavailable"
	CodeRateLimited    Code = "rate_limited"
)

// Error is the single error type of the chat core. Validation, authorization
// and persistence errors are terminal for one event only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotMember builds a NotMemberError for channelID.
func NotMember(channelID string) error {
	return &Error{Code: CodeNotMember, Message: fmt.Sprintf("not a member of channel %q", channelID)}
}

// NotFound builds a not-found error for the named entity.
func NotFound(what, id string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// AuthFailed wraps a credential verification failure.
func AuthFailed(err error) error {
	return &Error{Code: CodeAuth, Message: "authentication failed", Err: err}
}

// PersistenceFailed wraps a store failure.
func PersistenceFailed(err error) error {
	return &Error{Code: CodePersistence, Message: "storage unavailable", Err: err}
}

// BusUnavailable wraps a fan-out transport failure.
func BusUnavailable(err error) error {
	return &Error{Code: CodeBusUnavailable, Message: "fan-out bus unavailable", Err: err}
}

// RateLimited is returned when a connection exceeds its inbound budget.
func RateLimited() error {
	return &Error{Code: CodeRateLimited, Message: "too many events, slow down"}
}

// CodeOf extracts the code of err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// Body converts err into the client-facing error section. Wrapped causes and
// untyped errors never reach the client.
func Body(err error) *ErrorBody {
	var ce *Error
	if errors.As(err, &ce) {
		return &ErrorBody{Code: ce.Code, Message: ce.Message}
	}
	return &ErrorBody{Code: CodeInternal, Message: "internal error"}
}
