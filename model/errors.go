package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Approval-specific error codes.
const (
	ErrStaleStep         = "STALE_STEP"
	ErrInstanceBlocked   = "INSTANCE_BLOCKED"
	ErrAmbiguousTemplate = "AMBIGUOUS_TEMPLATE"
	ErrTemplateInactive  = "TEMPLATE_INACTIVE"
	ErrNotSkippable      = "STEP_NOT_SKIPPABLE"
)

// ErrAlreadyTerminal is returned by the state machine when an action targets an
// instance that has already reached approved, rejected or cancelled. The action
// processor converts it into ActResult.AlreadyTerminal and never surfaces it.
var ErrAlreadyTerminal = errors.New("instance already in a terminal state")

// ErrorEnvelope is the standard error returned by the engine and serialized by
// the HTTP transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResolutionError reports that a step's approver set could not be determined.
// It is absorbed by the engine, which either skips the step or blocks the
// instance, and is never returned to API callers as-is.
type ResolutionError struct {
	Step         int
	ApproverType ApproverType
	Reason       string
	Err          error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve step %d (%s): %s: %v", e.Step, e.ApproverType, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve step %d (%s): %s", e.Step, e.ApproverType, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err is, or wraps, a *ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IsCode reports whether err is an *ErrorEnvelope carrying the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error. The engine uses it for every
// authorization failure on an action.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewStaleStepError returns a STALE_STEP error for an action aimed at a step
// the instance is no longer on.
func NewStaleStepError(expected, current int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStaleStep,
		Message: fmt.Sprintf("action targets step %d but instance is on step %d", expected, current),
	}
}

// NewInstanceBlockedError returns an INSTANCE_BLOCKED error.
func NewInstanceBlockedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstanceBlocked, Message: msg}
}

// NewAmbiguousTemplateError returns an AMBIGUOUS_TEMPLATE error.
func NewAmbiguousTemplateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAmbiguousTemplate, Message: msg}
}

// NewTemplateInactiveError returns a TEMPLATE_INACTIVE error.
func NewTemplateInactiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTemplateInactive, Message: msg}
}

// NewNotSkippableError returns a STEP_NOT_SKIPPABLE error.
func NewNotSkippableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotSkippable, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
