package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance missing"}
	want := "NOT_FOUND: instance missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err  *ErrorEnvelope
		code string
	}{
		{NewBadRequestError("x"), ErrBadRequest},
		{NewUnauthorizedError("x"), ErrUnauthorized},
		{NewForbiddenError("x"), ErrForbidden},
		{NewNotFoundError("x"), ErrNotFound},
		{NewConflictError("x"), ErrConflict},
		{NewValidationError(nil), ErrValidationError},
		{NewStaleStepError(0, 1), ErrStaleStep},
		{NewInstanceBlockedError("x"), ErrInstanceBlocked},
		{NewAmbiguousTemplateError("x"), ErrAmbiguousTemplate},
		{NewTemplateInactiveError("x"), ErrTemplateInactive},
		{NewNotSkippableError("x"), ErrNotSkippable},
		{NewInternalError(), ErrInternalError},
		{NewRateLimitedError(), ErrRateLimited},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
		}
	}
}

func TestIsCode_wrapped(t *testing.T) {
	err := fmt.Errorf("update: %w", NewConflictError("lost race"))
	if !IsCode(err, ErrConflict) {
		t.Error("IsCode should see through wrapping")
	}
	if IsCode(err, ErrNotFound) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), ErrConflict) {
		t.Error("IsCode matched a plain error")
	}
}

func TestResolutionError(t *testing.T) {
	cause := errors.New("directory down")
	err := fmt.Errorf("act: %w", &ResolutionError{Step: 1, ApproverType: ApproverManager, Reason: "lookup failed", Err: cause})
	if !IsResolutionError(err) {
		t.Fatal("IsResolutionError = false")
	}
	if !errors.Is(err, cause) {
		t.Error("ResolutionError should unwrap to its cause")
	}
	if IsResolutionError(NewForbiddenError("no")) {
		t.Error("ErrorEnvelope is not a resolution error")
	}
}
