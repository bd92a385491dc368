package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{"NotFound wraps ErrNotFound", NotFound("session", "abc123"), ErrNotFound, true},
		{"ValidationFailed wraps ErrValidation", ValidationFailed("code", "code is too long"), ErrValidation, true},
		{"Conflict wraps ErrConflict", Conflict("snippet", "abc123"), ErrConflict, true},
		{"Forbidden wraps ErrForbidden", Forbidden("token is for another session"), ErrForbidden, true},
		{"Unauthorized wraps ErrUnauthorized", Unauthorized("missing token"), ErrUnauthorized, true},
		{"Unavailable wraps ErrUnavailable", Unavailable("too many sessions"), ErrUnavailable, true},
		{"survives fmt wrapping", fmt.Errorf("creating session: %w", Unavailable("full")), ErrUnavailable, true},
		{"NotFound does not match ErrValidation", NotFound("session", "abc123"), ErrValidation, false},
		{"Unavailable does not match ErrForbidden", Unavailable("full"), ErrForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err         *AppError
		wantMessage string
	}{
		{NotFound("session", "abc123"), "session not found with id abc123"},
		{ValidationFailed("code", "code is required"), "code is required"},
		{Conflict("snippet", "abc123"), "snippet conflict with id abc123"},
		{Unavailable("session limit reached"), "session limit reached"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.wantMessage {
			t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
		}
	}
}

func TestValidationFailedField(t *testing.T) {
	err := ValidationFailed("snippetId", "snippet not found")
	if err.Field != "snippetId" {
		t.Errorf("Field = %q, want %q", err.Field, "snippetId")
	}
}
