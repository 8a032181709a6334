package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrInvalidGrant,
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			want: "invalid_grant: test message: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrTamper,
				Message: "test message",
			},
			want: "tamper: test message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := NewError(ErrInternal, "test message", cause)

	if got := err.Unwrap(); got != cause {
		t.Errorf("Error.Unwrap() = %v, want %v", got, cause)
	}

	errNoCause := NewError(ErrInternal, "test message", nil)
	if got := errNoCause.Unwrap(); got != nil {
		t.Errorf("Error.Unwrap() = %v, want nil", got)
	}
}

func TestTypeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Type
	}{
		{"direct", NewError(ErrForbidden, "no scope", nil), ErrForbidden},
		{"wrapped once", fmt.Errorf("outer: %w", NewError(ErrInvalidGrant, "gone", nil)), ErrInvalidGrant},
		{"plain error", errors.New("boom"), ErrInternal},
		{"wrap helper", Wrap(ErrProviderError, "idp down", errors.New("dial tcp")), ErrProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TypeOf(tt.err); got != tt.want {
				t.Errorf("TypeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if got := Wrap(ErrInternal, "msg", nil); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestRetriable(t *testing.T) {
	t.Parallel()

	if !Retriable(NewError(ErrProviderError, "timeout", nil)) {
		t.Error("provider_error should be retriable")
	}
	if Retriable(NewError(ErrInvalidGrant, "gone", nil)) {
		t.Error("invalid_grant should not be retriable")
	}
	if Retriable(nil) {
		t.Error("nil should not be retriable")
	}
}
