package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestSentinelErrors verifies all sentinel errors are properly defined.
func TestSentinelErrors(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", ErrNotFound},
		{"ErrInvalidInput", ErrInvalidInput},
		{"ErrTimeout", ErrTimeout},
		{"ErrUnavailable", ErrUnavailable},
		{"ErrClosed", ErrClosed},
		{"ErrInvalidState", ErrInvalidState},
		{"ErrConnection", ErrConnection},
		{"ErrInternal", ErrInternal},
		{"ErrConfiguration", ErrConfiguration},
		{"ErrCircuitOpen", ErrCircuitOpen},
	}

	for _, tc := range sentinels {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err == nil {
				t.Errorf("%s should not be nil", tc.name)
			}
			if tc.err.Error() == "" {
				t.Errorf("%s should have a non-empty message", tc.name)
			}
		})
	}
}

// TestPoolErrors verifies the pool taxonomy wraps the right base errors.
func TestPoolErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wraps   error
		message string
	}{
		{
			name:    "ErrPoolTimeout",
			err:     ErrPoolTimeout,
			wraps:   ErrTimeout,
			message: "pool: acquire operation timed out",
		},
		{
			name:    "ErrConnectionCreation",
			err:     ErrConnectionCreation,
			wraps:   ErrConnection,
			message: "pool: connection creation failed: connection error",
		},
		{
			name:    "ErrPoolClosed",
			err:     ErrPoolClosed,
			wraps:   ErrClosed,
			message: "pool: closed",
		},
		{
			name:    "ErrInitialization",
			err:     ErrInitialization,
			wraps:   ErrInvalidState,
			message: "pool: initialization failed: invalid state",
		},
		{
			name:    "ErrPoolInvalidConfig",
			err:     ErrPoolInvalidConfig,
			wraps:   ErrConfiguration,
			message: "pool: configuration error",
		},
		{
			name:    "ErrUnknownConnection",
			err:     ErrUnknownConnection,
			wraps:   ErrInvalidInput,
			message: "pool: unknown connection: invalid input",
		},
		{
			name:    "ErrShutdownTimeout",
			err:     ErrShutdownTimeout,
			wraps:   ErrTimeout,
			message: "pool: shutdown grace period elapsed: operation timed out",
		},
		{
			name:    "ErrValidation",
			err:     ErrValidation,
			message: "pool: connection failed validation",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Error() != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, tc.err.Error())
			}
			if tc.wraps != nil && !errors.Is(tc.err, tc.wraps) {
				t.Errorf("%s should wrap %v", tc.name, tc.wraps)
			}
		})
	}
}

// TestBackendErrors verifies backend and data source errors.
func TestBackendErrors(t *testing.T) {
	if !errors.Is(ErrUnknownDriver, ErrConfiguration) {
		t.Error("ErrUnknownDriver should wrap ErrConfiguration")
	}
	if !errors.Is(ErrBackendUnreachable, ErrUnavailable) {
		t.Error("ErrBackendUnreachable should wrap ErrUnavailable")
	}
	if !errors.Is(ErrUnknownKind, ErrConfiguration) {
		t.Error("ErrUnknownKind should wrap ErrConfiguration")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, CodeOK},
		{"timeout", ErrPoolTimeout, CodeTimeout},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"canceled", context.Canceled, CodeCanceled},
		{"creation", ErrConnectionCreation, CodeConnection},
		{"closed", ErrPoolClosed, CodeClosed},
		{"init", ErrInitialization, CodeState},
		{"config", ErrPoolInvalidConfig, CodeConfiguration},
		{"unknown conn", ErrUnknownConnection, CodeInvalidInput},
		{"validation", ErrValidation, CodeValidation},
		{"unavailable", ErrBackendUnreachable, CodeUnavailable},
		{"not found", ErrNotFound, CodeNotFound},
		{"circuit in creation", fmt.Errorf("%w: %w", ErrConnectionCreation, ErrCircuitOpen), CodeCircuitOpen},
		{"structured", Wrap(CodeUnavailable, "down", nil), CodeUnavailable},
		{"structured cause", Wrap(CodeTimeout, "trial", ErrPoolClosed), CodeTimeout},
		{"unknown", errors.New("boom"), CodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Code(tc.err); got != tc.want {
				t.Errorf("Code(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestCodeName(t *testing.T) {
	if CodeName(CodeTimeout) != "timeout" {
		t.Errorf("unexpected name %q", CodeName(CodeTimeout))
	}
	if CodeName(CodeOK) != "ok" {
		t.Errorf("unexpected name %q", CodeName(CodeOK))
	}
	if CodeName(9999) != "internal" {
		t.Errorf("unknown code should map to internal, got %q", CodeName(9999))
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeConnection, "create", cause)

	if err.Error() != "create: connection refused" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause")
	}
	if Code(err) != CodeConnection {
		t.Errorf("expected code %d, got %d", CodeConnection, Code(err))
	}

	bare := Wrap(CodeInternal, "no cause", nil)
	if bare.Error() != "no cause" || bare.Unwrap() != nil {
		t.Errorf("unexpected bare error %q", bare.Error())
	}
}

func TestIsHelpers(t *testing.T) {
	wrapped := fmt.Errorf("acquire: %w", ErrPoolTimeout)

	if !IsTimeout(wrapped) {
		t.Error("IsTimeout should see through wrapping")
	}
	if !IsClosed(ErrPoolClosed) {
		t.Error("IsClosed should match ErrPoolClosed")
	}
	if !IsConfiguration(ErrUnknownKind) {
		t.Error("IsConfiguration should match ErrUnknownKind")
	}
	if IsTimeout(ErrPoolClosed) {
		t.Error("IsTimeout should not match ErrPoolClosed")
	}
}
