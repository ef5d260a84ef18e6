// Package errors provides structured error types for poolbench.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - The connection-pool error taxonomy (timeout, creation, closed, initialization)
//   - Error codes for categorizing failures in reports and logs
//   - Error wrapping with context preservation
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Error codes for categorizing errors. Results files and the dbdown summary
// record these codes instead of free-form messages.
const (
	CodeOK            = 0
	CodeInternal      = 1  // Internal error
	CodeInvalidInput  = 2  // Invalid input or unknown handle
	CodeConfiguration = 3  // Invalid configuration
	CodeTimeout       = 4  // Deadline exceeded
	CodeConnection    = 5  // Backing resource unreachable or rejected credentials
	CodeClosed        = 6  // Operation on a closed resource
	CodeState         = 7  // Invalid state (e.g. failed startup)
	CodeUnavailable   = 8  // Service unavailable
	CodeCircuitOpen   = 9  // Rejected by an open circuit breaker
	CodeNotFound      = 10 // Resource not found
	CodeValidation    = 11 // Connection failed validation
	CodeCanceled      = 12 // Caller canceled the operation
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Pool errors
var (
	// ErrPoolTimeout is returned when an acquire deadline is exceeded.
	ErrPoolTimeout = fmt.Errorf("pool: acquire %w", ErrTimeout)

	// ErrConnectionCreation is returned when the backing resource could not
	// produce a new physical connection.
	ErrConnectionCreation = fmt.Errorf("pool: connection creation failed: %w", ErrConnection)

	// ErrPoolClosed is returned when operating on a closing or closed pool.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrInitialization is returned when a strict pool cannot reach its
	// minimum idle count during startup.
	ErrInitialization = fmt.Errorf("pool: initialization failed: %w", ErrInvalidState)

	// ErrValidation marks a connection that failed validation. The pool
	// recovers from it locally and never hands it to callers.
	ErrValidation = errors.New("pool: connection failed validation")

	// ErrPoolInvalidConfig is returned for an unusable pool configuration.
	ErrPoolInvalidConfig = fmt.Errorf("pool: %w", ErrConfiguration)

	// ErrUnknownConnection is returned when releasing a connection the pool
	// did not hand out.
	ErrUnknownConnection = fmt.Errorf("pool: unknown connection: %w", ErrInvalidInput)

	// ErrShutdownTimeout is returned when in-use connections were not
	// released within the shutdown grace period.
	ErrShutdownTimeout = fmt.Errorf("pool: shutdown grace period elapsed: %w", ErrTimeout)
)

// Backend errors
var (
	// ErrUnknownDriver indicates an unsupported backend driver name.
	ErrUnknownDriver = fmt.Errorf("backend: unknown driver: %w", ErrConfiguration)

	// ErrBackendUnreachable indicates the backing resource refused or dropped the dial.
	ErrBackendUnreachable = fmt.Errorf("backend: %w", ErrUnavailable)

	// ErrNotQuerier indicates a connection cannot execute statements.
	ErrNotQuerier = errors.New("backend: connection does not support queries")
)

// Data source errors
var (
	// ErrUnknownKind indicates an unsupported data source kind.
	ErrUnknownKind = fmt.Errorf("datasource: unknown kind: %w", ErrConfiguration)
)

// Error is a structured error with a code and message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short description of the failure
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Code maps an error to its error code. A nil error maps to CodeOK.
func Code(err error) int {
	var se *Error
	switch {
	case err == nil:
		return CodeOK
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// CodeName returns a short stable name for an error code.
func CodeName(code int) string {
	switch code {
	case CodeOK:
		return "ok"
	case CodeInvalidInput:
		return "invalid_input"
	case CodeConfiguration:
		return "configuration"
	case CodeTimeout:
		return "timeout"
	case CodeConnection:
		return "connection"
	case CodeClosed:
		return "closed"
	case CodeState:
		return "state"
	case CodeUnavailable:
		return "unavailable"
	case CodeCircuitOpen:
		return "circuit_open"
	case CodeNotFound:
		return "not_found"
	case CodeValidation:
		return "validation"
	case CodeCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsConfiguration returns true if the error indicates a bad configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
