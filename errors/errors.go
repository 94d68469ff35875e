package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/go-utils/errs"
)

// Error code constants for structured errors.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeFetchFailed      = "FETCH_FAILED"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeSessionDisposed  = "SESSION_DISPOSED"
	CodeTimeoutError     = "TIMEOUT_ERROR"
)

// ChatError represents a structured error with a code.
type ChatError = errs.Error

// ErrUnauthenticated is returned when the token provider has no credential.
func ErrUnauthenticated(operation string) *ChatError {
	return errs.NewError(CodeUnauthenticated, "not authenticated: "+operation, nil)
}

// ErrNotConnected is returned by outbound actions without a live connection.
func ErrNotConnected(operation string) *ChatError {
	return errs.NewError(CodeNotConnected, "not connected: "+operation, nil)
}

// ErrConnectionFailed wraps a transport that gave up or was torn down.
func ErrConnectionFailed(reason string, cause error) *ChatError {
	return errs.NewError(CodeConnectionFailed, "connection failed: "+reason, cause)
}

// ErrFetchFailed wraps a history request failure.
func ErrFetchFailed(operation string, cause error) *ChatError {
	return errs.NewError(CodeFetchFailed, "fetch failed during "+operation, cause)
}

func ErrInvalidConfig(configKey string, cause error) *ChatError {
	return errs.NewError(CodeInvalidConfig, "invalid configuration for key '"+configKey+"'", cause)
}

func ErrSessionDisposed(operation string) *ChatError {
	return errs.NewError(CodeSessionDisposed, "session disposed before "+operation, nil)
}

func ErrTimeoutError(operation string, timeout time.Duration) *ChatError {
	return errs.NewError(CodeTimeoutError, "timeout during "+operation+" after "+timeout.String(), nil)
}

// Sentinel errors that can be used with errors.Is comparisons.
var (
	ErrUnauthenticatedSentinel  = &ChatError{Code: CodeUnauthenticated}
	ErrNotConnectedSentinel     = &ChatError{Code: CodeNotConnected}
	ErrConnectionFailedSentinel = &ChatError{Code: CodeConnectionFailed}
	ErrFetchFailedSentinel      = &ChatError{Code: CodeFetchFailed}
	ErrInvalidConfigSentinel    = &ChatError{Code: CodeInvalidConfig}
	ErrSessionDisposedSentinel  = &ChatError{Code: CodeSessionDisposed}
	ErrTimeoutErrorSentinel     = &ChatError{Code: CodeTimeoutError}
)

// FetchError describes a failed history request in user-facing terms.
type FetchError struct {
	Op      string // "initial", "older", "page"
	Status  int    // HTTP status, 0 when the request never completed
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}

	return e.Op + ": " + e.Message
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsUnauthenticated checks if the error is an unauthenticated error.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticatedSentinel)
}

// IsNotConnected checks if the error is a not connected error.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnectedSentinel)
}

// IsConnectionFailed checks if the error is a connection failure.
func IsConnectionFailed(err error) bool {
	return errors.Is(err, ErrConnectionFailedSentinel)
}

// IsFetchFailed checks if the error is a history fetch failure.
func IsFetchFailed(err error) bool {
	return errors.Is(err, ErrFetchFailedSentinel)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfigSentinel)
}

func IsSessionDisposed(err error) bool {
	return errors.Is(err, ErrSessionDisposedSentinel)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeoutErrorSentinel)
}

// UserMessage returns the human readable text for err, preferring the
// FetchError message when one is in the chain.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Message
	}

	switch {
	case IsUnauthenticated(err):
		return "Not authenticated"
	case IsNotConnected(err):
		return "Not connected"
	}

	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
