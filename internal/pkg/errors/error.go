package xerrors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource was modified concurrently")
	ErrInternal       = errors.New("internal server error")
	ErrDuplicateEntry = errors.New("duplicate entry")
	ErrUnsupported    = errors.New("operation not supported")
)

// Billing taxonomy
var (
	// ErrTransientProvider marks provider failures worth retrying later
	// (timeouts, connection errors, 5xx, 429).
	ErrTransientProvider = errors.New("transient provider error")
	// ErrPermanentProvider marks provider 4xx responses. Never retried.
	ErrPermanentProvider = errors.New("permanent provider error")
	// ErrResolutionMiss means no subscription matched a webhook. Not a failure.
	ErrResolutionMiss = errors.New("no subscription matched event")
	// ErrDuplicateEvent means the transaction was already recorded.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// ProviderError is returned by provider adapters for any failed remote call.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies a failed provider call by status code and
// marks it with ErrTransientProvider or ErrPermanentProvider. A zero status
// code means the request never got a response.
func NewProviderError(provider, op string, statusCode int, body string, cause error) error {
	if cause == nil {
		cause = errors.Newf("unexpected status %d", statusCode)
	}
	pe := &ProviderError{
		Provider:   provider,
		Op:         op,
		StatusCode: statusCode,
		Body:       body,
		Err:        cause,
	}
	if isTransientStatus(statusCode) {
		return errors.Mark(pe, ErrTransientProvider)
	}
	return errors.Mark(pe, ErrPermanentProvider)
}

func isTransientStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientProvider)
}

// StatusCode returns the provider HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

// HTTPStatus maps an error to the status code a synchronous API should answer.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ErrTransientProvider):
		return http.StatusBadGateway
	case errors.Is(err, ErrPermanentProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Wrap adds context to an error while keeping it matchable with Is.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, message)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Mark attaches a sentinel to err so that Is(err, mark) holds.
func Mark(err error, mark error) error {
	return errors.Mark(err, mark)
}

// Unwrap extracts the underlying wrapped error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
