package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every manager operation either succeeds or returns
// an error wrapping exactly one of these.
var (
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrKernelDead        = errors.New("kernel dead")
	ErrEmbeddingProvider = errors.New("embedding provider error")
	ErrCorruptOffload    = errors.New("corrupt offload")
	ErrStartupScript     = errors.New("startup script error")
	ErrTimeout           = errors.New("timeout")
)

// NotFound wraps a formatted message with ErrNotFound
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// PermissionDenied wraps a formatted message with ErrPermissionDenied
func PermissionDenied(format string, args ...any) error {
	return wrap(ErrPermissionDenied, format, args...)
}

// QuotaExceeded wraps a formatted message with ErrQuotaExceeded
func QuotaExceeded(format string, args ...any) error {
	return wrap(ErrQuotaExceeded, format, args...)
}

// InvalidInput wraps a formatted message with ErrInvalidInput
func InvalidInput(format string, args ...any) error {
	return wrap(ErrInvalidInput, format, args...)
}

// Conflict wraps a formatted message with ErrConflict
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// KernelDead wraps a formatted message with ErrKernelDead
func KernelDead(format string, args ...any) error {
	return wrap(ErrKernelDead, format, args...)
}

// EmbeddingProvider wraps a formatted message with ErrEmbeddingProvider
func EmbeddingProvider(format string, args ...any) error {
	return wrap(ErrEmbeddingProvider, format, args...)
}

// CorruptOffload wraps a formatted message with ErrCorruptOffload
func CorruptOffload(format string, args ...any) error {
	return wrap(ErrCorruptOffload, format, args...)
}

// StartupScript wraps a formatted message with ErrStartupScript
func StartupScript(format string, args ...any) error {
	return wrap(ErrStartupScript, format, args...)
}

// Timeout wraps a formatted message with ErrTimeout
func Timeout(format string, args ...any) error {
	return wrap(ErrTimeout, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Predicates

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsPermissionDenied(err error) bool  { return errors.Is(err, ErrPermissionDenied) }
func IsQuotaExceeded(err error) bool     { return errors.Is(err, ErrQuotaExceeded) }
func IsInvalidInput(err error) bool      { return errors.Is(err, ErrInvalidInput) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsKernelDead(err error) bool        { return errors.Is(err, ErrKernelDead) }
func IsEmbeddingProvider(err error) bool { return errors.Is(err, ErrEmbeddingProvider) }
func IsCorruptOffload(err error) bool    { return errors.Is(err, ErrCorruptOffload) }
func IsStartupScript(err error) bool     { return errors.Is(err, ErrStartupScript) }
func IsTimeout(err error) bool           { return errors.Is(err, ErrTimeout) }

// HTTPStatus maps an error kind to the HTTP status code used by the API surface
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return 200
	case IsNotFound(err):
		return 404
	case IsPermissionDenied(err):
		return 403
	case IsQuotaExceeded(err):
		return 429
	case IsInvalidInput(err):
		return 400
	case IsConflict(err):
		return 409
	case IsTimeout(err):
		return 504
	default:
		return 500
	}
}
