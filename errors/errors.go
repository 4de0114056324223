package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryDecode    Category = "decode"
	CategoryEncode    Category = "encode"
	CategoryPipeline  Category = "pipeline"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryInput     Category = "input"

	// CategoryDegraded marks results that were produced from fallback values
	// (implausible geometry, estimated landmarks).  Never fatal.
	CategoryDegraded Category = "degraded"
	// CategoryExternal covers remote services and the segmentation model.
	CategoryExternal Category = "external"
	// CategoryBackend is reported at initialisation when the preferred
	// rendering backend is missing.
	CategoryBackend Category = "backend"
	// CategoryContract signals a programming error such as mismatched
	// buffer dimensions.
	CategoryContract Category = "contract"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// Contract reports a violated precondition between pipeline stages.
func Contract(op string, format string, args ...any) *ProcessingError {
	return New(CategoryContract, op, fmt.Errorf("%w: "+format, append([]any{ErrDimensionMismatch}, args...)...))
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// CategoryOf returns the category of err, or "" when err is not a
// ProcessingError.
func CategoryOf(err error) Category {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat       = errors.New("unsupported image format")
	ErrInvalidDimensions       = errors.New("invalid dimensions")
	ErrDimensionMismatch       = errors.New("buffer dimensions mismatch")
	ErrEmptyInput              = errors.New("empty input")
	ErrMissingLandmarks        = errors.New("required landmarks missing")
	ErrNotInitialized          = errors.New("renderer not initialized")
	ErrBackendUnavailable      = errors.New("preferred rendering backend unavailable")
	ErrSegmentationUnavailable = errors.New("segmentation model unavailable")
	ErrServiceUnavailable      = errors.New("remote service unavailable")
	ErrWorkerPoolFull          = errors.New("worker pool queue full")
	ErrStorageUnavailable      = errors.New("storage unavailable")
	ErrSessionNotFound         = errors.New("session not found")
)
