package core

import (
	"context"
	"image"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatUnknown Format = "unknown"
)

// Metadata holds image information gathered at decode time.
type Metadata struct {
	Width     int
	Height    int
	Format    Format
	HasAlpha  bool
	SizeBytes int64
}

// ImageData is the value handed from stage to stage.
//
// Data holds encoded bytes (raw upload or export); Image holds the decoded
// pixel buffer, always an *image.NRGBA once a decode step has run.  A stage
// that returns an ImageData hands ownership to the caller and must not touch
// the buffer again.
type ImageData struct {
	Data   []byte
	Format Format

	Image image.Image

	Meta Metadata

	// Size of the original raw input.
	OriginalSize int64

	// Quality is consumed by the encode step; 0 selects the encoder default.
	Quality int

	// Warnings collects non-fatal degraded-confidence signals raised by
	// stages (estimated landmarks, implausible scale).
	Warnings []string
}

// Warn returns a copy of img with msg appended to its warnings.
func (img *ImageData) Warn(msg string) *ImageData {
	out := *img
	out.Warnings = append(append([]string(nil), img.Warnings...), msg)
	return &out
}

// ProcessingResult is returned to the caller after the full pipeline completes.
type ProcessingResult struct {
	Primary *ImageData

	ProcessingTime time.Duration
	StepTimings    map[string]time.Duration
}

// Job is one background run of Steps over Input.  An accepted job always
// delivers exactly one JobResult, even when the pool stops first.
type Job struct {
	ID    string
	Ctx   context.Context //nolint:containedctx // carried to the worker
	Input *ImageData
	Steps []Step
	// ResultCh receives the outcome; it should be buffered.  nil means
	// fire-and-forget.
	ResultCh chan<- JobResult
}

// JobResult wraps the outcome of an async job.
type JobResult struct {
	JobID  string
	Result *ProcessingResult
	Err    error
}

// Step is the fundamental pipeline building block.  Each Step transforms an
// *ImageData value and must be safe for concurrent use across goroutines.
type Step interface {
	Name() string
	Execute(ctx context.Context, img *ImageData) (*ImageData, error)
}

// Hook is an optional observer invoked around pipeline steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, img *ImageData)
	AfterStep(ctx context.Context, stepName string, img *ImageData, d time.Duration, err error)
}

// StorageKey uniquely identifies a stored image.
type StorageKey struct {
	Bucket string
	Path   string
}
