package core

import (
	"context"
	"io"
	"time"
)

// Decoder converts raw bytes into an ImageData whose Image is an
// *image.NRGBA.  Implementations live in adapters/decoder/ and adapters/vips/.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader) (*ImageData, error)
	CanDecode(format Format) bool
}

// Encoder serialises an ImageData to bytes in a target format.
type Encoder interface {
	Encode(ctx context.Context, img *ImageData, opts EncodeOptions) ([]byte, error)
	CanEncode(format Format) bool
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality  int  // 1-100; 0 = use encoder default
	Lossless bool // masks and mattes are always exported lossless
}

// StorageAdapter persists exported images.
type StorageAdapter interface {
	Put(ctx context.Context, key StorageKey, r io.Reader, meta map[string]string) error
	Get(ctx context.Context, key StorageKey) (io.ReadCloser, error)
	Delete(ctx context.Context, key StorageKey) error
	Exists(ctx context.Context, key StorageKey) (bool, error)
}

// MetricsCollector receives performance observations from the pipeline.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d time.Duration)
	RecordError(stepName string, category string)
	// RecordFallback counts a stage that degraded to a prior-stage result.
	RecordFallback(component string, reason string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Registry maps Format values to Decoder/Encoder implementations.
type Registry interface {
	DecoderFor(format Format) (Decoder, bool)
	EncoderFor(format Format) (Encoder, bool)
	RegisterDecoder(format Format, d Decoder)
	RegisterEncoder(format Format, e Encoder)
}

// NopLogger discards everything.  Components default to it so a nil logger
// never has to be checked at call sites.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
