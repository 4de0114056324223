package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/utils"
)

// DefaultRegistry is a thread-safe implementation of Registry.
type DefaultRegistry struct {
	mu       sync.RWMutex
	decoders map[Format]Decoder
	encoders map[Format]Encoder
}

// NewRegistry returns an empty DefaultRegistry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		decoders: make(map[Format]Decoder),
		encoders: make(map[Format]Encoder),
	}
}

func (r *DefaultRegistry) RegisterDecoder(f Format, d Decoder) {
	r.mu.Lock()
	r.decoders[f] = d
	r.mu.Unlock()
}

func (r *DefaultRegistry) RegisterEncoder(f Format, e Encoder) {
	r.mu.Lock()
	r.encoders[f] = e
	r.mu.Unlock()
}

func (r *DefaultRegistry) DecoderFor(f Format) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[f]
	return d, ok
}

func (r *DefaultRegistry) EncoderFor(f Format) (Encoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.encoders[f]
	return e, ok
}

// DecodeBytes sniffs raw, picks a decoder and returns the decoded image.
// Undecodable input is an input error: no partial pipeline runs on it.
func DecodeBytes(ctx context.Context, reg Registry, raw []byte) (*ImageData, error) {
	if len(raw) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "decode", apperrors.ErrEmptyInput)
	}
	format := Format(utils.DetectFormat(raw))
	dec, ok := reg.DecoderFor(format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryInput, "decode",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}
	img, err := dec.Decode(ctx, bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "decode", err)
	}
	img.Data = raw
	img.OriginalSize = int64(len(raw))
	img.Meta.SizeBytes = int64(len(raw))
	return img, nil
}

// EncodeImage encodes img in format using the registry.
func EncodeImage(ctx context.Context, reg Registry, img *ImageData, format Format, opts EncodeOptions) ([]byte, error) {
	enc, ok := reg.EncoderFor(format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, "encode",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}
	out := *img
	out.Format = format
	return enc.Encode(ctx, &out, opts)
}
