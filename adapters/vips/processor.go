// Package vips is an optional libvips codec backend.  It decodes with EXIF
// auto-rotation and adds a WebP encoder, which the standard library lacks.
// Pixels still travel through the pipeline as *image.NRGBA.
package vips

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/utils"
)

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	DefaultQuality int
	MaxCacheSize   int
	MaxWorkers     int
	ReportLeaks    bool
}

// Backend is a libvips-powered Decoder and Encoder.  Safe for concurrent
// use.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initialises libvips.  Call Shutdown when the process exits.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 92
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources.
func (b *Backend) Shutdown() { govips.Shutdown() }

// ─── Decoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanDecode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatWebP:
		return true
	}
	return false
}

// Decode applies the EXIF orientation, so phone portraits arrive upright,
// then hands the pixels over as NRGBA.
func (b *Backend) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	const op = "vips.decode"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	buf, err := utils.DrainReader(ctx, r, 32*1024)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	raw := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)

	ref, err := govips.NewImageFromBuffer(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	defer ref.Close()

	format := vipsFormatToCore(ref.Format())
	if err := ref.AutoRotate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op+".rotate", err)
	}
	hasAlpha := ref.HasAlpha()

	// PNG is the lossless bridge into Go's image types.
	ep := govips.NewPngExportParams()
	ep.Compression = 0
	ep.StripMetadata = true
	bridge, _, err := ref.ExportPng(ep)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op+".bridge", err)
	}
	img, err := png.Decode(bytes.NewReader(bridge))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op+".bridge", err)
	}

	out := core.WithBuffer(&core.ImageData{Format: format}, core.ToNRGBA(img))
	out.Meta.Format = format
	out.Meta.HasAlpha = hasAlpha
	out.Data = raw
	out.OriginalSize = int64(len(raw))
	return out, nil
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanEncode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatWebP:
		return true
	}
	return false
}

func (b *Backend) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	const op = "vips.encode"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	if img == nil || img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, op, apperrors.ErrEmptyInput)
	}

	var bridge bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.NoCompression}).Encode(&bridge, img.Image); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op+".bridge", err)
	}
	ref, err := govips.NewImageFromBuffer(bridge.Bytes())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op+".bridge", err)
	}
	defer ref.Close()

	quality := opts.Quality
	if quality <= 0 {
		quality = img.Quality
	}
	if quality <= 0 {
		quality = b.cfg.DefaultQuality
	}

	switch img.Format {
	case core.FormatJPEG:
		// JPEG has no alpha; flatten onto the white print background.
		if ref.HasAlpha() {
			if err := ref.Flatten(&govips.Color{R: 255, G: 255, B: 255}); err != nil {
				return nil, apperrors.Wrap(apperrors.CategoryEncode, op+".flatten", err)
			}
		}
		ep := govips.NewJpegExportParams()
		ep.Quality = quality
		ep.StripMetadata = true
		out, _, err := ref.ExportJpeg(ep)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryEncode, op+".jpeg", err)
		}
		return out, nil

	case core.FormatPNG:
		ep := govips.NewPngExportParams()
		ep.StripMetadata = true
		out, _, err := ref.ExportPng(ep)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryEncode, op+".png", err)
		}
		return out, nil

	case core.FormatWebP:
		ep := govips.NewWebpExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Lossless
		ep.StripMetadata = true
		out, _, err := ref.ExportWebp(ep)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryEncode, op+".webp", err)
		}
		return out, nil
	}
	return nil, apperrors.New(apperrors.CategoryEncode, op,
		fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, img.Format))
}

// Register makes the backend the codec for every format it handles.
func Register(reg core.Registry, b *Backend) {
	for _, f := range []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP} {
		reg.RegisterDecoder(f, b)
		reg.RegisterEncoder(f, b)
	}
}

func vipsFormatToCore(f govips.ImageType) core.Format {
	switch f {
	case govips.ImageTypeJPEG:
		return core.FormatJPEG
	case govips.ImageTypePNG:
		return core.FormatPNG
	case govips.ImageTypeWEBP:
		return core.FormatWebP
	default:
		return core.FormatUnknown
	}
}

var (
	_ core.Decoder = (*Backend)(nil)
	_ core.Encoder = (*Backend)(nil)
)
