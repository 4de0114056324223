// Package encoder provides the export encoders: lossy JPEG for finished
// photos, lossless PNG for masks and cutouts.
package encoder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// JPEG encodes images to JPEG.  Transparent pixels are flattened onto Matte
// since JPEG has no alpha channel.
type JPEG struct {
	DefaultQuality int // used when EncodeOptions.Quality == 0
	Matte          color.Color
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 92
	}
	return &JPEG{DefaultQuality: defaultQuality, Matte: color.White}
}

func (j *JPEG) CanEncode(format core.Format) bool { return format == core.FormatJPEG }

func (j *JPEG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}
	if img == nil || img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, "jpeg.encode", apperrors.ErrEmptyInput)
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = img.Quality
	}
	if quality <= 0 {
		quality = j.DefaultQuality
	}

	b := img.Image.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: j.Matte}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img.Image, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}
	return buf.Bytes(), nil
}
