// Package decoder provides format-specific image decoders.  Every decoder
// normalises its output to *image.NRGBA so pixel stages can index Pix
// directly.
package decoder

import (
	"context"
	"image"
	"image/jpeg"
	"io"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// JPEG decodes JPEG images using the standard library.
type JPEG struct{}

// NewJPEG returns an initialised JPEG decoder.
func NewJPEG() *JPEG { return &JPEG{} }

func (j *JPEG) CanDecode(format core.Format) bool {
	return format == core.FormatJPEG || format == core.FormatUnknown
}

func (j *JPEG) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "jpeg.decode", err)
	}
	img, err := jpeg.Decode(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "jpeg.decode", err)
	}
	return newImageData(img, core.FormatJPEG), nil
}

func newImageData(img image.Image, format core.Format) *core.ImageData {
	buf := core.ToNRGBA(img)
	return &core.ImageData{
		Image:  buf,
		Format: format,
		Meta: core.Metadata{
			Width:    buf.Rect.Dx(),
			Height:   buf.Rect.Dy(),
			Format:   format,
			HasAlpha: hasAlpha(img),
		},
	}
}

func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64, *image.Paletted:
		return true
	}
	return false
}
