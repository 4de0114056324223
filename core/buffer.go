package core

import (
	"image"
	"image/draw"

	apperrors "github.com/Skryldev/idphoto/errors"
)

// NewBuffer allocates a transparent w×h RGBA buffer at the origin.
func NewBuffer(w, h int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}

// NewMask allocates an alpha mask: opaque-white RGB, alpha from fill.
func NewMask(w, h int, fill uint8) *image.NRGBA {
	m := NewBuffer(w, h)
	for i := 0; i < len(m.Pix); i += 4 {
		m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3] = 255, 255, 255, fill
	}
	return m
}

// ToNRGBA returns a fresh *image.NRGBA copy of img rebased at the origin.
// The result never aliases img.
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := NewBuffer(b.Dx(), b.Dy())
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()*4], src.Pix[si:si+b.Dx()*4])
		}
		return dst
	}
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Clone copies a buffer.
func Clone(src *image.NRGBA) *image.NRGBA { return ToNRGBA(src) }

// BufferOf extracts the pixel buffer from img, converting when the decoder
// produced something other than *image.NRGBA.
func BufferOf(op string, img *ImageData) (*image.NRGBA, error) {
	if img == nil || img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrEmptyInput)
	}
	if n, ok := img.Image.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n, nil
	}
	return ToNRGBA(img.Image), nil
}

// SameSize fails with a contract error when a and b differ in size.
func SameSize(op string, a, b image.Image) error {
	if a.Bounds().Size() != b.Bounds().Size() {
		return apperrors.Contract(op, "%v vs %v", a.Bounds().Size(), b.Bounds().Size())
	}
	return nil
}

// WithBuffer returns a copy of img carrying buf as its pixel data.
func WithBuffer(img *ImageData, buf *image.NRGBA) *ImageData {
	out := *img
	out.Image = buf
	out.Meta.Width = buf.Rect.Dx()
	out.Meta.Height = buf.Rect.Dy()
	out.Meta.HasAlpha = true
	return &out
}
