// Package hairmask turns raw person-segmentation output into an alpha mask
// that the compositor uses to recover hair detail.
package hairmask

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// FrameSize is the square model resolution.  Segmentation always runs at this
// size; upscaling to the export resolution happens downstream.
const FrameSize = 256

// Segmentation is a single-channel person likelihood, row-major.
type Segmentation struct {
	W, H   int
	Values []uint8
}

// Extract builds a mask whose RGB is white and whose alpha is the likelihood.
func Extract(seg Segmentation) (*image.NRGBA, error) {
	const op = "hairmask.extract"
	if seg.W <= 0 || seg.H <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrInvalidDimensions)
	}
	if len(seg.Values) != seg.W*seg.H {
		return nil, apperrors.Contract(op, "%d values for %dx%d frame", len(seg.Values), seg.W, seg.H)
	}
	m := core.NewMask(seg.W, seg.H, 0)
	for i, v := range seg.Values {
		m.Pix[i*4+3] = v
	}
	return m, nil
}

// Downsample squashes img into the FrameSize×FrameSize model frame.
func Downsample(img image.Image) *image.NRGBA {
	dst := core.NewBuffer(FrameSize, FrameSize)
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Upscale resizes mask to w×h bilinearly and then applies the three-stage
// ramp: alpha below 100 is cut to 0, above 200 becomes 255, and the band in
// between is stretched linearly.  Only the solid core of the segmentation
// survives, which keeps background fog out of the hair edge.
func Upscale(mask image.Image, w, h int) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "hairmask.upscale",
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, w, h))
	}
	dst := core.NewBuffer(w, h)
	draw.BiLinear.Scale(dst, dst.Bounds(), mask, mask.Bounds(), draw.Src, nil)
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = 255, 255, 255
		dst.Pix[i+3] = ramp(dst.Pix[i+3])
	}
	return dst, nil
}

func ramp(a uint8) uint8 {
	switch {
	case a < 100:
		return 0
	case a > 200:
		return 255
	}
	return uint8(math.RoundToEven(float64(a-100) * 2.55))
}

// Cutout colours mask with src (source-in): the result carries src's RGB and
// alpha = src alpha × mask alpha.  src is resampled to the mask size.
func Cutout(mask *image.NRGBA, src image.Image) *image.NRGBA {
	b := mask.Bounds()
	out := core.NewBuffer(b.Dx(), b.Dy())
	draw.BiLinear.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)
	for y := 0; y < b.Dy(); y++ {
		mi := mask.PixOffset(b.Min.X, b.Min.Y+y)
		oi := out.PixOffset(0, y)
		for x := 0; x < b.Dx(); x++ {
			p := oi + x*4 + 3
			out.Pix[p] = uint8((int(out.Pix[p])*int(mask.Pix[mi+x*4+3]) + 127) / 255)
		}
	}
	return out
}

// TopRow returns the first row of mask holding a pixel with alpha above
// threshold.  The editor uses it as the hairline.
func TopRow(mask *image.NRGBA, threshold uint8) (int, bool) {
	b := mask.Rect
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := mask.Pix[mask.PixOffset(b.Min.X, y):]
		for i := 3; i < b.Dx()*4; i += 4 {
			if row[i] > threshold {
				return y - b.Min.Y, true
			}
		}
	}
	return 0, false
}
