// Package canvas draws the aligned source onto the print canvas.
package canvas

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/gogpu/gg"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
)

// SetLogger routes the drawing library's diagnostics through l.
func SetLogger(l *slog.Logger) { gg.SetLogger(l) }

// Render paints src at (t.X, t.Y) scaled by t.Scale onto a white canvas of
// t.CanvasW×t.CanvasH.  Everything outside the canvas is cropped.
func Render(src image.Image, t geometry.Transform) (*image.NRGBA, error) {
	const op = "canvas.render"
	if src == nil || src.Bounds().Empty() {
		return nil, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}
	if t.CanvasW <= 0 || t.CanvasH <= 0 || t.Scale <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("%w: canvas %dx%d scale %.3f", apperrors.ErrInvalidDimensions, t.CanvasW, t.CanvasH, t.Scale))
	}

	dc := gg.NewContext(t.CanvasW, t.CanvasH)
	defer dc.Close()
	dc.ClearWithColor(gg.White)

	b := src.Bounds()
	dc.DrawImageEx(gg.ImageBufFromImage(src), gg.DrawImageOptions{
		X:             t.X,
		Y:             t.Y,
		DstWidth:      float64(b.Dx()) * t.Scale,
		DstHeight:     float64(b.Dy()) * t.Scale,
		Interpolation: gg.InterpBilinear,
		Opacity:       1,
		BlendMode:     gg.BlendNormal,
	})
	return core.ToNRGBA(dc.Image()), nil
}
