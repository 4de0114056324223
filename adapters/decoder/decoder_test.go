package decoder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

func TestPNGDecodesToNRGBA(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	src.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	img, err := NewPNG().Decode(context.Background(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	nrgba, ok := img.Image.(*image.NRGBA)
	if !ok {
		t.Fatalf("decoded %T, want *image.NRGBA", img.Image)
	}
	if img.Meta.Width != 6 || img.Meta.Height != 4 || !img.Meta.HasAlpha || img.Format != core.FormatPNG {
		t.Errorf("meta = %+v", img.Meta)
	}
	if got := nrgba.NRGBAAt(1, 1); got != (color.NRGBA{R: 10, G: 20, B: 30, A: 128}) {
		t.Errorf("pixel = %v", got)
	}
}

func TestJPEGDecodesOpaque(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 5, 3)), nil); err != nil {
		t.Fatal(err)
	}
	img, err := NewJPEG().Decode(context.Background(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if img.Meta.HasAlpha || img.Meta.Width != 5 || img.Image.Bounds().Min != (image.Point{}) {
		t.Errorf("meta = %+v bounds = %v", img.Meta, img.Image.Bounds())
	}
}

func TestGarbageIsDecodeError(t *testing.T) {
	decoders := map[string]core.Decoder{"jpeg": NewJPEG(), "png": NewPNG(), "webp": NewWebP()}
	for name, dec := range decoders {
		_, err := dec.Decode(context.Background(), bytes.NewReader([]byte("not an image")))
		if !apperrors.IsCategory(err, apperrors.CategoryDecode) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}
