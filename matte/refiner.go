package matte

import (
	"image"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// Options selects and tunes the refiner stages.  Stages run in declaration
// order: erosion, dilation, blur, feathering, bilateral.
type Options struct {
	Erosion       bool
	ErosionRadius int

	Dilation       bool
	DilationRadius int

	Blur       bool
	BlurRadius int
	BlurSigma  float64 // 0 = BlurRadius/2

	Feathering   bool
	FeatherWidth int

	BilateralFilter    bool
	BilateralSpatial   float64
	BilateralIntensity float64
}

// Full is the export profile: every stage enabled.  Erosion 1 with dilation 2
// nets a slight expansion, which compensates for cutouts that clip hair.
func Full() Options {
	return Options{
		Erosion: true, ErosionRadius: 1,
		Dilation: true, DilationRadius: 2,
		Blur: true, BlurRadius: 2,
		Feathering: true, FeatherWidth: 4,
		BilateralFilter: true, BilateralSpatial: 2, BilateralIntensity: 30,
	}
}

// Quick is the low-latency preview profile: light dilation and blur only.
func Quick() Options {
	return Options{
		Dilation: true, DilationRadius: 1,
		Blur: true, BlurRadius: 2, BlurSigma: 0.75,
	}
}

// Refine runs the enabled stages over src and returns a new buffer.
func Refine(src image.Image, opts Options) (*image.NRGBA, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, apperrors.New(apperrors.CategoryInput, "matte.refine", apperrors.ErrEmptyInput)
	}
	buf := core.ToNRGBA(src)
	if opts.Erosion {
		buf = Erode(buf, opts.ErosionRadius)
	}
	if opts.Dilation {
		buf = Dilate(buf, opts.DilationRadius)
	}
	if opts.Blur {
		buf = BlurAlpha(buf, opts.BlurRadius, opts.BlurSigma)
	}
	if opts.Feathering {
		buf = Feather(buf, opts.FeatherWidth)
	}
	if opts.BilateralFilter {
		buf = Bilateral(buf, opts.BilateralSpatial, opts.BilateralIntensity)
	}
	return buf, nil
}

// ApplyMask multiplies the alpha of img by the alpha of mask (destination-in)
// and returns a new buffer.  Mismatched sizes are a contract error.
func ApplyMask(img, mask *image.NRGBA) (*image.NRGBA, error) {
	if err := core.SameSize("matte.apply_mask", img, mask); err != nil {
		return nil, err
	}
	out := core.ToNRGBA(img)
	m := alphaPlane(mask)
	for i, a := range m.a {
		p := i*4 + 3
		out.Pix[p] = uint8((int(out.Pix[p])*int(a) + 127) / 255)
	}
	return out, nil
}
