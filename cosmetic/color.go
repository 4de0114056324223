package cosmetic

import (
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/Skryldev/idphoto/core"
)

const (
	maxLipBlend   = 0.5
	maxBlushBlend = 0.35
)

// tone applies brightness and contrast around mid-grey, then blends the lip
// and blush tints with distance falloff.  Every channel is clamped.
func tone(src *image.NRGBA, p Params, a anchors) *image.NRGBA {
	out := core.Clone(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	brightness := p.Brightness / 100
	contrast := 1 + p.Contrast/100
	lip, blush := p.LipColor.colorful(), p.BlushColor.colorful()
	lipStrength := p.LipIntensity / 100 * maxLipBlend
	blushStrength := p.BlushIntensity / 100 * maxBlushBlend

	for y := 0; y < h; y++ {
		v := (float64(y) + 0.5) / float64(h)
		for x := 0; x < w; x++ {
			u := (float64(x) + 0.5) / float64(w)
			i := y*out.Stride + x*4
			c := colorful.Color{
				R: (float64(src.Pix[i])/255-0.5)*contrast + 0.5 + brightness,
				G: (float64(src.Pix[i+1])/255-0.5)*contrast + 0.5 + brightness,
				B: (float64(src.Pix[i+2])/255-0.5)*contrast + 0.5 + brightness,
			}

			if lipStrength > 0 {
				d := math.Hypot((u-a.lip.cx)/a.lip.sx, (v-a.lip.cy)/a.lip.sy)
				if d < 1 {
					c = c.BlendRgb(lip, (1-d)*lipStrength)
				}
			}
			if blushStrength > 0 {
				for _, b := range a.blush {
					d := math.Hypot(u-b.cx, v-b.cy) / b.r
					if d < 1 {
						c = c.BlendRgb(blush, math.Pow(1-d, 1.5)*blushStrength)
					}
				}
			}

			out.Pix[i] = toByte(c.R)
			out.Pix[i+1] = toByte(c.G)
			out.Pix[i+2] = toByte(c.B)
		}
	}
	return out
}
