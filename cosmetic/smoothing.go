package cosmetic

import (
	"image"
	"math"

	"github.com/Skryldev/idphoto/core"
	"github.com/Skryldev/idphoto/utils"
)

const (
	edgeThreshold = 0.25
	nonSkinWeight = 0.3
)

// isSkin is a per-pixel heuristic over normalised RGB.
func isSkin(r, g, b float64) bool {
	luma := 0.299*r + 0.587*g + 0.114*b
	if luma < 0.1 || luma > 0.95 || r < 0.15 {
		return false
	}
	if g > r*1.1 || b > r*1.2 {
		return false
	}
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	return (hi-lo)/hi <= 0.7
}

// rgbAt reads a clamped pixel as normalised floats.
func rgbAt(src *image.NRGBA, x, y int) (float64, float64, float64) {
	b := src.Rect
	x = min(max(x, 0), b.Dx()-1)
	y = min(max(y, 0), b.Dy()-1)
	i := y*src.Stride + x*4
	return float64(src.Pix[i]) / 255, float64(src.Pix[i+1]) / 255, float64(src.Pix[i+2]) / 255
}

// edgeStrength sums the mean absolute channel difference across the
// horizontal and vertical neighbours.
func edgeStrength(src *image.NRGBA, x, y int) float64 {
	lr, lg, lb := rgbAt(src, x-1, y)
	rr, rg, rb := rgbAt(src, x+1, y)
	ur, ug, ub := rgbAt(src, x, y-1)
	dr, dg, db := rgbAt(src, x, y+1)
	gx := (math.Abs(rr-lr) + math.Abs(rg-lg) + math.Abs(rb-lb)) / 3
	gy := (math.Abs(dr-ur) + math.Abs(dg-ug) + math.Abs(db-ub)) / 3
	return gx + gy
}

// smooth is the skin-smoothing pass: an edge-aware bilateral blur that runs
// at full strength on skin and at 30% elsewhere.  Pixels on a strong edge
// are left alone.  Radius and colour tolerance grow with intensity.
func smooth(src *image.NRGBA, intensity float64) *image.NRGBA {
	out := core.Clone(src)
	if intensity <= 0 {
		return out
	}
	radius := 1 + int(math.Round(intensity/25))
	sigmaS := 3 + intensity*0.1
	sigmaR := 0.1 + intensity*0.005
	side := 2*radius + 1

	spatial := make([]float64, side*side)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			spatial[(dy+radius)*side+dx+radius] = math.Exp(-float64(dx*dx+dy*dy) / (2 * sigmaS * sigmaS))
		}
	}
	rangeDen := 2 * sigmaR * sigmaR

	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if edgeStrength(src, x, y) > edgeThreshold {
				continue
			}
			cr, cg, cb := rgbAt(src, x, y)
			var sr, sg, sb, ws float64
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					nr, ng, nb := rgbAt(src, x+dx, y+dy)
					d2 := (nr-cr)*(nr-cr) + (ng-cg)*(ng-cg) + (nb-cb)*(nb-cb)
					wt := spatial[(dy+radius)*side+dx+radius] * math.Exp(-d2/rangeDen)
					sr += nr * wt
					sg += ng * wt
					sb += nb * wt
					ws += wt
				}
			}
			fr, fg, fb := sr/ws, sg/ws, sb/ws
			if !isSkin(cr, cg, cb) {
				fr = cr + (fr-cr)*nonSkinWeight
				fg = cg + (fg-cg)*nonSkinWeight
				fb = cb + (fb-cb)*nonSkinWeight
			}
			i := y*out.Stride + x*4
			out.Pix[i] = toByte(fr)
			out.Pix[i+1] = toByte(fg)
			out.Pix[i+2] = toByte(fb)
		}
	}
	return out
}

func toByte(v float64) uint8 { return utils.ClampByte(v * 255) }
