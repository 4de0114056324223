package cosmetic

import (
	"image"
	"math"

	"github.com/Skryldev/idphoto/core"
)

// magnify redraws the square around (cx, cy) scaled by scale about its own
// centre, clipped to a circle of the given radius.  It reads from frame and
// returns a new buffer.
func magnify(frame *image.NRGBA, cx, cy, radius, scale float64) *image.NRGBA {
	out := core.Clone(frame)
	if scale <= 1 || radius <= 0 {
		return out
	}
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	r := math.Ceil(radius)
	x0 := math.Max(0, math.Floor(cx-r))
	y0 := math.Max(0, math.Floor(cy-r))
	size := 2 * r
	off := size * (scale - 1) / 2

	// Sampling stays inside the captured square.
	minX, minY := int(x0), int(y0)
	maxX := min(int(x0+size), w) - 1
	maxY := min(int(y0+size), h) - 1
	if maxX < minX || maxY < minY {
		return out
	}

	px0 := max(0, int(math.Floor(cx-radius)))
	py0 := max(0, int(math.Floor(cy-radius)))
	px1 := min(w-1, int(math.Ceil(cx+radius)))
	py1 := min(h-1, int(math.Ceil(cy+radius)))
	for py := py0; py <= py1; py++ {
		for px := px0; px <= px1; px++ {
			fx, fy := float64(px)+0.5, float64(py)+0.5
			if math.Hypot(fx-cx, fy-cy) > radius {
				continue
			}
			sx := x0 + (fx-(x0-off))/scale - 0.5
			sy := y0 + (fy-(y0-off))/scale - 0.5
			i := py*out.Stride + px*4
			bilinear(frame, sx, sy, minX, minY, maxX, maxY, out.Pix[i:i+4])
		}
	}
	return out
}

// bilinear samples frame at (x, y), clamping to the given pixel box, and
// writes the four channels into dst.
func bilinear(frame *image.NRGBA, x, y float64, minX, minY, maxX, maxY int, dst []uint8) {
	x = math.Min(math.Max(x, float64(minX)), float64(maxX))
	y = math.Min(math.Max(y, float64(minY)), float64(maxY))
	ix, iy := int(x), int(y)
	jx, jy := min(ix+1, maxX), min(iy+1, maxY)
	tx, ty := x-float64(ix), y-float64(iy)

	p00 := iy*frame.Stride + ix*4
	p10 := iy*frame.Stride + jx*4
	p01 := jy*frame.Stride + ix*4
	p11 := jy*frame.Stride + jx*4
	for c := 0; c < 4; c++ {
		top := float64(frame.Pix[p00+c])*(1-tx) + float64(frame.Pix[p10+c])*tx
		bot := float64(frame.Pix[p01+c])*(1-tx) + float64(frame.Pix[p11+c])*tx
		dst[c] = uint8(math.Round(top*(1-ty) + bot*ty))
	}
}

const (
	blemishRadius = 12
	blemishBlur   = 4
)

// removeBlemish blends a box-blurred copy of the 24×24 patch around p back
// in, strongest at the centre with (1-d/r)² falloff.  Patches that would
// cross the right or bottom edge are skipped.
func removeBlemish(frame *image.NRGBA, p Point) *image.NRGBA {
	out := core.Clone(frame)
	const size = blemishRadius * 2
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	x0 := max(0, int(math.Floor(p.X-blemishRadius)))
	y0 := max(0, int(math.Floor(p.Y-blemishRadius)))
	if x0+size > w || y0+size > h {
		return out
	}

	for py := 0; py < size; py++ {
		for px := 0; px < size; px++ {
			dx, dy := float64(px-blemishRadius), float64(py-blemishRadius)
			d := math.Hypot(dx, dy)
			if d >= blemishRadius {
				continue
			}
			blend := math.Pow(1-d/blemishRadius, 2)

			var sum [3]float64
			count := 0
			for by := max(0, py-blemishBlur); by <= min(size-1, py+blemishBlur); by++ {
				for bx := max(0, px-blemishBlur); bx <= min(size-1, px+blemishBlur); bx++ {
					j := (y0+by)*frame.Stride + (x0+bx)*4
					sum[0] += float64(frame.Pix[j])
					sum[1] += float64(frame.Pix[j+1])
					sum[2] += float64(frame.Pix[j+2])
					count++
				}
			}
			i := (y0+py)*out.Stride + (x0+px)*4
			for c := 0; c < 3; c++ {
				v := float64(frame.Pix[i+c])*(1-blend) + sum[c]/float64(count)*blend
				out.Pix[i+c] = uint8(math.Round(math.Min(v, 255)))
			}
		}
	}
	return out
}
