package matte

import (
	"image"
	"math"
)

// BlurAlpha applies a separable Gaussian (size 2r+1) to alpha only.  sigma
// <= 0 selects r/2.  Taps that fall outside the buffer are dropped without
// renormalising, so alpha fades slightly at the image border.
func BlurAlpha(src *image.NRGBA, r int, sigma float64) *image.NRGBA {
	in := alphaPlane(src)
	if r <= 0 {
		return in.apply(src)
	}
	if sigma <= 0 {
		sigma = float64(r) / 2
	}
	kernel := gaussianKernel(r, sigma)

	// The horizontal pass stores into bytes, which rounds half to even.
	tmp := in.clone()
	for y := 0; y < in.h; y++ {
		row := y * in.w
		for x := 0; x < in.w; x++ {
			var sum float64
			for i, k := range kernel {
				if sx := x + i - r; sx >= 0 && sx < in.w {
					sum += float64(in.a[row+sx]) * k
				}
			}
			tmp.a[row+x] = clampRound(sum, math.RoundToEven)
		}
	}

	out := in.clone()
	for y := 0; y < in.h; y++ {
		for x := 0; x < in.w; x++ {
			var sum float64
			for i, k := range kernel {
				if sy := y + i - r; sy >= 0 && sy < in.h {
					sum += float64(tmp.a[sy*in.w+x]) * k
				}
			}
			out.a[y*in.w+x] = clampRound(sum, roundHalfUp)
		}
	}
	return out.apply(src)
}

func gaussianKernel(r int, sigma float64) []float64 {
	k := make([]float64, 2*r+1)
	var sum float64
	for i := range k {
		x := float64(i - r)
		k[i] = math.Exp(-(x * x) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// Feather attenuates edge-zone pixels (10 < alpha < 240) by up to 30%
// depending on their distance to the nearest solid pixel (alpha >= 240)
// inside a window of radius w.  The falloff follows smoothstep.
func Feather(src *image.NRGBA, w int) *image.NRGBA {
	in := alphaPlane(src)
	if w <= 0 {
		return in.apply(src)
	}
	dist := make([]float64, (2*w+1)*(2*w+1))
	for dy := -w; dy <= w; dy++ {
		for dx := -w; dx <= w; dx++ {
			dist[(dy+w)*(2*w+1)+dx+w] = math.Sqrt(float64(dx*dx + dy*dy))
		}
	}

	out := in.clone()
	fw := float64(w)
	for y := w; y < in.h-w; y++ {
		for x := w; x < in.w-w; x++ {
			a := in.a[y*in.w+x]
			if a <= 10 || a >= 240 {
				continue
			}
			minDist := fw
			for dy := -w; dy <= w; dy++ {
				row := (y + dy) * in.w
				for dx := -w; dx <= w; dx++ {
					if in.a[row+x+dx] >= 240 {
						minDist = math.Min(minDist, dist[(dy+w)*(2*w+1)+dx+w])
					}
				}
			}
			t := math.Min(1, minDist/fw)
			smooth := t * t * (3 - 2*t)
			out.a[y*in.w+x] = clampRound(float64(a)*(1-smooth*0.3), roundHalfUp)
		}
	}
	return out.apply(src)
}

// Bilateral smooths semi-transparent pixels (0 < alpha < 255) with weights
// Gaussian in both spatial distance and alpha difference, within radius
// ceil(2·spatialSigma).  Large alpha steps suppress blending so true edges
// survive.
func Bilateral(src *image.NRGBA, spatialSigma, intensitySigma float64) *image.NRGBA {
	in := alphaPlane(src)
	if spatialSigma <= 0 || intensitySigma <= 0 {
		return in.apply(src)
	}
	r := int(math.Ceil(spatialSigma * 2))
	side := 2*r + 1

	spatial := make([]float64, side*side)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			d := float64(dx*dx + dy*dy)
			spatial[(dy+r)*side+dx+r] = math.Exp(-d / (2 * spatialSigma * spatialSigma))
		}
	}
	var rangeW [256]float64
	for d := range rangeW {
		diff := float64(d)
		rangeW[d] = math.Exp(-(diff * diff) / (2 * intensitySigma * intensitySigma))
	}

	out := in.clone()
	for y := r; y < in.h-r; y++ {
		for x := r; x < in.w-r; x++ {
			c := in.a[y*in.w+x]
			if c == 0 || c == 255 {
				continue
			}
			var totalW, totalA float64
			for dy := -r; dy <= r; dy++ {
				row := (y + dy) * in.w
				for dx := -r; dx <= r; dx++ {
					n := in.a[row+x+dx]
					wgt := spatial[(dy+r)*side+dx+r] * rangeW[absDiff(c, n)]
					totalW += wgt
					totalA += float64(n) * wgt
				}
			}
			out.a[y*in.w+x] = clampRound(totalA/totalW, roundHalfUp)
		}
	}
	return out.apply(src)
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func roundHalfUp(v float64) float64 { return math.Floor(v + 0.5) }

func clampRound(v float64, round func(float64) float64) uint8 {
	v = round(v)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
