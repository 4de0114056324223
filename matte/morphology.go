package matte

import "image"

// Erode replaces the alpha of every non-transparent pixel with the minimum
// alpha in the (2r+1)² square around it.  It shrinks the mask and removes
// speckle noise.  r <= 0 returns an unmodified copy.
func Erode(src *image.NRGBA, r int) *image.NRGBA {
	in := alphaPlane(src)
	if r <= 0 {
		return in.apply(src)
	}
	return morph(in, r, 0, func(a, b uint8) bool { return b < a }).apply(src)
}

// Dilate replaces the alpha of every non-opaque pixel with the maximum alpha
// in the (2r+1)² square around it.  This is the only dilation primitive in
// the module; the compositor uses it too.
func Dilate(src *image.NRGBA, r int) *image.NRGBA {
	in := alphaPlane(src)
	if r <= 0 {
		return in.apply(src)
	}
	return morph(in, r, 255, func(a, b uint8) bool { return b > a }).apply(src)
}

// morph runs the shared min/max kernel.  Pixels whose alpha equals skip are
// left alone; better reports whether b should replace the running value a.
func morph(in plane, r int, skip uint8, better func(a, b uint8) bool) plane {
	out := in.clone()
	for y := r; y < in.h-r; y++ {
		for x := r; x < in.w-r; x++ {
			v := in.a[y*in.w+x]
			if v == skip {
				continue
			}
			for dy := -r; dy <= r; dy++ {
				row := (y + dy) * in.w
				for dx := -r; dx <= r; dx++ {
					if n := in.a[row+x+dx]; better(v, n) {
						v = n
					}
				}
			}
			out.a[y*in.w+x] = v
		}
	}
	return out
}
