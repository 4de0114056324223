// Package matte refines a rough foreground mask into a soft alpha matte.
//
// Every function reads only the alpha channel of its input and returns a new
// buffer whose RGB channels are copied through unchanged.  Inputs are never
// modified.  Neighbourhood operations leave a border as wide as their radius
// untouched.
package matte

import (
	"image"

	"github.com/Skryldev/idphoto/core"
)

// plane is a dense alpha channel, row-major.
type plane struct {
	w, h int
	a    []uint8
}

func alphaPlane(src *image.NRGBA) plane {
	b := src.Bounds()
	p := plane{w: b.Dx(), h: b.Dy(), a: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		row := src.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < p.w; x++ {
			p.a[y*p.w+x] = src.Pix[row+x*4+3]
		}
	}
	return p
}

func (p plane) clone() plane {
	c := plane{w: p.w, h: p.h, a: make([]uint8, len(p.a))}
	copy(c.a, p.a)
	return c
}

// apply returns a copy of src with its alpha replaced by p.
func (p plane) apply(src *image.NRGBA) *image.NRGBA {
	out := core.ToNRGBA(src)
	for i, v := range p.a {
		out.Pix[i*4+3] = v
	}
	return out
}

// Alpha returns the alpha value at (x, y) of a buffer produced by this
// package.  Out-of-range coordinates read as 0.
func Alpha(img *image.NRGBA, x, y int) uint8 {
	if !(image.Point{X: x, Y: y}.In(img.Rect)) {
		return 0
	}
	return img.Pix[img.PixOffset(x, y)+3]
}
