package cosmetic

import (
	"math"

	"github.com/Skryldev/idphoto/geometry"
)

// ellipse and circle are in normalised [0,1] frame coordinates.
type ellipse struct{ cx, cy, sx, sy float64 }
type circle struct{ cx, cy, r float64 }

// anchors positions every tint and warp.
type anchors struct {
	lip          ellipse
	blush        [2]circle
	eyes         [2]geometry.Point // pixels
	eyeRadius    float64           // pixels
	fromDetected bool
}

// defaultAnchors places features where a centred ID photo has them.
func defaultAnchors(w, h int) anchors {
	fw, fh := float64(w), float64(h)
	return anchors{
		lip:       ellipse{cx: 0.5, cy: 0.42, sx: 0.15, sy: 0.05},
		blush:     [2]circle{{0.35, 0.48, 0.08}, {0.65, 0.48, 0.08}},
		eyes:      [2]geometry.Point{{X: fw * 0.35, Y: fh * 0.35}, {X: fw * 0.65, Y: fh * 0.35}},
		eyeRadius: fw * 0.08,
	}
}

// anchorsFor derives anchors from detected landmarks and falls back to the
// defaults for anything missing.  Estimated landmarks are ignored.
func anchorsFor(lm geometry.Provider, w, h int) anchors {
	a := defaultAnchors(w, h)
	if lm == nil || lm.Kind() != geometry.KindDetected {
		return a
	}
	fw, fh := float64(w), float64(h)

	pl, okL := lm.Point(geometry.PupilLeft)
	pr, okR := lm.Point(geometry.PupilRight)
	if okL && okR {
		a.eyes = [2]geometry.Point{pl, pr}
		a.eyeRadius = math.Abs(pr.X-pl.X) * 0.18
		a.fromDetected = true

		cheekY := a.blush[0].cy
		if nose, ok := lm.Point(geometry.NoseTip); ok {
			cheekY = nose.Y / fh
		}
		a.blush[0] = circle{cx: pl.X / fw, cy: cheekY, r: a.blush[0].r}
		a.blush[1] = circle{cx: pr.X / fw, cy: cheekY, r: a.blush[1].r}
	}

	ml, okML := lm.Point(geometry.MouthLeft)
	mr, okMR := lm.Point(geometry.MouthRight)
	if okML && okMR {
		a.lip.cx = (ml.X + mr.X) / 2 / fw
		a.lip.cy = (ml.Y + mr.Y) / 2 / fh
		a.lip.sx = math.Max(math.Abs(mr.X-ml.X)/2/fw, 0.01)
		up, okU := lm.Point(geometry.UpperLipTop)
		lo, okD := lm.Point(geometry.UnderLipBottom)
		if okU && okD {
			a.lip.cy = (up.Y + lo.Y) / 2 / fh
			a.lip.sy = math.Max(math.Abs(lo.Y-up.Y)/2/fh, 0.01)
		}
	}
	return a
}
