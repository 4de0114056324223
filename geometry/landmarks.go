// Package geometry maps facial landmarks onto a print canvas.
//
// A Provider supplies named anchor points.  Detected providers come from the
// face-detection service; Estimated providers place the anchors at fixed
// fractions of a frame when no detector output exists.  Consumers depend only
// on Provider and never care which variant they hold.
package geometry

import (
	"fmt"
	"image"

	apperrors "github.com/Skryldev/idphoto/errors"
)

// Anchor names a facial landmark.
type Anchor string

const (
	PupilLeft      Anchor = "pupilLeft"
	PupilRight     Anchor = "pupilRight"
	NoseTip        Anchor = "noseTip"
	MouthLeft      Anchor = "mouthLeft"
	MouthRight     Anchor = "mouthRight"
	UpperLipTop    Anchor = "upperLipTop"
	UnderLipBottom Anchor = "underLipBottom"
	HairTop        Anchor = "hairTop"
	Chin           Anchor = "chin"
)

// Required lists the anchors every provider must supply.
var Required = []Anchor{PupilLeft, PupilRight, NoseTip, MouthLeft, MouthRight, UpperLipTop, UnderLipBottom}

// Point is a position in source-image pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Kind tells the two provider variants apart for logging and confidence
// reporting.
type Kind string

const (
	KindDetected  Kind = "detected"
	KindEstimated Kind = "estimated"
)

// Provider supplies named anchor points.
type Provider interface {
	Point(a Anchor) (Point, bool)
	Kind() Kind
}

type pointSet map[Anchor]Point

func (p pointSet) Point(a Anchor) (Point, bool) {
	v, ok := p[a]
	return v, ok
}

// Detected holds landmarks reported by a face detector.
type Detected struct{ pointSet }

// NewDetected validates and copies points.  Both pupils are mandatory; a
// detector that cannot place them should not be trusted for the rest.
func NewDetected(points map[Anchor]Point) (*Detected, error) {
	for _, a := range []Anchor{PupilLeft, PupilRight} {
		if _, ok := points[a]; !ok {
			return nil, apperrors.New(apperrors.CategoryInput, "geometry.detected",
				fmt.Errorf("%w: %s", apperrors.ErrMissingLandmarks, a))
		}
	}
	ps := make(pointSet, len(points))
	for k, v := range points {
		ps[k] = v
	}
	return &Detected{ps}, nil
}

func (*Detected) Kind() Kind { return KindDetected }

// Estimated holds heuristic landmarks.
type Estimated struct{ pointSet }

func (*Estimated) Kind() Kind { return KindEstimated }

// Estimate places the anchors at fixed fractions of a w×h frame: eyes at 35%
// height and 0.21·w either side of centre, nose at 48%, mouth corners at 58%
// and ±0.12·w, lips at 56% and 61%.
func Estimate(w, h int) *Estimated {
	return EstimateIn(image.Rect(0, 0, w, h))
}

// EstimateIn applies the same fractions inside r, typically a face box
// returned by the detector.
func EstimateIn(r image.Rectangle) *Estimated {
	x0, y0 := float64(r.Min.X), float64(r.Min.Y)
	w, h := float64(r.Dx()), float64(r.Dy())
	cx := x0 + w/2
	at := func(dx, fy float64) Point { return Point{X: cx + dx*w, Y: y0 + fy*h} }
	return &Estimated{pointSet{
		PupilLeft:      at(-0.21, 0.35),
		PupilRight:     at(0.21, 0.35),
		NoseTip:        at(0, 0.48),
		MouthLeft:      at(-0.12, 0.58),
		MouthRight:     at(0.12, 0.58),
		UpperLipTop:    at(0, 0.56),
		UnderLipBottom: at(0, 0.61),
	}}
}

// EyeMid returns the midpoint between the pupils.
func EyeMid(p Provider) (Point, error) {
	l, okL := p.Point(PupilLeft)
	r, okR := p.Point(PupilRight)
	if !okL || !okR {
		return Point{}, apperrors.New(apperrors.CategoryInput, "geometry.eye_mid", apperrors.ErrMissingLandmarks)
	}
	return Point{X: (l.X + r.X) / 2, Y: (l.Y + r.Y) / 2}, nil
}

// Resolve returns p when it carries both pupils and otherwise falls back to
// Estimate(w, h).  The second result reports whether the fallback was taken.
func Resolve(p Provider, w, h int) (Provider, bool) {
	if p != nil {
		if _, err := EyeMid(p); err == nil {
			return p, false
		}
	}
	return Estimate(w, h), true
}

var allAnchors = append(append([]Anchor(nil), Required...), HairTop, Chin)

// Project maps every anchor of p through t into canvas coordinates.  The
// result keeps p's kind.
func Project(p Provider, t Transform) Provider {
	ps := make(pointSet, len(allAnchors))
	for _, a := range allAnchors {
		if v, ok := p.Point(a); ok {
			ps[a] = Point{X: t.X + v.X*t.Scale, Y: t.Y + v.Y*t.Scale}
		}
	}
	if p.Kind() == KindDetected {
		return &Detected{ps}
	}
	return &Estimated{ps}
}

// HairTopFallback guesses the hairline from the eyes alone: 1.1 pupil
// spacings above the eye line, never above the frame.
func HairTopFallback(p Provider) (float64, error) {
	eye, err := EyeMid(p)
	if err != nil {
		return 0, err
	}
	l, _ := p.Point(PupilLeft)
	r, _ := p.Point(PupilRight)
	spacing := r.X - l.X
	if spacing < 0 {
		spacing = -spacing
	}
	return max(0, eye.Y-1.1*spacing), nil
}
