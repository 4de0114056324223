package geometry

import (
	"fmt"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

const (
	DefaultChinRatio = 1.2

	minPlausibleScale = 0.5
	maxPlausibleScale = 1.5
)

// Rect is a crop rectangle in source pixels.
type Rect struct {
	X, Y, W, H float64
}

// SolveInput carries everything the solver needs.
type SolveInput struct {
	// Landmarks are in the coordinates of the current (cropped and resized)
	// frame.
	Landmarks Provider
	// HairTopY is the topmost hair row in source pixels.
	HairTopY float64
	// Crop is the region of the source that the current frame shows.  A zero
	// Crop means the whole source.
	Crop Rect

	SourceW, SourceH   int
	CurrentW, CurrentH int

	ChinRatio       float64 // 0 selects DefaultChinRatio
	HorizontalShift float64
	Target          Target
}

// Transform places the source on the canvas: draw at (X, Y) scaled by Scale.
// It is a value type; nothing mutates it after Solve returns.
type Transform struct {
	Scale         float64  `json:"scale"`
	X             float64  `json:"x"`
	Y             float64  `json:"y"`
	CanvasW       int      `json:"canvas_w"`
	CanvasH       int      `json:"canvas_h"`
	LowConfidence bool     `json:"low_confidence"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Solver wraps Solve with a logger for the non-fatal sanity checks.
type Solver struct {
	Logger core.Logger
}

// Solve is Solver.Solve with no logger.
func Solve(in SolveInput) (Transform, error) {
	return Solver{}.Solve(in)
}

// Solve computes the transform that puts the hairline at the target top margin
// and makes the estimated head exactly Target.HeadPx tall.  The head is
// estimated as N·(1+ChinRatio), N being the hairline-to-eye distance.
func (s Solver) Solve(in SolveInput) (Transform, error) {
	const op = "geometry.solve"
	log := s.Logger
	if log == nil {
		log = core.NopLogger{}
	}
	if in.Landmarks == nil {
		return Transform{}, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrMissingLandmarks)
	}
	if in.SourceW <= 0 || in.SourceH <= 0 || in.Target.HeadPx <= 0 || in.Target.CanvasW <= 0 {
		return Transform{}, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrInvalidDimensions)
	}
	eye, err := EyeMid(in.Landmarks)
	if err != nil {
		return Transform{}, err
	}

	crop := in.Crop
	if crop.W <= 0 || crop.H <= 0 {
		crop = Rect{W: float64(in.SourceW), H: float64(in.SourceH)}
	}
	currentH := float64(in.CurrentH)
	if currentH <= 0 {
		currentH = crop.H
	}
	chin := in.ChinRatio
	if chin <= 0 {
		chin = DefaultChinRatio
	}

	t := Transform{CanvasW: in.Target.CanvasW, CanvasH: in.Target.CanvasH}

	eyeMidY := crop.Y + eye.Y*(crop.H/currentH)
	n := eyeMidY - in.HairTopY
	if n <= 0 {
		t.LowConfidence = true
		t.Warnings = append(t.Warnings, fmt.Sprintf("hairline at or below eyes (N=%.1f)", n))
		log.Warn("geometry.degenerate_landmarks", "n", n, "hair_top", in.HairTopY, "eye_mid_y", eyeMidY)
		n = 1
	}

	head := n * (1 + chin)
	t.Scale = in.Target.HeadPx / head
	t.Y = in.Target.TopMargin - in.HairTopY*t.Scale
	t.X = (float64(in.Target.CanvasW)-float64(in.SourceW)*t.Scale)/2 + in.HorizontalShift

	if t.Scale < minPlausibleScale || t.Scale > maxPlausibleScale {
		t.LowConfidence = true
		t.Warnings = append(t.Warnings, fmt.Sprintf("implausible scale %.3f", t.Scale))
		log.Warn("geometry.implausible_scale", "scale", t.Scale, "landmarks", string(in.Landmarks.Kind()))
	}
	if in.Landmarks.Kind() == KindEstimated {
		t.LowConfidence = true
	}
	return t, nil
}
