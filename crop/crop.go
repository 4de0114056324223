// Package crop holds the manual positioning state of the crop editor: a
// scale and a translation of the source image inside a fixed-aspect
// container.
//
// The image always covers the container.  No pan or zoom can expose
// background on any edge, and the scale stays within [MinScale, 5·MinScale].
package crop

import (
	"math"

	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
)

const (
	fitZoom      = 1.1
	maxZoomRatio = 5
)

// State is not safe for concurrent use; the owning session serialises access.
type State struct {
	Scale      float64 `json:"scale"`
	PosX       float64 `json:"pos_x"`
	PosY       float64 `json:"pos_y"`
	MinScale   float64 `json:"min_scale"`
	ImageW     float64 `json:"image_w"`
	ImageH     float64 `json:"image_h"`
	ContainerW float64 `json:"container_w"`
	ContainerH float64 `json:"container_h"`
}

// New creates a fitted state.
func New(imgW, imgH, contW, contH int) (*State, error) {
	if imgW <= 0 || imgH <= 0 || contW <= 0 || contH <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "crop.new", apperrors.ErrInvalidDimensions)
	}
	s := &State{
		ImageW: float64(imgW), ImageH: float64(imgH),
		ContainerW: float64(contW), ContainerH: float64(contH),
	}
	s.Fit()
	return s, nil
}

// Fit picks the smallest scale that covers the container, zooms in a further
// 10% and centres the image.
func (s *State) Fit() {
	s.MinScale = math.Max(s.ContainerW/s.ImageW, s.ContainerH/s.ImageH)
	s.Scale = s.MinScale * fitZoom
	s.PosX = (s.ContainerW - s.ImageW*s.Scale) / 2
	s.PosY = (s.ContainerH - s.ImageH*s.Scale) / 2
	s.clamp()
}

// SetContainer changes the container, typically after a print-spec switch.
// The state is refitted from scratch.
func (s *State) SetContainer(w, h int) error {
	if w <= 0 || h <= 0 {
		return apperrors.New(apperrors.CategoryInput, "crop.set_container", apperrors.ErrInvalidDimensions)
	}
	s.ContainerW, s.ContainerH = float64(w), float64(h)
	s.Fit()
	return nil
}

// Pan moves the image by (dx, dy) container pixels.
func (s *State) Pan(dx, dy float64) {
	if !finite(dx) || !finite(dy) {
		return
	}
	s.PosX += dx
	s.PosY += dy
	s.clamp()
}

// Zoom sets an absolute scale, keeping the container centre fixed.
func (s *State) Zoom(scale float64) {
	s.zoomAbout(scale, s.ContainerW/2, s.ContainerH/2)
}

// ZoomAt multiplies the scale by factor, keeping the container point
// (cx, cy) over the same image pixel where the bounds allow.
func (s *State) ZoomAt(factor, cx, cy float64) {
	if factor <= 0 {
		return
	}
	s.zoomAbout(s.Scale*factor, cx, cy)
}

func (s *State) zoomAbout(scale, cx, cy float64) {
	if !finite(scale) || !finite(cx) || !finite(cy) {
		return
	}
	wx := (cx - s.PosX) / s.Scale
	wy := (cy - s.PosY) / s.Scale
	s.Scale = math.Min(math.Max(scale, s.MinScale), s.MinScale*maxZoomRatio)
	s.PosX = cx - wx*s.Scale
	s.PosY = cy - wy*s.Scale
	s.clamp()
}

// clamp keeps PosX ≤ 0 and PosX + ImageW·Scale ≥ ContainerW, same for Y.
func (s *State) clamp() {
	s.PosX = math.Min(0, math.Max(s.PosX, s.ContainerW-s.ImageW*s.Scale))
	s.PosY = math.Min(0, math.Max(s.PosY, s.ContainerH-s.ImageH*s.Scale))
}

// Rect is the visible part of the source in source pixels.
func (s *State) Rect() geometry.Rect {
	return geometry.Rect{
		X: -s.PosX / s.Scale,
		Y: -s.PosY / s.Scale,
		W: s.ContainerW / s.Scale,
		H: s.ContainerH / s.Scale,
	}
}

// Covers reports whether the invariant holds, with a small tolerance for
// floating-point error.
func (s *State) Covers() bool {
	const eps = 1e-6
	return s.PosX <= eps && s.PosY <= eps &&
		s.PosX+s.ImageW*s.Scale >= s.ContainerW-eps &&
		s.PosY+s.ImageH*s.Scale >= s.ContainerH-eps &&
		s.Scale >= s.MinScale-eps && s.Scale <= s.MinScale*maxZoomRatio+eps
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
