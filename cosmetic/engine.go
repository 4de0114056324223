// Package cosmetic is the interactive retouching renderer: skin smoothing,
// brightness and contrast, lip and blush tint, eye enlargement and blemish
// removal.
//
// Every parameter change re-renders from the untouched source in a fixed
// number of passes, so cost never grows with edit history.
package cosmetic

import (
	"image"
	"sync"
	"time"

	"github.com/gogpu/gg"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
)

// Mode reports which backend the engine runs on.
type Mode string

const (
	ModeUninitialized Mode = ""
	ModeAccelerated   Mode = "accelerated"
	ModeSoftware      Mode = "software"
)

// detectBackend reports ModeAccelerated when a GPU accelerator is registered
// with gg.  It is a variable so tests can force either mode.
var detectBackend = func() Mode {
	if gg.Accelerator() != nil {
		return ModeAccelerated
	}
	return ModeSoftware
}

// Render runs every pass over src with p and returns a new buffer.  lm may be
// nil; only detected landmarks move the anchors.
func Render(src *image.NRGBA, lm geometry.Provider, p Params) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	a := anchorsFor(lm, w, h)

	frame := smooth(src, p.SmoothIntensity)
	frame = tone(frame, p, a)
	if p.EyeEnlarge > 100 {
		scale := p.EyeEnlarge / 100
		for _, eye := range a.eyes {
			frame = magnify(frame, eye.X, eye.Y, a.eyeRadius, scale)
		}
	}
	for _, pt := range p.BlemishPoints {
		frame = removeBlemish(frame, pt)
	}
	return frame
}

// Engine holds one source image and the live parameters.  It is safe for
// concurrent use; renders are serialised and always see a consistent
// parameter snapshot.
type Engine struct {
	mu        sync.Mutex
	source    *image.NRGBA
	landmarks geometry.Provider
	params    Params
	frame     *image.NRGBA
	mode      Mode

	logger  core.Logger
	metrics core.MetricsCollector
}

// NewEngine creates an uninitialised engine.  logger and metrics may be nil.
func NewEngine(logger core.Logger, metrics core.MetricsCollector) *Engine {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Engine{logger: logger, metrics: metrics}
}

// Init loads src, resets parameters and renders once.  A missing GPU
// accelerator is not an error: the engine reports ModeSoftware and carries on.
func (e *Engine) Init(src image.Image, landmarks geometry.Provider) (Mode, error) {
	if src == nil || src.Bounds().Empty() {
		return ModeUninitialized, apperrors.New(apperrors.CategoryInput, "cosmetic.init", apperrors.ErrEmptyInput)
	}
	mode := detectBackend()
	if mode == ModeSoftware {
		e.logger.Warn("cosmetic.backend.degraded",
			"mode", string(mode),
			"reason", apperrors.ErrBackendUnavailable.Error(),
		)
		if e.metrics != nil {
			e.metrics.RecordFallback("cosmetic.backend", string(apperrors.CategoryBackend))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = core.ToNRGBA(src)
	e.landmarks = landmarks
	e.params = DefaultParams()
	e.mode = mode
	e.renderLocked()
	return mode, nil
}

// Mode returns the backend chosen at Init.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetParam changes one parameter and re-renders.  An invalid value leaves
// the engine unchanged.
func (e *Engine) SetParam(key Key, value any) (*image.NRGBA, error) {
	return e.Update(map[Key]any{key: value})
}

// Update applies several changes as one edit and renders once.  If any
// change is invalid none of them is applied.
func (e *Engine) Update(changes map[Key]any) (*image.NRGBA, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.source == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, "cosmetic.update", apperrors.ErrNotInitialized)
	}
	next, err := e.params.Apply(changes)
	if err != nil {
		return nil, err
	}
	e.params = next
	return e.renderLocked(), nil
}

// SetParams replaces all parameters at once and re-renders.
func (e *Engine) SetParams(p Params) (*image.NRGBA, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.source == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, "cosmetic.set_params", apperrors.ErrNotInitialized)
	}
	e.params = p.clone()
	return e.renderLocked(), nil
}

// Reset restores the defaults.  The frame is pixel-identical to the one Init
// produced.
func (e *Engine) Reset() (*image.NRGBA, error) {
	return e.SetParams(DefaultParams())
}

// Params returns a copy of the live parameters.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.clone()
}

// Frame returns a copy of the last rendered frame, or nil before Init.
func (e *Engine) Frame() *image.NRGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frame == nil {
		return nil
	}
	return core.Clone(e.frame)
}

// Close drops the source and frame.  The engine may be re-initialised.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source, e.frame, e.landmarks = nil, nil, nil
	e.mode = ModeUninitialized
	return nil
}

func (e *Engine) renderLocked() *image.NRGBA {
	start := time.Now()
	e.frame = Render(e.source, e.landmarks, e.params.clone())
	if e.metrics != nil {
		e.metrics.RecordProcessingTime("cosmetic.render", time.Since(start))
	}
	return core.Clone(e.frame)
}
