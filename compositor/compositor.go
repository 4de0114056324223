// Package compositor blends a background-removed cutout, the original photo
// and a hair mask into one export image with a clean hair edge.
package compositor

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/matte"
)

const (
	dilateRadius   = 3   // 2.5 px rounded up to the exact kernel
	featherSigma   = 1.0 // surface blur on the dilated mask
	originalWeight = 0.3
)

// Source is an image given either as encoded bytes or already decoded.
// When both are set Image wins.
type Source struct {
	Raw   []byte
	Image image.Image
}

// Input carries the three layers.
type Input struct {
	Cloud    Source      // background-removed cutout from the remote service
	Original Source      // full-resolution upload
	HairMask image.Image // low-resolution alpha mask
}

// Result is always usable.  When Fallback is set, Image is the decoded cloud
// cutout (nil if even that failed) and Raw holds the cloud bytes unchanged.
type Result struct {
	Image    *image.NRGBA
	Raw      []byte
	Fallback bool
	Reason   string
}

// Compositor holds the collaborators a composite needs.
type Compositor struct {
	Registry core.Registry
	Logger   core.Logger
	Metrics  core.MetricsCollector
}

// New builds a Compositor that decodes through reg.
func New(reg core.Registry, logger core.Logger, metrics core.MetricsCollector) *Compositor {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Compositor{Registry: reg, Logger: logger, Metrics: metrics}
}

// Composite draws the cloud cutout, blends the original over it at 30%
// opacity to recover hair the service discarded, and keeps only what the
// dilated and feathered hair mask covers.  Any failure returns the cloud
// cutout untouched.
func (c *Compositor) Composite(ctx context.Context, in Input) Result {
	return c.run(ctx, "compositor.composite", in, true)
}

// CompositeSimple is Composite without the original-image blend.
func (c *Compositor) CompositeSimple(ctx context.Context, in Input) Result {
	return c.run(ctx, "compositor.composite_simple", in, false)
}

func (c *Compositor) run(ctx context.Context, op string, in Input, blendOriginal bool) Result {
	start := time.Now()
	var cloud, original *image.NRGBA

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		cloud, err = c.load(gctx, in.Cloud)
		return err
	})
	if blendOriginal {
		g.Go(func() (err error) {
			original, err = c.load(gctx, in.Original)
			return err
		})
	}
	err := g.Wait()

	var out *image.NRGBA
	if err == nil {
		out, err = blend(cloud, original, in.HairMask)
	}
	if c.Metrics != nil {
		c.Metrics.RecordProcessingTime(op, time.Since(start))
	}
	if err != nil {
		c.Logger.Warn("compositor.fallback", "op", op, "error", err.Error())
		if c.Metrics != nil {
			c.Metrics.RecordFallback(op, string(apperrors.CategoryOf(err)))
		}
		return Result{Image: cloud, Raw: in.Cloud.Raw, Fallback: true, Reason: err.Error()}
	}
	return Result{Image: out}
}

func (c *Compositor) load(ctx context.Context, s Source) (*image.NRGBA, error) {
	if s.Image != nil {
		return core.ToNRGBA(s.Image), nil
	}
	if len(s.Raw) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "compositor.load", apperrors.ErrEmptyInput)
	}
	if c.Registry == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "compositor.load", errors.New("no codec registry"))
	}
	img, err := core.DecodeBytes(ctx, c.Registry, s.Raw)
	if err != nil {
		return nil, err
	}
	return core.BufferOf("compositor.load", img)
}

// blend does the pixel work.  original may be nil (simple variant).
func blend(cloud, original *image.NRGBA, hairMask image.Image) (*image.NRGBA, error) {
	if hairMask == nil || hairMask.Bounds().Empty() {
		return nil, apperrors.New(apperrors.CategoryInput, "compositor.blend", apperrors.ErrEmptyInput)
	}
	w, h := cloud.Bounds().Dx(), cloud.Bounds().Dy()

	mask := imaging.Resize(hairMask, w, h, imaging.Linear)
	mask = matte.Dilate(mask, dilateRadius)
	mask = imaging.Blur(mask, featherSigma)

	base := cloud
	if original != nil {
		if original.Rect.Size() != cloud.Rect.Size() {
			return nil, apperrors.Contract("compositor.blend", "original %v, cutout %v", original.Rect.Size(), cloud.Rect.Size())
		}
		base = imaging.Overlay(cloud, original, image.Pt(0, 0), originalWeight)
	}
	return matte.ApplyMask(base, mask)
}
