package pipeline

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Skryldev/idphoto/canvas"
	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
	"github.com/Skryldev/idphoto/matte"
	"github.com/Skryldev/idphoto/remote"
	"github.com/Skryldev/idphoto/utils"
)

// ── Decode ────────────────────────────────────────────────────────────────────

// DecodeStep decodes img.Data into an *image.NRGBA buffer.  An empty or
// unknown Format is sniffed from the bytes.
type DecodeStep struct {
	Registry core.Registry
}

func (s *DecodeStep) Name() string { return "decode" }

func (s *DecodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image != nil {
		return img, nil // already decoded
	}
	if len(img.Data) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, s.Name(), apperrors.ErrEmptyInput)
	}
	format := img.Format
	if format == "" || format == core.FormatUnknown {
		format = core.Format(utils.DetectFormat(img.Data))
	}
	dec, ok := s.Registry.DecoderFor(format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryInput, s.Name(),
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}
	decoded, err := dec.Decode(ctx, bytes.NewReader(img.Data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, s.Name(), err)
	}
	buf, err := core.BufferOf(s.Name(), decoded)
	if err != nil {
		return nil, err
	}
	out := core.WithBuffer(decoded, buf)
	out.Data = img.Data
	out.OriginalSize = img.OriginalSize
	if out.OriginalSize == 0 {
		out.OriginalSize = int64(len(img.Data))
	}
	out.Quality = img.Quality
	out.Warnings = img.Warnings
	return out, nil
}

// ── Remove background ─────────────────────────────────────────────────────────

// RemoveBackgroundStep replaces img.Data with the remote cutout.  Transient
// failures are returned so the runner can retry them.  Any other failure
// keeps the upload and records a warning.
type RemoveBackgroundStep struct {
	Remover *remote.BackgroundRemover
	SpecID  string
}

func (s *RemoveBackgroundStep) Name() string { return "remove_background" }

func (s *RemoveBackgroundStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.Remover == nil {
		return img.Warn("background removal not configured"), nil
	}
	cut, err := s.Remover.Remove(ctx, img.Data, s.SpecID, nil)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return nil, err
		}
		return img.Warn("background removal failed: " + err.Error()), nil
	}
	out := *img
	out.Data = cut
	out.Format = core.FormatPNG
	out.Image = nil
	return &out, nil
}

// ── Refine matte ──────────────────────────────────────────────────────────────

// RefineMatteStep runs the alpha refiner over the decoded buffer.
type RefineMatteStep struct {
	Options matte.Options
}

func (s *RefineMatteStep) Name() string { return "refine_matte" }

func (s *RefineMatteStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	src, err := core.BufferOf(s.Name(), img)
	if err != nil {
		return nil, err
	}
	refined, err := matte.Refine(src, s.Options)
	if err != nil {
		return nil, err
	}
	return core.WithBuffer(img, refined), nil
}

// ── Canvas ────────────────────────────────────────────────────────────────────

// CanvasStep places the image on the white print canvas described by
// Transform.
type CanvasStep struct {
	Transform geometry.Transform
}

func (s *CanvasStep) Name() string { return "canvas" }

func (s *CanvasStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	src, err := core.BufferOf(s.Name(), img)
	if err != nil {
		return nil, err
	}
	placed, err := canvas.Render(src, s.Transform)
	if err != nil {
		return nil, err
	}
	out := core.WithBuffer(img, placed)
	out.Meta.HasAlpha = false
	for _, w := range s.Transform.Warnings {
		out = out.Warn(w)
	}
	return out, nil
}

// ── Enhance ───────────────────────────────────────────────────────────────────

// WarnEnhanceFallback marks an image the enhancement service did not
// refine.
const WarnEnhanceFallback = "enhancement fell back to input"

// EnhanceStep sends the encoded image to the enhancement service.  It never
// fails: on any service error the input passes through with a warning.
type EnhanceStep struct {
	Enhancer *remote.Enhancer
	Metrics  core.MetricsCollector
}

func (s *EnhanceStep) Name() string { return "enhance" }

func (s *EnhanceStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.Enhancer == nil {
		return img.Warn(WarnEnhanceFallback), nil
	}
	res := s.Enhancer.Refine(ctx, img.Data)
	if res.Fallback {
		if s.Metrics != nil {
			s.Metrics.RecordFallback(s.Name(), string(apperrors.CategoryOf(res.Err)))
		}
		return img.Warn(WarnEnhanceFallback), nil
	}
	out := *img
	out.Data = res.Image
	out.Format = core.FormatPNG
	out.Image = nil
	out.Meta.SizeBytes = int64(len(res.Image))
	return &out, nil
}

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep serialises the buffer into Format using the registry.
type EncodeStep struct {
	Registry    core.Registry
	Format      core.Format // empty keeps img.Format
	BaseOptions core.EncodeOptions
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	format := s.Format
	if format == "" {
		format = img.Format
	}
	opts := s.BaseOptions
	if opts.Quality == 0 {
		opts.Quality = img.Quality
	}
	data, err := core.EncodeImage(ctx, s.Registry, img, format, opts)
	if err != nil {
		return nil, err
	}
	out := *img
	out.Data = data
	out.Format = format
	out.Meta.Format = format
	out.Meta.SizeBytes = int64(len(data))
	return &out, nil
}

// ── Quality ───────────────────────────────────────────────────────────────────

// QualityStep records the export quality consumed by EncodeStep.
type QualityStep struct {
	Quality int
}

func (s *QualityStep) Name() string { return "quality" }

func (s *QualityStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.Quality < 0 || s.Quality > 100 {
		return nil, apperrors.New(apperrors.CategoryInput, s.Name(), fmt.Errorf("quality %d out of range", s.Quality))
	}
	out := *img
	out.Quality = s.Quality
	return &out, nil
}

// ── Adaptive compress ─────────────────────────────────────────────────────────

// AdaptiveCompressStep lowers JPEG quality until the export fits
// TargetSizeBytes, stopping at MinQuality.  Print shops often cap uploads.
type AdaptiveCompressStep struct {
	Registry        core.Registry
	TargetSizeBytes int64
	MinQuality      int
	MaxQuality      int
	StepSize        int
}

func (s *AdaptiveCompressStep) Name() string { return "adaptive_compress" }

func (s *AdaptiveCompressStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.TargetSizeBytes <= 0 {
		return img, nil
	}
	maxQ, minQ, step := s.MaxQuality, s.MinQuality, s.StepSize
	if maxQ <= 0 {
		maxQ = 95
	}
	if minQ <= 0 || minQ > maxQ {
		minQ = maxQ
	}
	if step <= 0 {
		step = 5
	}

	var best []byte
	quality := maxQ
	for ; quality >= minQ; quality -= step {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
		}
		data, err := core.EncodeImage(ctx, s.Registry, img, core.FormatJPEG, core.EncodeOptions{Quality: quality})
		if err != nil {
			return nil, err
		}
		best = data
		if int64(len(data)) <= s.TargetSizeBytes {
			break
		}
	}

	out := *img
	out.Data = best
	out.Format = core.FormatJPEG
	out.Meta.Format = core.FormatJPEG
	out.Meta.SizeBytes = int64(len(best))
	if int64(len(best)) > s.TargetSizeBytes {
		out = *out.Warn(fmt.Sprintf("export is %d bytes, above the %d byte target", len(best), s.TargetSizeBytes))
	}
	return &out, nil
}

var (
	_ core.Step = (*Pipeline)(nil)
	_ core.Step = (*DecodeStep)(nil)
	_ core.Step = (*RemoveBackgroundStep)(nil)
	_ core.Step = (*RefineMatteStep)(nil)
	_ core.Step = (*CanvasStep)(nil)
	_ core.Step = (*EnhanceStep)(nil)
	_ core.Step = (*EncodeStep)(nil)
	_ core.Step = (*QualityStep)(nil)
	_ core.Step = (*AdaptiveCompressStep)(nil)
)
