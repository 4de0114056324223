package hairmask

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// Segmenter runs a person-segmentation model over a FrameSize frame.
type Segmenter interface {
	Segment(ctx context.Context, frame *image.NRGBA) (Segmentation, error)
}

// Factory loads a Segmenter.  It may be slow (model download, warm-up).
type Factory func(ctx context.Context) (Segmenter, error)

// Session owns one lazily initialised Segmenter for the process lifetime.
// Concurrent first callers share a single initialisation; a failed
// initialisation is not remembered, so the next call tries again.
type Session struct {
	factory Factory
	logger  core.Logger

	group singleflight.Group
	mu    sync.RWMutex
	seg   Segmenter
}

// NewSession wraps factory.  logger may be nil.
func NewSession(factory Factory, logger core.Logger) *Session {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Session{factory: factory, logger: logger}
}

// Segmenter returns the shared segmenter, initialising it on first use.
func (s *Session) Segmenter(ctx context.Context) (Segmenter, error) {
	s.mu.RLock()
	seg := s.seg
	s.mu.RUnlock()
	if seg != nil {
		return seg, nil
	}

	v, err, shared := s.group.Do("init", func() (interface{}, error) {
		s.mu.RLock()
		existing := s.seg
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		seg, err := s.factory(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.seg = seg
		s.mu.Unlock()
		s.logger.Info("hairmask.segmenter.ready")
		return seg, nil
	})
	if err != nil {
		s.logger.Warn("hairmask.segmenter.init_failed", "error", err.Error(), "shared", shared)
		return nil, apperrors.New(apperrors.CategoryExternal, "hairmask.init",
			fmt.Errorf("%w: %v", apperrors.ErrSegmentationUnavailable, err))
	}
	return v.(Segmenter), nil
}

// Preload initialises the segmenter ahead of first use.  Failure is logged
// and retried on the next Mask call.
func (s *Session) Preload(ctx context.Context) {
	if _, err := s.Segmenter(ctx); err != nil {
		s.logger.Warn("hairmask.preload_failed", "error", err.Error())
	}
}

// Mask downsamples img, segments it and extracts the low-resolution mask.
// Callers treat any error as "no hair mask" and degrade.
func (s *Session) Mask(ctx context.Context, img image.Image) (*image.NRGBA, error) {
	const op = "hairmask.mask"
	if img == nil || img.Bounds().Empty() {
		return nil, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}
	seg, err := s.Segmenter(ctx)
	if err != nil {
		return nil, err
	}
	out, err := seg.Segment(ctx, Downsample(img))
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryExternal, op,
			fmt.Errorf("%w: %v", apperrors.ErrSegmentationUnavailable, err))
	}
	return Extract(out)
}

// Close releases the segmenter if it holds resources.
func (s *Session) Close() error {
	s.mu.Lock()
	seg := s.seg
	s.seg = nil
	s.mu.Unlock()
	if c, ok := seg.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AlphaSegmenter reads the likelihood from the frame's alpha channel.  It
// serves when the input is already a background-removed cutout and no model
// is configured.
type AlphaSegmenter struct{}

func (AlphaSegmenter) Segment(ctx context.Context, frame *image.NRGBA) (Segmentation, error) {
	if err := ctx.Err(); err != nil {
		return Segmentation{}, err
	}
	b := frame.Bounds()
	out := Segmentation{W: b.Dx(), H: b.Dy(), Values: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < out.H; y++ {
		row := frame.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < out.W; x++ {
			out.Values[y*out.W+x] = frame.Pix[row+x*4+3]
		}
	}
	return out, nil
}

// StaticFactory returns a Factory that always yields seg.
func StaticFactory(seg Segmenter) Factory {
	return func(context.Context) (Segmenter, error) { return seg, nil }
}
