package hairmask

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

func alphaAt(m *image.NRGBA, x, y int) uint8 { return m.Pix[m.PixOffset(x, y)+3] }

func TestExtract(t *testing.T) {
	seg := Segmentation{W: 4, H: 2, Values: []uint8{0, 10, 20, 30, 40, 50, 60, 255}}
	m, err := Extract(seg)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for i, v := range seg.Values {
		x, y := i%4, i/4
		if got := alphaAt(m, x, y); got != v {
			t.Errorf("(%d,%d) alpha = %d, want %d", x, y, got, v)
		}
		p := m.PixOffset(x, y)
		if m.Pix[p] != 255 || m.Pix[p+1] != 255 || m.Pix[p+2] != 255 {
			t.Errorf("(%d,%d) rgb not white", x, y)
		}
	}

	_, err = Extract(Segmentation{W: 4, H: 4, Values: make([]uint8, 3)})
	if !apperrors.IsCategory(err, apperrors.CategoryContract) {
		t.Errorf("short buffer: want contract error, got %v", err)
	}
	_, err = Extract(Segmentation{})
	if !errors.Is(err, apperrors.ErrInvalidDimensions) {
		t.Errorf("empty frame: want ErrInvalidDimensions, got %v", err)
	}
}

func TestUpscaleRamp(t *testing.T) {
	tests := []struct {
		in     uint8
		lo, hi uint8
	}{
		{50, 0, 0},
		{150, 127, 128},
		{230, 255, 255},
	}
	for _, tt := range tests {
		m := core.NewMask(FrameSize, FrameSize, tt.in)
		up, err := Upscale(m, 600, 800)
		if err != nil {
			t.Fatalf("Upscale: %v", err)
		}
		if up.Bounds().Dx() != 600 || up.Bounds().Dy() != 800 {
			t.Fatalf("size = %v", up.Bounds())
		}
		if a := alphaAt(up, 300, 400); a < tt.lo || a > tt.hi {
			t.Errorf("ramp(%d) = %d, want [%d,%d]", tt.in, a, tt.lo, tt.hi)
		}
	}
	if _, err := Upscale(core.NewMask(4, 4, 0), 0, 10); !errors.Is(err, apperrors.ErrInvalidDimensions) {
		t.Errorf("want ErrInvalidDimensions, got %v", err)
	}
}

func TestDownsampleSize(t *testing.T) {
	d := Downsample(core.NewBuffer(1024, 700))
	if d.Bounds() != image.Rect(0, 0, FrameSize, FrameSize) {
		t.Errorf("bounds = %v", d.Bounds())
	}
}

type countingSegmenter struct{}

func (countingSegmenter) Segment(_ context.Context, f *image.NRGBA) (Segmentation, error) {
	return AlphaSegmenter{}.Segment(context.Background(), f)
}

func TestSessionSingleInit(t *testing.T) {
	var calls int32
	s := NewSession(func(context.Context) (Segmenter, error) {
		atomic.AddInt32(&calls, 1)
		return countingSegmenter{}, nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Segmenter(context.Background()); err != nil {
				t.Errorf("Segmenter: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("factory called %d times, want 1", n)
	}
}

func TestSessionRetriesFailedInit(t *testing.T) {
	var calls int32
	s := NewSession(func(context.Context) (Segmenter, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("model download failed")
		}
		return AlphaSegmenter{}, nil
	}, nil)

	_, err := s.Segmenter(context.Background())
	if !errors.Is(err, apperrors.ErrSegmentationUnavailable) || !apperrors.IsCategory(err, apperrors.CategoryExternal) {
		t.Fatalf("first call: want external ErrSegmentationUnavailable, got %v", err)
	}
	if _, err := s.Segmenter(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 2 {
		t.Fatalf("factory called %d times, want 2", calls)
	}
}

func TestSessionMask(t *testing.T) {
	src := core.NewMask(512, 512, 0)
	for y := 128; y < 384; y++ {
		for x := 128; x < 384; x++ {
			src.Pix[src.PixOffset(x, y)+3] = 255
		}
	}
	s := NewSession(StaticFactory(AlphaSegmenter{}), nil)
	defer s.Close()

	m, err := s.Mask(context.Background(), src)
	if err != nil {
		t.Fatalf("Mask: %v", err)
	}
	if m.Bounds().Dx() != FrameSize {
		t.Fatalf("mask width = %d", m.Bounds().Dx())
	}
	if alphaAt(m, 128, 128) != 255 || alphaAt(m, 4, 4) != 0 {
		t.Errorf("unexpected mask alpha: centre %d corner %d", alphaAt(m, 128, 128), alphaAt(m, 4, 4))
	}
}

func TestCutout(t *testing.T) {
	mask := core.NewMask(10, 10, 0)
	mask.Pix[mask.PixOffset(5, 5)+3] = 255
	src := core.NewBuffer(10, 10)
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+3] = 200, 255
	}
	out := Cutout(mask, src)
	if p := out.PixOffset(5, 5); out.Pix[p] != 200 || out.Pix[p+3] != 255 {
		t.Errorf("masked pixel = %v", out.Pix[p:p+4])
	}
	if alphaAt(out, 0, 0) != 0 {
		t.Error("unmasked pixel kept alpha")
	}
}

func TestTopRow(t *testing.T) {
	m := core.NewMask(8, 8, 0)
	if _, ok := TopRow(m, 128); ok {
		t.Fatal("empty mask has no top row")
	}
	m.Pix[m.PixOffset(5, 3)+3] = 200
	m.Pix[m.PixOffset(2, 6)+3] = 255
	if y, ok := TopRow(m, 128); !ok || y != 3 {
		t.Fatalf("TopRow = %d %v", y, ok)
	}
}
