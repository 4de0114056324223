package compositor

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/Skryldev/idphoto/adapters/decoder"
	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/hooks"
)

func solid(w, h int, r, g, b, a uint8) *image.NRGBA {
	m := core.NewBuffer(w, h)
	for i := 0; i < len(m.Pix); i += 4 {
		m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3] = r, g, b, a
	}
	return m
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newCompositor(t *testing.T) (*Compositor, *hooks.InMemoryMetrics) {
	t.Helper()
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	m := hooks.NewInMemoryMetrics()
	return New(reg, nil, m), m
}

func pixel(m *image.NRGBA, x, y int) []uint8 {
	p := m.PixOffset(x, y)
	return m.Pix[p : p+4]
}

func TestCompositeFallsBackOnUndecodableCloud(t *testing.T) {
	c, metrics := newCompositor(t)
	raw := []byte("definitely not an image")

	res := c.Composite(context.Background(), Input{
		Cloud:    Source{Raw: raw},
		Original: Source{Image: solid(8, 8, 0, 0, 255, 255)},
		HairMask: core.NewMask(8, 8, 255),
	})
	if !res.Fallback {
		t.Fatal("expected fallback")
	}
	if !bytes.Equal(res.Raw, raw) {
		t.Error("fallback must return the cloud bytes unchanged")
	}
	if res.Reason == "" {
		t.Error("fallback reason not reported")
	}
	if metrics.Snapshot().Fallbacks["compositor.composite"] != 1 {
		t.Errorf("fallback not recorded: %+v", metrics.Snapshot().Fallbacks)
	}
}

func TestCompositeFallsBackWithoutMask(t *testing.T) {
	c, _ := newCompositor(t)
	cloud := solid(16, 16, 10, 20, 30, 255)
	res := c.CompositeSimple(context.Background(), Input{Cloud: Source{Image: cloud}})
	if !res.Fallback || res.Image == nil {
		t.Fatalf("want fallback carrying the decoded cloud, got %+v", res)
	}
	if !bytes.Equal(res.Image.Pix, cloud.Pix) {
		t.Error("fallback image differs from cloud")
	}
}

func TestCompositeSimpleAppliesMask(t *testing.T) {
	c, _ := newCompositor(t)
	cloud := encodePNG(t, solid(40, 40, 200, 10, 10, 255))

	full := c.CompositeSimple(context.Background(), Input{
		Cloud:    Source{Raw: cloud},
		HairMask: core.NewMask(8, 8, 255),
	})
	if full.Fallback {
		t.Fatalf("unexpected fallback: %s", full.Reason)
	}
	if px := pixel(full.Image, 20, 20); px[3] < 250 || px[0] != 200 {
		t.Errorf("covered pixel = %v", px)
	}

	empty := c.CompositeSimple(context.Background(), Input{
		Cloud:    Source{Raw: cloud},
		HairMask: core.NewMask(8, 8, 0),
	})
	if px := pixel(empty.Image, 20, 20); px[3] != 0 {
		t.Errorf("uncovered pixel alpha = %d, want 0", px[3])
	}
}

func TestCompositeBlendsOriginal(t *testing.T) {
	c, _ := newCompositor(t)
	res := c.Composite(context.Background(), Input{
		Cloud:    Source{Image: solid(32, 32, 0, 0, 0, 0)},
		Original: Source{Image: solid(32, 32, 0, 0, 255, 255)},
		HairMask: core.NewMask(8, 8, 255),
	})
	if res.Fallback {
		t.Fatalf("unexpected fallback: %s", res.Reason)
	}
	px := pixel(res.Image, 16, 16)
	if px[3] < 72 || px[3] > 82 {
		t.Errorf("alpha = %d, want about 30%% of 255", px[3])
	}
	if px[2] < 250 {
		t.Errorf("blue = %d, want original colour", px[2])
	}
	if res.Image.Bounds().Dx() != 32 {
		t.Errorf("canvas follows cloud size, got %v", res.Image.Bounds())
	}
}

func TestCompositeRejectsMisalignedOriginal(t *testing.T) {
	c, metrics := newCompositor(t)
	cloud := solid(20, 30, 255, 0, 0, 255)
	res := c.Composite(context.Background(), Input{
		Cloud:    Source{Image: cloud},
		Original: Source{Image: solid(40, 60, 0, 0, 255, 255)},
		HairMask: core.NewMask(8, 8, 255),
	})
	if !res.Fallback || !strings.Contains(res.Reason, apperrors.ErrDimensionMismatch.Error()) {
		t.Fatalf("fallback=%v reason=%q", res.Fallback, res.Reason)
	}
	if !bytes.Equal(res.Image.Pix, cloud.Pix) {
		t.Error("fallback must be the cutout unchanged")
	}
	if metrics.Snapshot().Fallbacks["compositor.composite"] != 1 {
		t.Error("fallback not recorded")
	}
}

func TestCompositeDoesNotMutateInputs(t *testing.T) {
	c, _ := newCompositor(t)
	cloud := solid(16, 16, 1, 2, 3, 255)
	orig := solid(16, 16, 4, 5, 6, 255)
	mask := core.NewMask(4, 4, 128)
	cb, ob, mb := append([]byte(nil), cloud.Pix...), append([]byte(nil), orig.Pix...), append([]byte(nil), mask.Pix...)

	c.Composite(context.Background(), Input{Cloud: Source{Image: cloud}, Original: Source{Image: orig}, HairMask: mask})

	if !bytes.Equal(cloud.Pix, cb) || !bytes.Equal(orig.Pix, ob) || !bytes.Equal(mask.Pix, mb) {
		t.Fatal("input buffer mutated")
	}
}
