package idphoto_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	idphoto "github.com/Skryldev/idphoto"
	"github.com/Skryldev/idphoto/adapters/storage"
	"github.com/Skryldev/idphoto/config"
	"github.com/Skryldev/idphoto/core"
	"github.com/Skryldev/idphoto/cosmetic"
	"github.com/Skryldev/idphoto/crop"
	"github.com/Skryldev/idphoto/enhance"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
	"github.com/Skryldev/idphoto/remote"
	"github.com/Skryldev/idphoto/utils"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

const srcW, srcH = 120, 160

func portraitJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, srcW, srcH))
	for y := 0; y < srcH; y++ {
		for x := 0; x < srcW; x++ {
			img.Set(x, y, color.RGBA{R: 60, G: 120, B: 60, A: 255})
		}
	}
	for y := 30; y < srcH; y++ {
		for x := 30; x < 90; x++ {
			img.Set(x, y, color.RGBA{R: 220, G: 180, B: 150, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

// cutoutPNG is the portrait with the background made transparent.
func cutoutPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := h * 30 / srcH; y < h; y++ {
		for x := w * 30 / srcW; x < w*90/srcW; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 220, G: 180, B: 150, A: 255})
		}
	}
	return encodePNG(t, img)
}

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return encodePNG(t, img)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newEditor(t *testing.T, cfg config.Config, opts ...idphoto.Option) *idphoto.Editor {
	t.Helper()
	e, err := idphoto.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testConfig() config.Config {
	cfg := idphoto.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.QueueSize = 8
	cfg.MaxRetries = 0
	cfg.Matte.Profile = config.MatteQuick
	return cfg
}

// fakeAPI serves the detection, preview, check and enhancement endpoints.
type fakeAPI struct {
	t        *testing.T
	cutout   []byte
	preview  int // status for /generate/preview; 0 means 200
	refined  []byte
	previews int
	crops    int // previews that carried a manual_crop
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	switch r.URL.Path {
	case "/generate/detect":
		_, _ = w.Write([]byte(`{"found":true,"box":{"x":30,"y":30,"width":60,"height":80}}`))
	case "/generate/preview":
		f.previews++
		if body["manual_crop"] != nil {
			f.crops++
		}
		if f.preview != 0 {
			http.Error(w, "no", f.preview)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"photos": []string{"data:image/png;base64," + utils.EncodeBase64Image(f.cutout)}})
	case "/generate/check":
		_, _ = w.Write([]byte(`{"results":[{"category":"size","status":"pass","item":"head height","value":"33mm","standard":"32-36mm"}]}`))
	case "/hair-api":
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "refined_image": utils.EncodeBase64Image(f.refined), "timings": map[string]string{"total": "3s"}})
	default:
		http.NotFound(w, r)
	}
}

func withAPI(t *testing.T, api *fakeAPI) idphoto.Option {
	t.Helper()
	api.t = t
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return idphoto.WithServices(idphoto.NewServices(config.ServicesConfig{
		BaseURL:        srv.URL,
		EnhanceURL:     srv.URL + "/hair-api",
		RequestTimeout: 2 * time.Second,
		EnhanceTimeout: 2 * time.Second,
		HealthTimeout:  time.Second,
	}, srv.Client(), nil))
}

func decode(t *testing.T, raw []byte) image.Image {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return img
}

func hasWarning(v idphoto.View, sub string) bool {
	for _, w := range v.Warnings {
		if strings.Contains(w, sub) {
			return true
		}
	}
	return false
}

// ── Upload ────────────────────────────────────────────────────────────────────

func TestOpenWithoutServicesEstimates(t *testing.T) {
	e := newEditor(t, testConfig())
	v, err := e.Open(context.Background(), portraitJPEG(t), idphoto.OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v.ID == "" || v.Width != srcW || v.Height != srcH {
		t.Fatalf("view = %+v", v)
	}
	if v.Landmarks != geometry.KindEstimated || !hasWarning(v, "estimated") {
		t.Errorf("landmarks %v, warnings %v", v.Landmarks, v.Warnings)
	}
	if v.Stage != idphoto.StageUploaded || v.Target != geometry.LegacyTarget {
		t.Errorf("stage %v target %+v", v.Stage, v.Target)
	}
	if !v.Crop.Covers() {
		t.Error("initial crop exposes an edge")
	}
}

func TestOpenUsesDetector(t *testing.T) {
	e := newEditor(t, testConfig(), withAPI(t, &fakeAPI{}))
	v, err := e.Open(context.Background(), portraitJPEG(t), idphoto.OpenOptions{SpecID: "passport"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(v.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", v.Warnings)
	}
	if v.Spec.ID != "passport" || v.Target.CanvasW == geometry.LegacyTarget.CanvasW {
		t.Errorf("spec %+v target %+v", v.Spec, v.Target)
	}
}

func TestOpenClientLandmarks(t *testing.T) {
	e := newEditor(t, testConfig())
	points := map[geometry.Anchor]geometry.Point{
		geometry.PupilLeft: {X: 45, Y: 70}, geometry.PupilRight: {X: 75, Y: 70},
		geometry.NoseTip: {X: 60, Y: 90}, geometry.MouthLeft: {X: 50, Y: 110},
		geometry.MouthRight: {X: 70, Y: 110}, geometry.UpperLipTop: {X: 60, Y: 105},
		geometry.UnderLipBottom: {X: 60, Y: 115},
	}
	v, err := e.Open(context.Background(), portraitJPEG(t), idphoto.OpenOptions{Landmarks: points})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v.Landmarks != geometry.KindDetected {
		t.Errorf("landmarks = %v", v.Landmarks)
	}
}

func TestOpenRejects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxImageBytes = 64
	e := newEditor(t, cfg)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  []byte
		opts idphoto.OpenOptions
	}{
		{"garbage", []byte("definitely not an image"), idphoto.OpenOptions{}},
		{"too large", portraitJPEG(t), idphoto.OpenOptions{}},
		{"unknown spec", []byte("x"), idphoto.OpenOptions{SpecID: "moon-visa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Open(ctx, tt.raw, tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := e.Session("missing"); !errors.Is(err, apperrors.ErrSessionNotFound) {
		t.Errorf("Session(missing) = %v", err)
	}
}

// ── Full edit ─────────────────────────────────────────────────────────────────

func TestEditFlow(t *testing.T) {
	api := &fakeAPI{}
	api.cutout = cutoutPNG(t, srcW, srcH)
	dir := t.TempDir()
	store, err := storage.NewLocal(dir, 0o755)
	if err != nil {
		t.Fatal(err)
	}
	e := newEditor(t, testConfig(), withAPI(t, api), idphoto.WithStorage(store))
	ctx := context.Background()

	v, err := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := v.ID

	if _, err := e.Crop(id, idphoto.CropOp{Action: idphoto.CropZoom, Scale: 2}); err != nil {
		t.Fatalf("Crop: %v", err)
	}

	v, err = e.Composite(ctx, id, idphoto.CompositeOptions{})
	if err != nil || v.Stage != idphoto.StageComposited {
		t.Fatalf("Composite: %v stage %v warnings %v", err, v.Stage, v.Warnings)
	}
	if api.previews != 1 {
		t.Errorf("previews = %d", api.previews)
	}

	v, err = e.Matte(ctx, id, "")
	if err != nil || v.Stage != idphoto.StageRefined {
		t.Fatalf("Matte: %v stage %v", err, v.Stage)
	}

	v, err = e.Place(ctx, id, idphoto.GeometryOptions{})
	if err != nil || v.Stage != idphoto.StagePlaced {
		t.Fatalf("Place: %v stage %v", err, v.Stage)
	}
	if v.Transform == nil || v.Transform.CanvasW != 413 || v.Transform.CanvasH != 531 {
		t.Fatalf("transform = %+v", v.Transform)
	}
	if v.BeautyMode == cosmetic.ModeUninitialized {
		t.Error("cosmetic engine not initialised after placement")
	}

	frame, err := e.Beauty(id, map[cosmetic.Key]any{cosmetic.KeyBrightness: 10.0, cosmetic.KeySmoothIntensity: 40})
	if err != nil {
		t.Fatalf("Beauty: %v", err)
	}
	if frame.Bounds().Dx() != 413 || frame.Bounds().Dy() != 531 {
		t.Fatalf("frame = %v", frame.Bounds())
	}

	out, err := e.Export(ctx, id, idphoto.ExportOptions{Store: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if out.Fallback || out.Format != core.FormatJPEG || out.Key == nil {
		t.Fatalf("export = %+v", out)
	}
	if b := decode(t, out.Data).Bounds(); b.Dx() != 413 || b.Dy() != 531 {
		t.Errorf("export size %v", b)
	}
	if _, err := os.Stat(filepath.Join(dir, out.Key.Bucket, out.Key.Path)); err != nil {
		t.Errorf("stored export: %v", err)
	}

	records, err := e.Check(ctx, id)
	if err != nil || len(records) != 1 || records[0].Status != remote.StatusPass {
		t.Errorf("Check = %+v, %v", records, err)
	}
}

// markedCutout is cutoutPNG with an opaque red square centred on (mx, my).
func markedCutout(t *testing.T, w, h, mx, my int) []byte {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(cutoutPNG(t, w, h)))
	if err != nil {
		t.Fatal(err)
	}
	buf := img.(*image.NRGBA)
	for y := my - 3; y <= my+3; y++ {
		for x := mx - 3; x <= mx+3; x++ {
			buf.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	return encodePNG(t, buf)
}

func TestCompositeStaysInSourceSpace(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		mx, my int
	}{
		{"full size", srcW, srcH, 60, 40},
		{"half size", srcW / 2, srcH / 2, 30, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{cutout: markedCutout(t, tt.w, tt.h, tt.mx, tt.my)}
			e := newEditor(t, testConfig(), withAPI(t, api))
			ctx := context.Background()

			v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
			// a zoomed view must not change what the service sees
			if _, err := e.Crop(v.ID, idphoto.CropOp{Action: idphoto.CropZoomAt, Factor: 2, CX: 206, CY: 265}); err != nil {
				t.Fatal(err)
			}
			v, err := e.Composite(ctx, v.ID, idphoto.CompositeOptions{Simple: true})
			if err != nil || v.Stage != idphoto.StageComposited {
				t.Fatalf("Composite: %v %v", err, v.Warnings)
			}
			if api.crops != 0 {
				t.Errorf("manual_crop sent %d times", api.crops)
			}
			out, err := e.Export(ctx, v.ID, idphoto.ExportOptions{Format: core.FormatPNG})
			if err != nil {
				t.Fatal(err)
			}
			img := decode(t, out.Data)
			if b := img.Bounds(); b.Dx() != srcW || b.Dy() != srcH {
				t.Fatalf("composite size %v, want source size", b)
			}
			r, g, _, a := img.At(60, 40).RGBA()
			if r>>8 < 200 || g>>8 > 60 || a>>8 < 200 {
				t.Errorf("marker at (60,40) = %d,%d a=%d, want red", r>>8, g>>8, a>>8)
			}
		})
	}
}

func TestCompositeRejectsReframedCutout(t *testing.T) {
	api := &fakeAPI{cutout: cutoutPNG(t, 109, 140)}
	e := newEditor(t, testConfig(), withAPI(t, api))
	ctx := context.Background()

	v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
	v, err := e.Composite(ctx, v.ID, idphoto.CompositeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if v.Stage != idphoto.StageUploaded || !hasWarning(v, "does not match") {
		t.Errorf("stage %v warnings %v", v.Stage, v.Warnings)
	}
}

func TestCompositeDegrades(t *testing.T) {
	ctx := context.Background()
	t.Run("no service", func(t *testing.T) {
		e := newEditor(t, testConfig())
		v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
		v, err := e.Composite(ctx, v.ID, idphoto.CompositeOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if v.Stage != idphoto.StageUploaded || !hasWarning(v, "not configured") {
			t.Errorf("stage %v warnings %v", v.Stage, v.Warnings)
		}
	})
	t.Run("service rejects", func(t *testing.T) {
		e := newEditor(t, testConfig(), withAPI(t, &fakeAPI{preview: http.StatusUnprocessableEntity}))
		v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
		v, err := e.Composite(ctx, v.ID, idphoto.CompositeOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if v.Stage != idphoto.StageUploaded || !hasWarning(v, "background removal failed") {
			t.Errorf("stage %v warnings %v", v.Stage, v.Warnings)
		}
	})
	t.Run("service down", func(t *testing.T) {
		e := newEditor(t, testConfig(), withAPI(t, &fakeAPI{preview: http.StatusBadGateway}))
		v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
		v, err := e.Composite(ctx, v.ID, idphoto.CompositeOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if v.Stage != idphoto.StageUploaded || len(v.Warnings) == 0 {
			t.Errorf("stage %v warnings %v", v.Stage, v.Warnings)
		}
	})
}

// ── Crop, beauty and export ───────────────────────────────────────────────────

func TestCropGestures(t *testing.T) {
	e := newEditor(t, testConfig())
	v, _ := e.Open(context.Background(), portraitJPEG(t), idphoto.OpenOptions{})

	ops := []idphoto.CropOp{
		{Action: idphoto.CropZoom, Scale: 3},
		{Action: idphoto.CropPan, DX: 500, DY: -500},
		{Action: idphoto.CropZoomAt, Factor: 0.5, CX: 10, CY: 10},
		{Action: idphoto.CropContainer, W: 300, H: 400},
		{Action: idphoto.CropFit},
	}
	var st crop.State
	for _, op := range ops {
		var err error
		if st, err = e.Crop(v.ID, op); err != nil {
			t.Fatalf("%s: %v", op.Action, err)
		}
		if !st.Covers() {
			t.Fatalf("%s exposed an edge: %+v", op.Action, st)
		}
	}
	if _, err := e.Crop(v.ID, idphoto.CropOp{Action: "spin"}); !apperrors.IsCategory(err, apperrors.CategoryInput) {
		t.Errorf("unknown action: %v", err)
	}
}

func TestBeautyBeforePlacement(t *testing.T) {
	e := newEditor(t, testConfig())
	v, _ := e.Open(context.Background(), portraitJPEG(t), idphoto.OpenOptions{})

	frame, err := e.Beauty(v.ID, map[cosmetic.Key]any{cosmetic.KeyContrast: 20})
	if err != nil {
		t.Fatalf("Beauty: %v", err)
	}
	if frame.Bounds().Dx() != srcW {
		t.Errorf("frame = %v", frame.Bounds())
	}
	if _, err := e.Beauty(v.ID, map[cosmetic.Key]any{cosmetic.KeyBrightness: 90}); !apperrors.IsCategory(err, apperrors.CategoryInput) {
		t.Errorf("out of range: %v", err)
	}
	// brightness is valid, contrast is not: nothing may change
	_, err = e.Beauty(v.ID, map[cosmetic.Key]any{cosmetic.KeyBrightness: 10, cosmetic.KeyContrast: 99})
	if !apperrors.IsCategory(err, apperrors.CategoryInput) {
		t.Errorf("mixed update: %v", err)
	}
	if got, _ := e.Session(v.ID); got.BeautyParams.Brightness != 0 || got.BeautyParams.Contrast != 20 {
		t.Errorf("params after rejected update = %+v", got.BeautyParams)
	}
	reset, err := e.ResetBeauty(v.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := e.Session(v.ID)
	if got.BeautyParams.Contrast != 0 || reset == nil {
		t.Errorf("params after reset = %+v", got.BeautyParams)
	}
}

func TestExportMaxBytes(t *testing.T) {
	e := newEditor(t, testConfig())
	ctx := context.Background()
	v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})

	out, err := e.Export(ctx, v.ID, idphoto.ExportOptions{MaxBytes: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if out.Fallback || int64(len(out.Data)) > 1<<20 {
		t.Errorf("export = %d bytes fallback=%v", len(out.Data), out.Fallback)
	}
}

func TestExportFallsBackToLastGood(t *testing.T) {
	e := newEditor(t, testConfig())
	ctx := context.Background()
	raw := portraitJPEG(t)
	v, _ := e.Open(ctx, raw, idphoto.OpenOptions{})

	// no WebP encoder without libvips
	out, err := e.Export(ctx, v.ID, idphoto.ExportOptions{Format: core.FormatWebP})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Fallback || !bytes.Equal(out.Data, raw) || out.Format != core.FormatJPEG {
		t.Errorf("export fallback=%v format=%v", out.Fallback, out.Format)
	}
}

// ── Enhancement ───────────────────────────────────────────────────────────────

func TestEnhanceReplacesCanvas(t *testing.T) {
	blue := color.NRGBA{R: 10, G: 20, B: 240, A: 255}
	api := &fakeAPI{refined: solidPNG(t, 413, 531, blue)}
	api.cutout = cutoutPNG(t, srcW, srcH)
	e := newEditor(t, testConfig(), withAPI(t, api))
	ctx := context.Background()

	v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
	if _, err := e.Place(ctx, v.ID, idphoto.GeometryOptions{}); err != nil {
		t.Fatal(err)
	}

	events, stop := e.Subscribe(4)
	defer stop()
	jobID, err := e.Enhance(ctx, v.ID)
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	select {
	case ev := <-events:
		if ev.JobID != jobID || ev.Kind != enhance.KindReady || ev.Fallback {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no enhancement event")
	}

	// the editor applies the result on its own subscription
	deadline := time.Now().Add(3 * time.Second)
	for {
		out, err := e.Export(ctx, v.ID, idphoto.ExportOptions{Format: core.FormatPNG})
		if err != nil {
			t.Fatal(err)
		}
		r, g, b, _ := decode(t, out.Data).At(200, 260).RGBA()
		if r>>8 == 10 && g>>8 == 20 && b>>8 == 240 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("canvas not replaced: %d %d %d", r>>8, g>>8, b>>8)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if u := e.EnhancerUsage(); u.Calls != 1 {
		t.Errorf("usage = %+v", u)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSweepAndDiscard(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTTL = time.Millisecond
	e := newEditor(t, cfg)
	ctx := context.Background()

	a, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
	b, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
	e.Discard(a.ID)
	if _, err := e.Session(a.ID); err == nil {
		t.Error("discarded session still reachable")
	}
	time.Sleep(5 * time.Millisecond)
	if n := e.Sweep(); n != 1 {
		t.Errorf("Sweep = %d", n)
	}
	if _, err := e.Session(b.ID); err == nil {
		t.Error("idle session survived sweep")
	}
}

func TestCheckWithoutValidator(t *testing.T) {
	e := newEditor(t, testConfig())
	v, _ := e.Open(context.Background(), portraitJPEG(t), idphoto.OpenOptions{})
	if _, err := e.Check(context.Background(), v.ID); !apperrors.IsCategory(err, apperrors.CategoryConfig) {
		t.Errorf("Check = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := idphoto.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	e := newEditor(t, testConfig())
	ctx := context.Background()
	v, _ := e.Open(ctx, portraitJPEG(t), idphoto.OpenOptions{})
	if _, err := e.Place(ctx, v.ID, idphoto.GeometryOptions{}); err != nil {
		t.Fatal(err)
	}
	snap, ok := e.Metrics()
	if !ok {
		t.Fatal("in-memory metrics expected")
	}
	if snap.StepCalls["canvas"] != 1 {
		t.Errorf("step calls = %v", snap.StepCalls)
	}
}
