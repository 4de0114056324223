package idphoto

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/idphoto/canvas"
	"github.com/Skryldev/idphoto/compositor"
	"github.com/Skryldev/idphoto/config"
	"github.com/Skryldev/idphoto/core"
	"github.com/Skryldev/idphoto/cosmetic"
	"github.com/Skryldev/idphoto/crop"
	"github.com/Skryldev/idphoto/enhance"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
	"github.com/Skryldev/idphoto/hairmask"
	"github.com/Skryldev/idphoto/hooks"
	"github.com/Skryldev/idphoto/matte"
	"github.com/Skryldev/idphoto/pipeline"
	"github.com/Skryldev/idphoto/remote"
	"github.com/Skryldev/idphoto/session"
	"github.com/Skryldev/idphoto/utils"
)

// Stage names how far a session has progressed.
type Stage string

const (
	StageUploaded   Stage = "uploaded"
	StageComposited Stage = "composited"
	StageRefined    Stage = "refined"
	StagePlaced     Stage = "placed"
)

const (
	// hairThreshold is the cutout alpha taken as the start of the hairline.
	hairThreshold = 128
	// aspectTolerance is the relative scale difference between axes still
	// treated as the same framing.
	aspectTolerance = 0.02
)

// View is a read-only snapshot of a session.
type View struct {
	ID           string              `json:"id"`
	Spec         geometry.PrintSpec  `json:"spec"`
	Target       geometry.Target     `json:"target"`
	Width        int                 `json:"width"`
	Height       int                 `json:"height"`
	Landmarks    geometry.Kind       `json:"landmarks"`
	Crop         crop.State          `json:"crop"`
	Transform    *geometry.Transform `json:"transform,omitempty"`
	Stage        Stage               `json:"stage"`
	BeautyMode   cosmetic.Mode       `json:"beauty_mode,omitempty"`
	BeautyParams cosmetic.Params     `json:"beauty_params"`
	Warnings     []string            `json:"warnings,omitempty"`
}

func viewOf(s *session.Session, warnings ...string) View {
	v := View{
		ID:           s.ID,
		Spec:         s.Spec,
		Target:       s.Target,
		Width:        s.Source.Rect.Dx(),
		Height:       s.Source.Rect.Dy(),
		Landmarks:    s.Landmarks.Kind(),
		Crop:         *s.Crop,
		Transform:    s.Transform,
		Stage:        StageUploaded,
		BeautyMode:   s.Engine.Mode(),
		BeautyParams: s.Engine.Params(),
		Warnings:     warnings,
	}
	switch {
	case s.Canvas != nil:
		v.Stage = StagePlaced
	case s.Matte != nil:
		v.Stage = StageRefined
	case s.Composite != nil:
		v.Stage = StageComposited
	}
	return v
}

// with runs fn on the locked session.
func (e *Editor) with(id string, fn func(s *session.Session) error) error {
	s, err := e.sessions.Get(id)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	return fn(s)
}

// resolveSpec maps an id to a spec and pixel target.  An empty id selects
// the configured default, and failing that the legacy canvas.
func (e *Editor) resolveSpec(id string) (geometry.PrintSpec, geometry.Target, error) {
	if id == "" {
		id = e.cfg.Geometry.DefaultSpec
	}
	if id == "" {
		return geometry.PrintSpec{ID: "legacy", Name: "Legacy 413x531"}, geometry.LegacyTarget, nil
	}
	spec, ok := geometry.Lookup(id)
	if !ok {
		return geometry.PrintSpec{}, geometry.Target{}, apperrors.New(apperrors.CategoryInput, "editor.spec",
			fmt.Errorf("unknown print spec %q", id))
	}
	return spec, geometry.TargetFor(spec), nil
}

// ── Upload ────────────────────────────────────────────────────────────────────

// OpenOptions configure a new session.
type OpenOptions struct {
	SpecID string
	// Landmarks supplied by the client skip the detection service.
	Landmarks map[geometry.Anchor]geometry.Point
}

// Open decodes raw, locates the face and starts a session.  Undecodable
// input fails here and no session is created.
func (e *Editor) Open(ctx context.Context, raw []byte, opts OpenOptions) (View, error) {
	const op = "editor.open"
	if limit := e.cfg.MaxImageBytes; limit > 0 && int64(len(raw)) > limit {
		return View{}, apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("upload is %d bytes, limit %d: %w", len(raw), limit, utils.ErrTooLarge))
	}
	spec, target, err := e.resolveSpec(opts.SpecID)
	if err != nil {
		return View{}, err
	}
	res, err := pipeline.New(&pipeline.DecodeStep{Registry: e.reg}).
		AddHook(e.stepHooks()...).
		Run(ctx, &core.ImageData{Data: raw})
	if err != nil {
		return View{}, err
	}
	src, err := core.BufferOf(op, res.Primary)
	if err != nil {
		return View{}, err
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()

	var warnings []string
	lm, warn := e.locate(ctx, raw, opts.Landmarks, w, h)
	if warn != "" {
		warnings = append(warnings, warn)
	}
	cs, err := crop.New(w, h, target.CanvasW, target.CanvasH)
	if err != nil {
		return View{}, err
	}

	s := e.sessions.Create(&session.Session{
		Spec:      spec,
		Target:    target,
		Raw:       raw,
		Source:    src,
		Landmarks: lm,
		Crop:      cs,
		Engine:    cosmetic.NewEngine(e.logger, e.metrics),
		LastGood:  raw,
	})
	e.logger.Info("editor.session.opened", "session", s.ID, "spec", spec.ID, "width", w, "height", h,
		"landmarks", string(lm.Kind()))

	s.Lock()
	defer s.Unlock()
	return viewOf(s, warnings...), nil
}

// locate returns landmarks from the client, the detector, or the estimate,
// in that order of preference.
func (e *Editor) locate(ctx context.Context, raw []byte, given map[geometry.Anchor]geometry.Point, w, h int) (geometry.Provider, string) {
	if len(given) > 0 {
		d, err := geometry.NewDetected(given)
		if err == nil {
			return d, ""
		}
		e.logger.Warn("editor.landmarks.rejected", "error", err.Error())
	}
	if e.services.Detector != nil {
		det, err := e.services.Detector.Detect(ctx, raw)
		if err == nil {
			lm := det.Landmarks(w, h)
			if !det.Found {
				return lm, "no face found; landmarks estimated"
			}
			return lm, ""
		}
		e.logger.Warn("editor.detect_failed", "error", err.Error())
		e.metrics.RecordFallback("editor.detect", string(apperrors.CategoryOf(err)))
	}
	return geometry.Estimate(w, h), "landmarks estimated"
}

// Session returns a snapshot of the session.
func (e *Editor) Session(id string) (View, error) {
	var v View
	err := e.with(id, func(s *session.Session) error {
		v = viewOf(s)
		return nil
	})
	return v, err
}

// Preview returns a copy of the most processed buffer of the session.
func (e *Editor) Preview(id string) (*image.NRGBA, error) {
	var img *image.NRGBA
	err := e.with(id, func(s *session.Session) error {
		img = core.Clone(s.Current())
		return nil
	})
	return img, err
}

// Visible returns the part of the current cutout that the crop state shows.
// Placement always works on the whole source; this is the editor's view.
func (e *Editor) Visible(id string) (*image.NRGBA, error) {
	var img *image.NRGBA
	err := e.with(id, func(s *session.Session) error {
		r := s.Crop.Rect()
		rect := image.Rect(int(math.Floor(r.X)), int(math.Floor(r.Y)),
			int(math.Ceil(r.X+r.W)), int(math.Ceil(r.Y+r.H))).Intersect(s.Source.Rect)
		if rect.Empty() {
			return apperrors.New(apperrors.CategoryContract, "editor.visible", apperrors.ErrInvalidDimensions)
		}
		img = imaging.Crop(s.Cutout(), rect)
		return nil
	})
	return img, err
}

// Sessions returns the number of live sessions.
func (e *Editor) Sessions() int { return e.sessions.Len() }

// Discard deletes a session.
func (e *Editor) Discard(id string) { e.sessions.Delete(id) }

// Sweep drops sessions idle for longer than the configured TTL.
// A zero TTL keeps sessions until they are discarded.
func (e *Editor) Sweep() int {
	if e.cfg.SessionTTL <= 0 {
		return 0
	}
	return e.sessions.Sweep(e.cfg.SessionTTL)
}

// SetLandmarks replaces the session landmarks with client-detected ones.
// Downstream stages are invalidated.
func (e *Editor) SetLandmarks(id string, points map[geometry.Anchor]geometry.Point) (View, error) {
	lm, err := geometry.NewDetected(points)
	if err != nil {
		return View{}, err
	}
	var v View
	err = e.with(id, func(s *session.Session) error {
		s.Landmarks = lm
		s.Transform, s.Canvas = nil, nil
		_ = s.Engine.Close()
		v = viewOf(s)
		return nil
	})
	return v, err
}

// SetSpec switches the print specification.  The crop is refitted and the
// placement invalidated.
func (e *Editor) SetSpec(id, specID string) (View, error) {
	spec, target, err := e.resolveSpec(specID)
	if err != nil {
		return View{}, err
	}
	var v View
	err = e.with(id, func(s *session.Session) error {
		if err := s.Crop.SetContainer(target.CanvasW, target.CanvasH); err != nil {
			return err
		}
		s.Spec, s.Target = spec, target
		s.Transform, s.Canvas = nil, nil
		_ = s.Engine.Close()
		v = viewOf(s)
		return nil
	})
	return v, err
}

// ── Crop ──────────────────────────────────────────────────────────────────────

// CropAction selects a crop gesture.
type CropAction string

const (
	CropFit       CropAction = "fit"
	CropPan       CropAction = "pan"
	CropZoom      CropAction = "zoom"
	CropZoomAt    CropAction = "zoom_at"
	CropContainer CropAction = "container"
)

// CropOp is one crop gesture.
type CropOp struct {
	Action CropAction
	DX, DY float64 // pan
	Scale  float64 // zoom
	Factor float64 // zoom_at
	CX, CY float64 // zoom_at pivot
	W, H   int     // container
}

// Crop applies op and returns the new state.  The state never exposes an
// image edge.
func (e *Editor) Crop(id string, op CropOp) (crop.State, error) {
	var st crop.State
	err := e.with(id, func(s *session.Session) error {
		switch op.Action {
		case CropFit:
			s.Crop.Fit()
		case CropPan:
			s.Crop.Pan(op.DX, op.DY)
		case CropZoom:
			s.Crop.Zoom(op.Scale)
		case CropZoomAt:
			s.Crop.ZoomAt(op.Factor, op.CX, op.CY)
		case CropContainer:
			if err := s.Crop.SetContainer(op.W, op.H); err != nil {
				return err
			}
		default:
			return apperrors.New(apperrors.CategoryInput, "editor.crop", fmt.Errorf("unknown crop action %q", op.Action))
		}
		st = *s.Crop
		return nil
	})
	return st, err
}

// ── Background ────────────────────────────────────────────────────────────────

// CompositeOptions tune the background stage.
type CompositeOptions struct {
	// Simple skips blending the original back in for hair detail.
	Simple bool
}

// Composite removes the background through the remote service and restores
// hair with the local mask.  Every failure degrades: a failed removal keeps
// the upload, a failed blend keeps the service cutout.  All layers stay in
// source pixels; the crop is a view over the source and is not sent.
func (e *Editor) Composite(ctx context.Context, id string, opts CompositeOptions) (View, error) {
	var v View
	err := e.with(id, func(s *session.Session) error {
		var warnings []string
		steps := pipeline.New(
			&pipeline.RemoveBackgroundStep{Remover: e.services.Remover, SpecID: s.Spec.ID},
		).WithRetry(e.cfg.MaxRetries, e.cfg.RetryDelay).
			AddHook(e.stepHooks()...)
		res, err := steps.Run(ctx, &core.ImageData{Data: s.Raw})
		if err != nil {
			e.logger.Warn("editor.remove_background.failed", "session", s.ID, "error", err.Error())
			e.metrics.RecordFallback("editor.remove_background", string(apperrors.CategoryOf(err)))
			v = viewOf(s, "background removal failed: "+err.Error())
			return nil
		}
		if len(res.Primary.Warnings) > 0 {
			v = viewOf(s, res.Primary.Warnings...)
			return nil
		}

		cloudRaw := res.Primary.Data
		cloud, err := core.DecodeBytes(ctx, e.reg, cloudRaw)
		var cloudBuf *image.NRGBA
		if err == nil {
			cloudBuf, err = core.BufferOf("editor.composite", cloud)
		}
		if err == nil {
			if cloudBuf, err = fitSource(cloudBuf, s.Source.Rect.Size()); err != nil {
				e.metrics.RecordFallback("editor.composite", string(apperrors.CategoryOf(err)))
				v = viewOf(s, "cutout does not match the upload: "+err.Error())
				return nil
			}
		}
		var mask *image.NRGBA
		if err == nil {
			if mask, err = e.hair.Mask(ctx, cloudBuf); err != nil {
				warnings = append(warnings, "hair mask unavailable")
				mask = nil
			}
		}
		in := compositor.Input{
			Cloud:    compositor.Source{Raw: cloudRaw, Image: imageOrNil(cloudBuf)},
			Original: compositor.Source{Raw: s.Raw, Image: s.Source},
		}
		if mask != nil {
			in.HairMask = mask
		}
		var out compositor.Result
		if opts.Simple {
			out = e.compositor.CompositeSimple(ctx, in)
		} else {
			out = e.compositor.Composite(ctx, in)
		}
		if out.Image == nil {
			v = viewOf(s, append(warnings, "cutout undecodable: "+out.Reason)...)
			return nil
		}
		if out.Fallback {
			warnings = append(warnings, "compositing fell back to the service cutout")
		}

		s.Composite = out.Image
		s.Matte, s.Canvas, s.Transform = nil, nil, nil
		_ = s.Engine.Close()
		e.commit(ctx, s, out.Image, core.FormatPNG)
		v = viewOf(s, warnings...)
		return nil
	})
	return v, err
}

// fitSource scales a cutout the service returned at a different resolution
// back onto the source grid.  A cutout with another aspect ratio covers a
// different region and is rejected.
func fitSource(cut *image.NRGBA, src image.Point) (*image.NRGBA, error) {
	got := cut.Rect.Size()
	if got == src {
		return cut, nil
	}
	if got.X <= 0 || got.Y <= 0 {
		return nil, apperrors.New(apperrors.CategoryContract, "editor.composite", apperrors.ErrInvalidDimensions)
	}
	sx := float64(src.X) / float64(got.X)
	sy := float64(src.Y) / float64(got.Y)
	if math.Abs(sx-sy) > aspectTolerance*math.Max(sx, sy) {
		return nil, apperrors.Contract("editor.composite", "cutout %dx%d, source %dx%d", got.X, got.Y, src.X, src.Y)
	}
	return imaging.Resize(cut, src.X, src.Y, imaging.Linear), nil
}

func imageOrNil(b *image.NRGBA) image.Image {
	if b == nil {
		return nil
	}
	return b
}

// stepHooks returns the observers every editor pipeline carries.
func (e *Editor) stepHooks() []core.Hook {
	return []core.Hook{hooks.NewLoggingHook(e.logger), hooks.NewMetricsHook(e.metrics)}
}

// ── Matte ─────────────────────────────────────────────────────────────────────

// Matte refines the alpha edge of the composite.  An empty profile uses the
// configured default.
func (e *Editor) Matte(ctx context.Context, id string, profile config.MatteProfile) (View, error) {
	if profile == "" {
		profile = e.cfg.Matte.Profile
	}
	opts := matte.Full()
	switch profile {
	case config.MatteFull:
	case config.MatteQuick:
		opts = matte.Quick()
	default:
		return View{}, apperrors.New(apperrors.CategoryInput, "editor.matte", fmt.Errorf("unknown matte profile %q", profile))
	}

	var v View
	err := e.with(id, func(s *session.Session) error {
		var warnings []string
		src := s.Composite
		if src == nil {
			src = s.Source
			warnings = append(warnings, "no cutout yet; refining the upload")
		}
		res, err := pipeline.New(&pipeline.RefineMatteStep{Options: opts}).
			AddHook(e.stepHooks()...).
			Run(ctx, core.WithBuffer(&core.ImageData{}, src))
		if err != nil {
			return err
		}
		refined, err := core.BufferOf("editor.matte", res.Primary)
		if err != nil {
			return err
		}
		s.Matte = refined
		s.Canvas, s.Transform = nil, nil
		_ = s.Engine.Close()
		e.commit(ctx, s, refined, core.FormatPNG)
		v = viewOf(s, warnings...)
		return nil
	})
	return v, err
}

// ── Geometry ──────────────────────────────────────────────────────────────────

// GeometryOptions tune the placement.  Zero values take the defaults.
type GeometryOptions struct {
	// HairTopY overrides the detected hairline, in source pixels.
	HairTopY        *float64
	ChinRatio       float64
	HorizontalShift float64
}

// Place solves the head-size rule and draws the cutout on the print canvas.
// The cosmetic renderer is (re)initialised on the placed photo.
func (e *Editor) Place(ctx context.Context, id string, opts GeometryOptions) (View, error) {
	var v View
	err := e.with(id, func(s *session.Session) error {
		var warnings []string
		w, h := s.Source.Rect.Dx(), s.Source.Rect.Dy()
		lm, fellBack := geometry.Resolve(s.Landmarks, w, h)
		if fellBack {
			warnings = append(warnings, "landmarks incomplete; estimated")
		}

		hairTop, how := e.hairline(s, lm, opts.HairTopY)
		if how != "" {
			warnings = append(warnings, how)
		}
		chin := opts.ChinRatio
		if chin <= 0 {
			chin = e.cfg.Geometry.ChinRatio
		}
		t, err := e.solver.Solve(geometry.SolveInput{
			Landmarks:       lm,
			HairTopY:        hairTop,
			SourceW:         w,
			SourceH:         h,
			CurrentW:        w,
			CurrentH:        h,
			ChinRatio:       chin,
			HorizontalShift: opts.HorizontalShift,
			Target:          s.Target,
		})
		if err != nil {
			return err
		}

		res, err := pipeline.New(&pipeline.CanvasStep{Transform: t}).
			AddHook(e.stepHooks()...).
			Run(ctx, core.WithBuffer(&core.ImageData{}, s.Cutout()))
		if err != nil {
			return err
		}
		placed, err := core.BufferOf("editor.place", res.Primary)
		if err != nil {
			return err
		}
		s.Transform, s.Canvas = &t, placed
		if _, err := s.Engine.Init(placed, geometry.Project(lm, t)); err != nil {
			return err
		}
		e.commit(ctx, s, placed, core.FormatJPEG)
		v = viewOf(s, append(warnings, t.Warnings...)...)
		return nil
	})
	return v, err
}

// hairline picks the top of the head: explicit value, landmark, cutout
// alpha, then a guess from the eyes.  The string explains a fallback.
func (e *Editor) hairline(s *session.Session, lm geometry.Provider, override *float64) (float64, string) {
	if override != nil {
		return *override, ""
	}
	if p, ok := lm.Point(geometry.HairTop); ok {
		return p.Y, ""
	}
	if cut := s.Cutout(); cut != s.Source {
		if y, ok := hairmask.TopRow(cut, hairThreshold); ok {
			return float64(y), ""
		}
	}
	y, err := geometry.HairTopFallback(lm)
	if err != nil {
		return 0, "hairline unknown"
	}
	return y, "hairline estimated from eye spacing"
}

// ── Beauty ────────────────────────────────────────────────────────────────────

// Beauty applies parameter changes as one edit and returns the rendered
// frame.  An invalid value rejects the whole request.  Before placement the
// renderer works on the current cutout.
func (e *Editor) Beauty(id string, changes map[cosmetic.Key]any) (*image.NRGBA, error) {
	var frame *image.NRGBA
	err := e.with(id, func(s *session.Session) error {
		if err := e.ensureEngine(s); err != nil {
			return err
		}
		var err error
		frame, err = s.Engine.Update(changes)
		return err
	})
	return frame, err
}

// ResetBeauty restores the default parameters.
func (e *Editor) ResetBeauty(id string) (*image.NRGBA, error) {
	var frame *image.NRGBA
	err := e.with(id, func(s *session.Session) error {
		if err := e.ensureEngine(s); err != nil {
			return err
		}
		var err error
		frame, err = s.Engine.Reset()
		return err
	})
	return frame, err
}

func (e *Editor) ensureEngine(s *session.Session) error {
	if s.Engine.Mode() != cosmetic.ModeUninitialized {
		return nil
	}
	lm := s.Landmarks
	src := s.Cutout()
	if s.Canvas != nil && s.Transform != nil {
		src, lm = s.Canvas, geometry.Project(lm, *s.Transform)
	}
	_, err := s.Engine.Init(src, lm)
	return err
}

// ── Export ────────────────────────────────────────────────────────────────────

// ExportOptions control the final encode.
type ExportOptions struct {
	Format  core.Format // default JPEG
	Quality int         // default from config
	// MaxBytes lowers JPEG quality until the file fits.
	MaxBytes int64
	// Store persists the export when a storage adapter is configured.
	Store bool
}

// Export is an encoded photo.
type Export struct {
	Data     []byte
	Format   core.Format
	Fallback bool // Data is the last known good photo, not a fresh encode
	Key      *core.StorageKey
	Warnings []string
}

// Export encodes the current photo.  If encoding fails the last known good
// photo is returned instead, so the caller always gets something usable.
func (e *Editor) Export(ctx context.Context, id string, opts ExportOptions) (Export, error) {
	format := opts.Format
	if format == "" {
		format = core.FormatJPEG
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = e.cfg.DefaultQuality
	}

	var out Export
	err := e.with(id, func(s *session.Session) error {
		p := pipeline.New(&pipeline.QualityStep{Quality: quality})
		if opts.MaxBytes > 0 && format == core.FormatJPEG {
			p.Use(&pipeline.AdaptiveCompressStep{
				Registry: e.reg, TargetSizeBytes: opts.MaxBytes, MinQuality: 40, MaxQuality: quality,
			})
		} else {
			p.Use(&pipeline.EncodeStep{Registry: e.reg, Format: format})
		}
		res, err := p.AddHook(e.stepHooks()...).Run(ctx, core.WithBuffer(&core.ImageData{}, s.Current()))
		if err != nil {
			e.logger.Warn("editor.export.fallback", "session", s.ID, "error", err.Error())
			e.metrics.RecordFallback("editor.export", string(apperrors.CategoryOf(err)))
			out = Export{Data: s.LastGood, Format: core.Format(utils.DetectFormat(s.LastGood)), Fallback: true,
				Warnings: []string{"export failed; returning last good photo"}}
			return nil
		}
		out = Export{Data: res.Primary.Data, Format: res.Primary.Format, Warnings: res.Primary.Warnings}
		s.Commit(out.Data)

		if opts.Store && e.storage != nil {
			key := core.StorageKey{Bucket: s.ID, Path: fmt.Sprintf("%s.%s", s.Spec.ID, extension(out.Format))}
			meta := map[string]string{"spec": s.Spec.ID, "format": string(out.Format)}
			if err := e.storage.Put(ctx, key, utils.BytesReader(out.Data), meta); err != nil {
				out.Warnings = append(out.Warnings, "not stored: "+err.Error())
			} else {
				out.Key = &key
			}
		}
		return nil
	})
	return out, err
}

func extension(f core.Format) string {
	if f == core.FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// commit encodes img and records it as the session's last good photo.
// Encoding problems are logged; the previous last good photo stays.
func (e *Editor) commit(ctx context.Context, s *session.Session, img *image.NRGBA, format core.Format) {
	data, err := core.EncodeImage(ctx, e.reg, core.WithBuffer(&core.ImageData{}, img), format, core.EncodeOptions{})
	if err != nil {
		e.logger.Warn("editor.commit_failed", "session", s.ID, "error", err.Error())
		return
	}
	s.Commit(data)
}

// ── Enhancement and checks ────────────────────────────────────────────────────

// Enhance queues the current photo for remote enhancement and returns the
// job id.  The outcome arrives as an event; a refined photo replaces the
// placed canvas.
func (e *Editor) Enhance(ctx context.Context, id string) (string, error) {
	var payload []byte
	err := e.with(id, func(s *session.Session) error {
		data, err := core.EncodeImage(ctx, e.reg, core.WithBuffer(&core.ImageData{}, s.Current()), core.FormatPNG, core.EncodeOptions{})
		if err != nil {
			return err
		}
		payload = data
		return nil
	})
	if err != nil {
		return "", err
	}
	return e.enhancer.Enhance(ctx, id, payload)
}

func (e *Editor) applyEnhancement(ev enhance.Event) {
	if ev.Kind != enhance.KindReady || ev.Fallback {
		return
	}
	err := e.with(ev.SessionID, func(s *session.Session) error {
		decoded, err := core.DecodeBytes(context.Background(), e.reg, ev.Image)
		if err != nil {
			return err
		}
		buf, err := core.BufferOf("editor.enhanced", decoded)
		if err != nil {
			return err
		}
		if s.Canvas != nil && buf.Rect.Size() != s.Canvas.Rect.Size() {
			return apperrors.Contract("editor.enhanced", "%v vs canvas %v", buf.Rect.Size(), s.Canvas.Rect.Size())
		}
		s.Canvas = buf
		lm := s.Landmarks
		if s.Transform != nil {
			lm = geometry.Project(lm, *s.Transform)
		}
		if _, err := s.Engine.Init(buf, lm); err != nil {
			return err
		}
		s.Commit(ev.Image)
		return nil
	})
	if err != nil {
		e.logger.Warn("editor.enhanced_discarded", "session", ev.SessionID, "job", ev.JobID, "error", err.Error())
	}
}

// Check runs the remote compliance rules over the last good photo.
func (e *Editor) Check(ctx context.Context, id string) ([]remote.Record, error) {
	if e.services.Validator == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "editor.check", apperrors.ErrServiceUnavailable)
	}
	var (
		photo  []byte
		specID string
	)
	err := e.with(id, func(s *session.Session) error {
		photo, specID = s.LastGood, s.Spec.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.services.Validator.Check(ctx, photo, specID)
}
