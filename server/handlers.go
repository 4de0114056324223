package server

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"

	idphoto "github.com/Skryldev/idphoto"
	"github.com/Skryldev/idphoto/config"
	"github.com/Skryldev/idphoto/core"
	"github.com/Skryldev/idphoto/cosmetic"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
	"github.com/Skryldev/idphoto/realtime"
	"github.com/Skryldev/idphoto/utils"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// readJSON reads a JSON body into v.  An empty body leaves v at its zero
// value.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := r.Body
	if s.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil && err != io.EOF {
		return apperrors.New(apperrors.CategoryInput, "server.decode", fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

// decode is readJSON followed by struct validation.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := s.readJSON(w, r, v); err != nil {
		return err
	}
	return s.validate.Struct(v)
}

func (s *Server) writeImage(w http.ResponseWriter, r *http.Request, img *image.NRGBA) {
	data, err := core.EncodeImage(r.Context(), s.editor.Registry(), core.WithBuffer(&core.ImageData{}, img), core.FormatPNG, core.EncodeOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", utils.MIMEType(string(core.FormatPNG)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) stage(v idphoto.View) {
	s.hub.Broadcast(realtime.Event{Type: "stage", SessionID: v.ID, Status: string(v.Stage)})
}

// ── Service ───────────────────────────────────────────────────────────────────

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"enhancer": s.editor.EnhancerHealthy(r.Context()),
		"sessions": s.editor.Sessions(),
		"clients":  s.hub.Clients(),
	})
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	processed, failed, queued := s.editor.Stats()
	out := map[string]any{
		"jobs_processed": processed,
		"jobs_failed":    failed,
		"jobs_queued":    queued,
		"enhancer":       s.editor.EnhancerUsage(),
	}
	if snap, ok := s.editor.Metrics(); ok {
		out["steps"] = snap
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) specs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.editor.Specs())
}

// ── Sessions ──────────────────────────────────────────────────────────────────

type openRequest struct {
	ImageBase64 string                             `json:"image_base64" validate:"required"`
	SpecID      string                             `json:"spec_id" validate:"omitempty,max=64"`
	Landmarks   map[geometry.Anchor]geometry.Point `json:"landmarks"`
}

// openSession accepts either a multipart form with an "image" file or a
// JSON body carrying the photo as base64.
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var (
		raw  []byte
		opts idphoto.OpenOptions
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if s.maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			WriteAPIError(w, http.StatusBadRequest, "input", "missing image file: "+err.Error())
			return
		}
		defer file.Close()
		cfg := s.editor.Config()
		buf, err := utils.DrainReader(r.Context(), &utils.LimitedReader{R: file, Max: cfg.MaxImageBytes}, cfg.ChunkSize)
		if err != nil {
			s.writeError(w, r, apperrors.Wrap(apperrors.CategoryInput, "server.upload", err))
			return
		}
		// the session keeps the upload; the pooled buffer goes back
		raw = utils.CloneBytes(buf.Bytes())
		utils.ReleaseBuffer(buf)
		opts.SpecID = r.FormValue("spec_id")
	} else {
		var req openRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		var err error
		if raw, err = utils.DecodeBase64Image(req.ImageBase64); err != nil {
			WriteAPIError(w, http.StatusBadRequest, "input", "image_base64: "+err.Error())
			return
		}
		opts = idphoto.OpenOptions{SpecID: req.SpecID, Landmarks: req.Landmarks}
	}

	v, err := s.editor.Open(r.Context(), raw, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+v.ID)
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	v, err := s.editor.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	s.editor.Discard(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

type specRequest struct {
	SpecID string `json:"spec_id" validate:"required,max=64"`
}

func (s *Server) setSpec(w http.ResponseWriter, r *http.Request) {
	var req specRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.editor.SetSpec(chi.URLParam(r, "id"), req.SpecID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type landmarksRequest struct {
	Landmarks map[geometry.Anchor]geometry.Point `json:"landmarks" validate:"required,min=1"`
}

func (s *Server) setLandmarks(w http.ResponseWriter, r *http.Request) {
	var req landmarksRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.editor.SetLandmarks(chi.URLParam(r, "id"), req.Landmarks)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ── Editing ───────────────────────────────────────────────────────────────────

type cropRequest struct {
	Action string  `json:"action" validate:"required,oneof=fit pan zoom zoom_at container"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	Scale  float64 `json:"scale" validate:"required_if=Action zoom,gte=0"`
	Factor float64 `json:"factor" validate:"required_if=Action zoom_at,gte=0"`
	CX     float64 `json:"cx"`
	CY     float64 `json:"cy"`
	W      int     `json:"w" validate:"required_if=Action container,gte=0"`
	H      int     `json:"h" validate:"required_if=Action container,gte=0"`
}

func (s *Server) crop(w http.ResponseWriter, r *http.Request) {
	var req cropRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.editor.Crop(chi.URLParam(r, "id"), idphoto.CropOp{
		Action: idphoto.CropAction(req.Action),
		DX:     req.DX, DY: req.DY,
		Scale:  req.Scale,
		Factor: req.Factor, CX: req.CX, CY: req.CY,
		W: req.W, H: req.H,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type compositeRequest struct {
	Simple bool `json:"simple"`
}

func (s *Server) composite(w http.ResponseWriter, r *http.Request) {
	var req compositeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.editor.Composite(r.Context(), chi.URLParam(r, "id"), idphoto.CompositeOptions{Simple: req.Simple})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stage(v)
	writeJSON(w, http.StatusOK, v)
}

type matteRequest struct {
	Profile string `json:"profile" validate:"omitempty,oneof=full quick"`
}

func (s *Server) matte(w http.ResponseWriter, r *http.Request) {
	var req matteRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.editor.Matte(r.Context(), chi.URLParam(r, "id"), config.MatteProfile(req.Profile))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stage(v)
	writeJSON(w, http.StatusOK, v)
}

type geometryRequest struct {
	HairTopY        *float64 `json:"hair_top_y" validate:"omitempty,gte=0"`
	ChinRatio       float64  `json:"chin_ratio" validate:"gte=0,lte=5"`
	HorizontalShift float64  `json:"horizontal_shift"`
}

func (s *Server) geometry(w http.ResponseWriter, r *http.Request) {
	var req geometryRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.editor.Place(r.Context(), chi.URLParam(r, "id"), idphoto.GeometryOptions{
		HairTopY:        req.HairTopY,
		ChinRatio:       req.ChinRatio,
		HorizontalShift: req.HorizontalShift,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stage(v)
	writeJSON(w, http.StatusOK, v)
}

// beauty takes a partial parameter object, e.g. {"brightness": 10}, and
// answers with the rendered PNG frame.
func (s *Server) beauty(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	if err := s.readJSON(w, r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	changes := make(map[cosmetic.Key]any, len(fields))
	for k, raw := range fields {
		key := cosmetic.Key(k)
		var (
			v   any
			err error
		)
		if key == cosmetic.KeyBlemishPoints {
			var pts []cosmetic.Point
			err = json.Unmarshal(raw, &pts)
			v = pts
		} else {
			err = json.Unmarshal(raw, &v)
		}
		if err != nil {
			WriteAPIError(w, http.StatusBadRequest, "input", k+": "+err.Error())
			return
		}
		changes[key] = v
	}
	frame, err := s.editor.Beauty(chi.URLParam(r, "id"), changes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeImage(w, r, frame)
}

func (s *Server) resetBeauty(w http.ResponseWriter, r *http.Request) {
	frame, err := s.editor.ResetBeauty(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeImage(w, r, frame)
}

// preview answers with the current photo as PNG.  ?view=crop limits it to
// the crop rectangle and ?width= scales it down keeping the aspect ratio.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	width := 0
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteAPIError(w, http.StatusBadRequest, "input", "width must be a positive integer")
			return
		}
		width = n
	}
	var (
		img *image.NRGBA
		err error
	)
	switch view := r.URL.Query().Get("view"); view {
	case "", "full":
		img, err = s.editor.Preview(chi.URLParam(r, "id"))
	case "crop":
		img, err = s.editor.Visible(chi.URLParam(r, "id"))
	default:
		WriteAPIError(w, http.StatusBadRequest, "input", "view must be full or crop")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if width > 0 && width < img.Rect.Dx() {
		pw, ph := utils.ScaleDimensions(img.Rect.Dx(), img.Rect.Dy(), width, 0)
		img = imaging.Resize(img, pw, max(ph, 1), imaging.Linear)
	}
	s.writeImage(w, r, img)
}

// ── Output ────────────────────────────────────────────────────────────────────

type exportQuery struct {
	Format   string `validate:"omitempty,oneof=jpeg png webp"`
	Quality  int    `validate:"gte=0,lte=100"`
	MaxBytes int64  `validate:"gte=0"`
	Store    bool
}

func parseExportQuery(r *http.Request) (exportQuery, error) {
	q := r.URL.Query()
	out := exportQuery{Format: strings.ToLower(q.Get("format"))}
	if out.Format == "jpg" {
		out.Format = string(core.FormatJPEG)
	}
	var err error
	if v := q.Get("quality"); v != "" {
		if out.Quality, err = strconv.Atoi(v); err != nil {
			return out, apperrors.New(apperrors.CategoryInput, "server.export", fmt.Errorf("quality: %w", err))
		}
	}
	if v := q.Get("max_bytes"); v != "" {
		if out.MaxBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return out, apperrors.New(apperrors.CategoryInput, "server.export", fmt.Errorf("max_bytes: %w", err))
		}
	}
	out.Store = q.Get("store") == "true" || q.Get("store") == "1"
	return out, nil
}

// export streams the encoded photo.  X-Fallback is set when the last good
// photo was returned instead of a fresh encode.
func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	q, err := parseExportQuery(r)
	if err == nil {
		err = s.validate.Struct(q)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.editor.Export(r.Context(), chi.URLParam(r, "id"), idphoto.ExportOptions{
		Format:   core.Format(q.Format),
		Quality:  q.Quality,
		MaxBytes: q.MaxBytes,
		Store:    q.Store,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", utils.MIMEType(string(out.Format)))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	if out.Fallback {
		w.Header().Set("X-Fallback", "true")
	}
	if out.Key != nil {
		w.Header().Set("X-Storage-Key", out.Key.Bucket+"/"+out.Key.Path)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}

func (s *Server) enhance(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.editor.Enhance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	records, err := s.editor.Check(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": records})
}
