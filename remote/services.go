package remote

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
	"github.com/Skryldev/idphoto/utils"
)

// ── Face detection ────────────────────────────────────────────────────────────

// Box is a face bounding box in source pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect converts b to an integer rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X), int(b.Y), int(b.X+b.Width), int(b.Y+b.Height))
}

// Detection is the detector's answer.  Box is meaningful only when Found.
type Detection struct {
	Found bool `json:"found"`
	Box   Box  `json:"box"`
}

// Landmarks turns a detection into a provider.  The service reports only a
// box, so anchors are estimated inside it; without a face they are estimated
// over the whole w×h frame.
func (d Detection) Landmarks(w, h int) geometry.Provider {
	if d.Found && d.Box.Width > 0 && d.Box.Height > 0 {
		return geometry.EstimateIn(d.Box.Rect())
	}
	return geometry.Estimate(w, h)
}

// FaceDetector calls POST {base}/generate/detect.
type FaceDetector struct {
	client
	url string
}

// NewFaceDetector creates a detector client.  hc may be nil.
func NewFaceDetector(base string, timeout time.Duration, hc *http.Client, logger core.Logger) *FaceDetector {
	return &FaceDetector{client: newClient(hc, timeout, logger), url: endpoint(base, "/generate/detect")}
}

// Detect sends the encoded image.
func (f *FaceDetector) Detect(ctx context.Context, img []byte) (Detection, error) {
	var out Detection
	err := f.postJSON(ctx, "remote.detect", f.url, map[string]string{
		"image_base64": utils.EncodeBase64Image(img),
	}, &out)
	return out, err
}

// ── Background removal ────────────────────────────────────────────────────────

// ManualCrop is the crop rectangle forwarded to the preview service.
type ManualCrop struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type previewRequest struct {
	ImageBase64 string      `json:"image_base64"`
	SpecID      string      `json:"spec_id"`
	ManualCrop  *ManualCrop `json:"manual_crop"`
}

type previewResponse struct {
	ImageBase64 string   `json:"image_base64"`
	Photos      []string `json:"photos"`
	Error       string   `json:"error"`
}

// BackgroundRemover calls POST {base}/generate/preview.
type BackgroundRemover struct {
	client
	url string
}

// NewBackgroundRemover creates a background-removal client.
func NewBackgroundRemover(base string, timeout time.Duration, hc *http.Client, logger core.Logger) *BackgroundRemover {
	return &BackgroundRemover{client: newClient(hc, timeout, logger), url: endpoint(base, "/generate/preview")}
}

// Remove returns the encoded cutout.  crop may be nil.
func (b *BackgroundRemover) Remove(ctx context.Context, img []byte, specID string, crop *ManualCrop) ([]byte, error) {
	const op = "remote.remove_background"
	var out previewResponse
	if err := b.postJSON(ctx, op, b.url, previewRequest{
		ImageBase64: utils.EncodeBase64Image(img),
		SpecID:      specID,
		ManualCrop:  crop,
	}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, apperrors.New(apperrors.CategoryExternal, op, errors.New(out.Error))
	}
	payload := out.ImageBase64
	if payload == "" && len(out.Photos) > 0 {
		payload = out.Photos[0]
	}
	if payload == "" {
		return nil, apperrors.New(apperrors.CategoryExternal, op, apperrors.ErrEmptyInput)
	}
	raw, err := utils.DecodeBase64Image(payload)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryExternal, op, fmt.Errorf("cutout payload: %w", err))
	}
	return raw, nil
}

// ── Compliance check ──────────────────────────────────────────────────────────

// Status of a single compliance record.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Record is one line of the compliance report.  The core treats it as
// opaque and only forwards it.
type Record struct {
	Category string `json:"category"`
	Status   Status `json:"status"`
	Item     string `json:"item"`
	Value    string `json:"value"`
	Standard string `json:"standard"`
}

type checkResponse struct {
	Results []Record `json:"results"`
	Error   string   `json:"error"`
}

// Validator calls POST {base}/generate/check.
type Validator struct {
	client
	url string
}

// NewValidator creates a compliance client.
func NewValidator(base string, timeout time.Duration, hc *http.Client, logger core.Logger) *Validator {
	return &Validator{client: newClient(hc, timeout, logger), url: endpoint(base, "/generate/check")}
}

// Check runs the compliance rules of specID over img.
func (v *Validator) Check(ctx context.Context, img []byte, specID string) ([]Record, error) {
	const op = "remote.check"
	var out checkResponse
	if err := v.postJSON(ctx, op, v.url, map[string]string{
		"image_base64": utils.EncodeBase64Image(img),
		"spec_id":      specID,
	}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, apperrors.New(apperrors.CategoryExternal, op, errors.New(out.Error))
	}
	return out.Results, nil
}
