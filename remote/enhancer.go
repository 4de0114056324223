package remote

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/utils"
)

const (
	// DefaultEnhanceTimeout covers a cold start of the GPU container.
	DefaultEnhanceTimeout = 60 * time.Second
	// DefaultHealthTimeout bounds the health check.
	DefaultHealthTimeout = 5 * time.Second
	// CostPerSecond is the GPU price used for usage estimates.
	CostPerSecond = 0.000164
)

type enhanceResponse struct {
	Success      bool              `json:"success"`
	RefinedImage string            `json:"refined_image"`
	Timings      map[string]string `json:"timings"`
	Size         any               `json:"size"`
	Error        string            `json:"error"`
}

// EnhanceResult always carries a usable image.  On any failure Image is the
// input and Fallback is set.
type EnhanceResult struct {
	Image    []byte
	Fallback bool
	Err      error
	Timings  map[string]string
	Seconds  float64 // service-reported total, 0 if unknown
}

// Usage accumulates service time for cost monitoring.
type Usage struct {
	Calls        int64   `json:"calls"`
	TotalSeconds float64 `json:"total_seconds"`
	TotalCost    float64 `json:"total_cost"`
	AvgSeconds   float64 `json:"avg_seconds"`
	CostPerCall  float64 `json:"cost_per_call"`
}

// Enhancer calls the hair/cosmetic refinement service.
type Enhancer struct {
	client
	url    string
	health client

	mu    sync.Mutex
	usage Usage
}

// NewEnhancer creates an enhancement client.  Zero timeouts take the
// defaults.
func NewEnhancer(url string, timeout, healthTimeout time.Duration, hc *http.Client, logger core.Logger) *Enhancer {
	if timeout <= 0 {
		timeout = DefaultEnhanceTimeout
	}
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthTimeout
	}
	return &Enhancer{
		client: newClient(hc, timeout, logger),
		url:    url,
		health: newClient(hc, healthTimeout, logger),
	}
}

// Refine sends img and returns the refined image, or img itself if anything
// goes wrong.
func (e *Enhancer) Refine(ctx context.Context, img []byte) EnhanceResult {
	const op = "remote.enhance"
	fallback := func(err error) EnhanceResult {
		e.logger.Warn("remote.enhance.fallback", "error", err.Error())
		return EnhanceResult{Image: img, Fallback: true, Err: err}
	}

	var out enhanceResponse
	if err := e.postJSON(ctx, op, e.url, map[string]string{
		"image": utils.EncodeBase64Image(img),
	}, &out); err != nil {
		return fallback(err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fallback(apperrors.New(apperrors.CategoryExternal, op, errors.New(msg)))
	}
	refined, err := utils.DecodeBase64Image(out.RefinedImage)
	if err != nil || len(refined) == 0 {
		if err == nil {
			err = apperrors.ErrEmptyInput
		}
		return fallback(apperrors.New(apperrors.CategoryExternal, op, err))
	}

	secs := parseSeconds(out.Timings["total"])
	e.track(secs)
	e.logger.Info("remote.enhance.done", "seconds", secs, "size", out.Size)
	return EnhanceResult{Image: refined, Timings: out.Timings, Seconds: secs}
}

// parseSeconds reads "12.3s" style durations.
func parseSeconds(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "s"), 64)
	if err != nil {
		return 0
	}
	return v
}

func (e *Enhancer) track(secs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage.Calls++
	e.usage.TotalSeconds += secs
	e.usage.TotalCost = e.usage.TotalSeconds * CostPerSecond
}

// Usage returns the accumulated statistics.
func (e *Enhancer) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	u := e.usage
	if u.Calls > 0 {
		u.AvgSeconds = u.TotalSeconds / float64(u.Calls)
		u.CostPerCall = u.TotalCost / float64(u.Calls)
	}
	return u
}

// ResetUsage clears the statistics.
func (e *Enhancer) ResetUsage() {
	e.mu.Lock()
	e.usage = Usage{}
	e.mu.Unlock()
}

// HealthURL derives the health endpoint: the service is deployed with the
// "hair-api" label swapped for "health".
func HealthURL(url string) string { return strings.Replace(url, "hair-api", "health", 1) }

// Health reports whether the service answers its health check.
func (e *Enhancer) Health(ctx context.Context) bool {
	err := e.health.do(ctx, "remote.health", http.MethodGet, HealthURL(e.url), nil, nil)
	if err != nil {
		e.logger.Warn("remote.health.failed", "error", err.Error())
		return false
	}
	return true
}
