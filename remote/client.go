// Package remote holds JSON-over-HTTP clients for the external services:
// face detection, background removal, cosmetic enhancement and compliance
// checking.  Each call carries its own timeout.  Network failures, timeouts
// and 5xx responses are transient; 4xx responses are external errors.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// maxErrorBody caps how much of a failed response ends up in an error.
const maxErrorBody = 512

// client is the shared transport for every service client.
type client struct {
	http    *http.Client
	logger  core.Logger
	timeout time.Duration
}

func newClient(hc *http.Client, timeout time.Duration, logger core.Logger) client {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = core.NopLogger{}
	}
	return client{http: hc, logger: logger, timeout: timeout}
}

// postJSON sends in as JSON and decodes the response into out.
func (c client) postJSON(ctx context.Context, op, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperrors.New(apperrors.CategoryEncode, op, err)
	}
	return c.do(ctx, op, http.MethodPost, url, bytes.NewReader(body), out)
}

func (c client) do(ctx context.Context, op, method, url string, body io.Reader, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apperrors.New(apperrors.CategoryConfig, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("remote.request_failed", "op", op, "error", err.Error())
		return apperrors.Transient(op, fmt.Errorf("%w: %v", apperrors.ErrServiceUnavailable, err))
	}
	defer resp.Body.Close()
	c.logger.Debug("remote.response", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 {
			return apperrors.Transient(op, fmt.Errorf("%w: %v", apperrors.ErrServiceUnavailable, err))
		}
		return apperrors.New(apperrors.CategoryExternal, op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.New(apperrors.CategoryExternal, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// endpoint joins base and path without doubling slashes.
func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
