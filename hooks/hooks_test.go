package hooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggingHook(t *testing.T) {
	var buf bytes.Buffer
	hook := NewLoggingHook(NewSlogLogger(NewLogger(&buf, "debug")))
	ctx := context.Background()
	img := &core.ImageData{Meta: core.Metadata{Width: 4, Height: 3}, Warnings: []string{"landmarks estimated"}}

	hook.BeforeStep(ctx, "crop", img)
	hook.AfterStep(ctx, "crop", img, time.Millisecond, nil)
	hook.AfterStep(ctx, "composite", nil, time.Millisecond, apperrors.Transient("remote.remove", errors.New("503")))

	out := buf.String()
	for _, want := range []string{
		`"msg":"pipeline.step.start"`,
		`"output":"4x3"`,
		`"warning":"landmarks estimated"`,
		`"msg":"pipeline.step.error"`,
		`"category":"transient"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	NewSlogLogger(NewLogger(&buf, "warn")).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
}

func TestMetricsHook(t *testing.T) {
	m := NewInMemoryMetrics()
	hook := NewMetricsHook(m)
	ctx := context.Background()

	hook.AfterStep(ctx, "matte", nil, 2*time.Millisecond, nil)
	hook.AfterStep(ctx, "matte", nil, 3*time.Millisecond, errors.New("boom"))
	m.RecordFallback("segmenter", "unavailable")

	snap := m.Snapshot()
	if snap.StepCalls["matte"] != 2 || snap.StepErrors["matte"] != 1 {
		t.Errorf("calls/errors = %d/%d", snap.StepCalls["matte"], snap.StepErrors["matte"])
	}
	if snap.StepDurations["matte"] != 5*time.Millisecond || snap.Fallbacks["segmenter"] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	snap.StepCalls["matte"] = 99
	if m.Snapshot().StepCalls["matte"] != 2 {
		t.Error("snapshot shares state with collector")
	}
}
