package enhance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Skryldev/idphoto/config"
	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/hooks"
	"github.com/Skryldev/idphoto/remote"
	"github.com/Skryldev/idphoto/utils"
)

func newProcessor(t *testing.T, queue int, start bool) *core.Processor {
	t.Helper()
	cfg := config.Default()
	cfg.WorkerCount = 1
	cfg.QueueSize = queue
	cfg.JobTimeout = 5 * time.Second
	p := core.New(cfg, core.NewRegistry())
	if start {
		p.Start()
		t.Cleanup(p.Stop)
	}
	return p
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestEnhanceReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"refined_image":"` + utils.EncodeBase64Image([]byte("better")) + `","timings":{"total":"2s"}}`))
	}))
	defer srv.Close()

	svc := NewService(newProcessor(t, 4, true), remote.NewEnhancer(srv.URL, time.Second, time.Second, nil, nil), nil, nil)
	events, stop := svc.Subscribe(4)
	defer stop()

	jobID, err := svc.Enhance(context.Background(), "s1", []byte("photo"))
	if err != nil || jobID == "" {
		t.Fatalf("Enhance: %q %v", jobID, err)
	}
	ev := next(t, events)
	if ev.Kind != KindReady || ev.Fallback || string(ev.Image) != "better" || ev.SessionID != "s1" || ev.JobID != jobID {
		t.Fatalf("event = %+v", ev)
	}
	if u := svc.Usage(); u.Calls != 1 || u.TotalSeconds != 2 {
		t.Errorf("usage = %+v", u)
	}
}

func TestEnhanceFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"oom"}`))
	}))
	defer srv.Close()

	metrics := hooks.NewInMemoryMetrics()
	svc := NewService(newProcessor(t, 4, true), remote.NewEnhancer(srv.URL, time.Second, time.Second, nil, nil), metrics, nil)
	events, stop := svc.Subscribe(4)
	defer stop()

	if _, err := svc.Enhance(context.Background(), "s1", []byte("photo")); err != nil {
		t.Fatal(err)
	}
	ev := next(t, events)
	if ev.Kind != KindReady || !ev.Fallback || string(ev.Image) != "photo" {
		t.Fatalf("event = %+v", ev)
	}
	if metrics.Snapshot().Fallbacks["enhance"] != 1 {
		t.Error("fallback not recorded")
	}
}

func TestEnhanceWithoutService(t *testing.T) {
	svc := NewService(newProcessor(t, 4, true), nil, nil, nil)
	events, stop := svc.Subscribe(1)
	defer stop()
	if _, err := svc.Enhance(context.Background(), "s", []byte("photo")); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, events); !ev.Fallback || string(ev.Image) != "photo" {
		t.Fatalf("event = %+v", ev)
	}
	if svc.Healthy(context.Background()) {
		t.Error("no service should not be healthy")
	}
}

func TestEnhanceQueueFull(t *testing.T) {
	svc := NewService(newProcessor(t, 1, false), nil, nil, nil)
	events, stop := svc.Subscribe(2)
	defer stop()

	if _, err := svc.Enhance(context.Background(), "s", []byte("a")); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Enhance(context.Background(), "s", []byte("b"))
	if !errors.Is(err, apperrors.ErrWorkerPoolFull) {
		t.Fatalf("err = %v", err)
	}
	if ev := next(t, events); ev.Kind != KindFailed || string(ev.Image) != "b" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEnhanceRejectsEmpty(t *testing.T) {
	svc := NewService(newProcessor(t, 1, false), nil, nil, nil)
	if _, err := svc.Enhance(context.Background(), "s", nil); !apperrors.IsCategory(err, apperrors.CategoryInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	svc := NewService(newProcessor(t, 1, false), nil, nil, nil)
	ch, stop := svc.Subscribe(1)
	stop()
	stop()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}
