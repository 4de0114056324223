// Package enhance runs the slow remote enhancement off the request path and
// publishes the outcome as events.
package enhance

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/pipeline"
	"github.com/Skryldev/idphoto/remote"
)

// Kind of an enhancement event.
type Kind string

const (
	KindReady  Kind = "ready"
	KindFailed Kind = "failed"
)

// Event reports a finished enhancement job.  Image is always usable: the
// refined photo, or the submitted one when Fallback is set.
type Event struct {
	SessionID string
	JobID     string
	Kind      Kind
	Image     []byte
	Fallback  bool
	Err       error
}

// Service submits enhancement jobs to the worker pool.
type Service struct {
	proc     *core.Processor
	enhancer *remote.Enhancer
	metrics  core.MetricsCollector
	logger   core.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewService creates a Service.  The processor must be started by the
// caller.  A nil enhancer makes every job fall back immediately.
func NewService(proc *core.Processor, enhancer *remote.Enhancer, metrics core.MetricsCollector, logger core.Logger) *Service {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Service{
		proc:     proc,
		enhancer: enhancer,
		metrics:  metrics,
		logger:   logger,
		subs:     make(map[int]chan Event),
	}
}

// Subscribe returns a channel receiving every event and a function that
// unsubscribes and closes it.  Slow subscribers miss events rather than
// stall the workers.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Service) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("enhance.event_dropped", "session", ev.SessionID, "job", ev.JobID)
		}
	}
}

// Enhance queues img for sessionID and returns the job id.  The job outlives
// ctx's cancellation but keeps its values.  A full queue is reported both
// as an error and as a failed event.
func (s *Service) Enhance(ctx context.Context, sessionID string, img []byte) (string, error) {
	jobID := uuid.NewString()
	if len(img) == 0 {
		return "", apperrors.New(apperrors.CategoryInput, "enhance", apperrors.ErrEmptyInput)
	}
	results := make(chan core.JobResult, 1)
	err := s.proc.Submit(core.Job{
		ID:       jobID,
		Ctx:      context.WithoutCancel(ctx),
		Input:    &core.ImageData{Data: img, Format: core.FormatPNG},
		Steps:    []core.Step{&pipeline.EnhanceStep{Enhancer: s.enhancer, Metrics: s.metrics}},
		ResultCh: results,
	})
	if err != nil {
		s.publish(Event{SessionID: sessionID, JobID: jobID, Kind: KindFailed, Image: img, Fallback: true, Err: err})
		return "", err
	}
	s.logger.Debug("enhance.submitted", "session", sessionID, "job", jobID)

	go func() {
		res := <-results
		s.publish(toEvent(sessionID, img, res))
	}()
	return jobID, nil
}

func toEvent(sessionID string, img []byte, res core.JobResult) Event {
	ev := Event{SessionID: sessionID, JobID: res.JobID}
	switch {
	case res.Err != nil:
		ev.Kind, ev.Image, ev.Fallback, ev.Err = KindFailed, img, true, res.Err
	case slices.Contains(res.Result.Primary.Warnings, pipeline.WarnEnhanceFallback):
		ev.Kind, ev.Image, ev.Fallback = KindReady, img, true
	default:
		ev.Kind, ev.Image = KindReady, res.Result.Primary.Data
	}
	return ev
}

// Healthy reports whether the enhancement service answers its health check.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.enhancer != nil && s.enhancer.Health(ctx)
}

// Usage returns the enhancement service usage statistics.
func (s *Service) Usage() remote.Usage {
	if s.enhancer == nil {
		return remote.Usage{}
	}
	return s.enhancer.Usage()
}
