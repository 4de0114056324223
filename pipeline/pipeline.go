// Package pipeline chains the photo stages, runs hooks around each one and
// retries transient failures.
package pipeline

import (
	"context"
	"time"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// Pipeline executes a sequence of Steps with hook and retry support.  A
// configured Pipeline is read-only and may be shared between goroutines.
type Pipeline struct {
	steps      []core.Step
	hooks      []core.Hook
	maxRetries int
	retryDelay time.Duration
}

// New returns a Pipeline running steps in order.
func New(steps ...core.Step) *Pipeline { return &Pipeline{steps: steps} }

// Use appends steps.  Returns the same Pipeline for chaining.
func (p *Pipeline) Use(s ...core.Step) *Pipeline {
	p.steps = append(p.steps, s...)
	return p
}

// AddHook registers an observer.
func (p *Pipeline) AddHook(h ...core.Hook) *Pipeline {
	p.hooks = append(p.hooks, h...)
	return p
}

// WithRetry sets the retry budget for transient failures.
func (p *Pipeline) WithRetry(maxRetries int, delay time.Duration) *Pipeline {
	p.maxRetries = maxRetries
	p.retryDelay = delay
	return p
}

// Steps returns the step names in execution order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Run executes every step on img.  The input is never modified; on error
// the partial output is discarded.
func (p *Pipeline) Run(ctx context.Context, img *core.ImageData) (*core.ProcessingResult, error) {
	if len(p.steps) == 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "pipeline.run", apperrors.ErrEmptyInput)
	}
	start := time.Now()
	timings := make(map[string]time.Duration, len(p.steps))
	current := img

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), err)
		}
		next, elapsed, err := p.runStep(ctx, step, current)
		timings[step.Name()] += elapsed
		if err != nil {
			return nil, err
		}
		current = next
	}
	return &core.ProcessingResult{
		Primary:        current,
		ProcessingTime: time.Since(start),
		StepTimings:    timings,
	}, nil
}

// Execute lets a whole pipeline be nested as a single step.
func (p *Pipeline) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	res, err := p.Run(ctx, img)
	if err != nil {
		return nil, err
	}
	return res.Primary, nil
}

// Name implements core.Step.
func (p *Pipeline) Name() string { return "pipeline" }

func (p *Pipeline) runStep(ctx context.Context, step core.Step, img *core.ImageData) (*core.ImageData, time.Duration, error) {
	p.callHooksBefore(ctx, step.Name(), img)

	var (
		result  *core.ImageData
		elapsed time.Duration
		err     error
	)
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		start := time.Now()
		result, err = step.Execute(ctx, img)
		elapsed += time.Since(start)
		if err == nil || !apperrors.IsRetryable(err) || attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			err = apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), ctx.Err())
			attempt = p.maxRetries
		case <-time.After(p.retryDelay):
		}
	}

	p.callHooksAfter(ctx, step.Name(), result, elapsed, err)
	return result, elapsed, err
}

func (p *Pipeline) callHooksBefore(ctx context.Context, name string, img *core.ImageData) {
	for _, h := range p.hooks {
		h.BeforeStep(ctx, name, img)
	}
}

func (p *Pipeline) callHooksAfter(ctx context.Context, name string, img *core.ImageData, d time.Duration, err error) {
	for _, h := range p.hooks {
		h.AfterStep(ctx, name, img, d, err)
	}
}

// Clone returns a copy whose step and hook lists can be extended without
// affecting p.
func (p *Pipeline) Clone() *Pipeline {
	return &Pipeline{
		steps:      append([]core.Step(nil), p.steps...),
		hooks:      append([]core.Hook(nil), p.hooks...),
		maxRetries: p.maxRetries,
		retryDelay: p.retryDelay,
	}
}
