package core

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/idphoto/config"
	apperrors "github.com/Skryldev/idphoto/errors"
)

// errStopped is the result of jobs still queued when the pool stops.
var errStopped = errors.New("worker pool stopped")

// Processor is the background job pool.  Jobs run their steps with the
// configured timeout and transient-error retry; hooks observe every step.
// It is safe for concurrent use.
type Processor struct {
	cfg      config.Config
	registry Registry
	hooks    []Hook
	logger   Logger

	queue    chan Job
	wg       sync.WaitGroup
	started  sync.Once
	stopped  sync.Once
	shutdown chan struct{}
	// submitting guards the queue against a Submit racing Stop's drain.
	submitting sync.RWMutex

	processed int64
	failed    int64
}

// New creates a Processor.  Call Start before submitting and Stop when done.
func New(cfg config.Config, reg Registry) *Processor {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Processor{
		cfg:      cfg,
		registry: reg,
		logger:   NopLogger{},
		queue:    make(chan Job, size),
		shutdown: make(chan struct{}),
	}
}

// SetLogger attaches a structured logger.
func (p *Processor) SetLogger(l Logger) {
	if l != nil {
		p.logger = l
	}
}

// AddHook registers a step hook.  Not safe to call once jobs are running.
func (p *Processor) AddHook(h Hook) { p.hooks = append(p.hooks, h) }

// Registry returns the codec registry.
func (p *Processor) Registry() Registry { return p.registry }

// Start launches the workers.  It is idempotent.
func (p *Processor) Start() {
	p.started.Do(func() {
		n := p.cfg.WorkerCount
		if n <= 0 {
			n = runtime.NumCPU()
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		p.logger.Debug("processor.started", "workers", n, "queue", cap(p.queue))
	})
}

// Stop waits for running jobs, then fails every queued job with a pipeline
// error so that no caller waits forever.  Safe to call more than once.
func (p *Processor) Stop() {
	p.stopped.Do(func() {
		p.submitting.Lock()
		close(p.shutdown)
		p.submitting.Unlock()
		p.wg.Wait()
		for {
			select {
			case job := <-p.queue:
				p.finish(job, nil, apperrors.New(apperrors.CategoryPipeline, "processor.stop", errStopped))
			default:
				return
			}
		}
	})
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Processor) Pending() int { return len(p.queue) }

// Run executes steps over img on the calling goroutine.
func (p *Processor) Run(ctx context.Context, img *ImageData, steps ...Step) (*ProcessingResult, error) {
	if len(steps) == 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "processor.run", apperrors.ErrEmptyInput)
	}
	if img == nil {
		return nil, apperrors.New(apperrors.CategoryInput, "processor.run", apperrors.ErrEmptyInput)
	}
	start := time.Now()
	timings := make(map[string]time.Duration, len(steps))
	current := img
	for _, step := range steps {
		name := step.Name()
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, name, err)
		}
		p.notifyBefore(ctx, name, current)
		t := time.Now()
		next, err := p.attempt(ctx, step, current)
		timings[name] += time.Since(t)
		p.notifyAfter(ctx, name, next, timings[name], err)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return &ProcessingResult{
		Primary:        current,
		ProcessingTime: time.Since(start),
		StepTimings:    timings,
	}, nil
}

// Submit queues job.  A full queue or a stopped pool is reported as
// ErrWorkerPoolFull and the job is not run.
func (p *Processor) Submit(job Job) error {
	p.submitting.RLock()
	defer p.submitting.RUnlock()
	select {
	case <-p.shutdown:
		return apperrors.New(apperrors.CategoryPipeline, "processor.submit", apperrors.ErrWorkerPoolFull)
	default:
	}
	select {
	case p.queue <- job:
		return nil
	default:
		p.logger.Warn("processor.queue_full", "job", job.ID, "queue", cap(p.queue))
		return apperrors.New(apperrors.CategoryPipeline, "processor.submit", apperrors.ErrWorkerPoolFull)
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case job := <-p.queue:
			p.execute(job)
		}
	}
}

func (p *Processor) execute(job Job) {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	res, err := p.Run(ctx, job.Input, job.Steps...)
	p.finish(job, res, err)
}

func (p *Processor) finish(job Job, res *ProcessingResult, err error) {
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("processor.job_failed", "job", job.ID,
			"category", string(apperrors.CategoryOf(err)), "error", err.Error())
	} else {
		atomic.AddInt64(&p.processed, 1)
		p.logger.Debug("processor.job_done", "job", job.ID, "duration_ms", res.ProcessingTime.Milliseconds())
	}
	if job.ResultCh != nil {
		job.ResultCh <- JobResult{JobID: job.ID, Result: res, Err: err}
	}
}

// attempt runs one step, retrying transient failures up to MaxRetries
// times with RetryDelay between tries.
func (p *Processor) attempt(ctx context.Context, step Step, img *ImageData) (*ImageData, error) {
	for i := 0; ; i++ {
		out, err := step.Execute(ctx, img)
		if err == nil || !apperrors.IsRetryable(err) || i >= p.cfg.MaxRetries {
			return out, err
		}
		p.logger.Debug("processor.retry", "step", step.Name(), "attempt", i+1, "error", err.Error())
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), ctx.Err())
		case <-time.After(p.cfg.RetryDelay):
		}
	}
}

func (p *Processor) notifyBefore(ctx context.Context, name string, img *ImageData) {
	for _, h := range p.hooks {
		h.BeforeStep(ctx, name, img)
	}
}

func (p *Processor) notifyAfter(ctx context.Context, name string, img *ImageData, d time.Duration, err error) {
	for _, h := range p.hooks {
		h.AfterStep(ctx, name, img, d, err)
	}
}

// ProcessedCount returns the number of jobs that succeeded.
func (p *Processor) ProcessedCount() int64 { return atomic.LoadInt64(&p.processed) }

// ErrorCount returns the number of jobs that failed.
func (p *Processor) ErrorCount() int64 { return atomic.LoadInt64(&p.failed) }
