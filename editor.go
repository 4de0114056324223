// Package idphoto is the ID-photo editor: upload a portrait, remove and
// refine the background, align the face to a print specification, retouch
// and export.
//
// An Editor owns every shared resource (codec registry, worker pool,
// segmentation model, remote clients) and an in-memory store of editing
// sessions.  All operations address a session by id.
package idphoto

import (
	"context"
	"net/http"
	"sync"

	"github.com/Skryldev/idphoto/adapters/decoder"
	"github.com/Skryldev/idphoto/adapters/encoder"
	"github.com/Skryldev/idphoto/adapters/vips"
	"github.com/Skryldev/idphoto/compositor"
	"github.com/Skryldev/idphoto/config"
	"github.com/Skryldev/idphoto/core"
	"github.com/Skryldev/idphoto/enhance"
	"github.com/Skryldev/idphoto/geometry"
	"github.com/Skryldev/idphoto/hairmask"
	"github.com/Skryldev/idphoto/hooks"
	"github.com/Skryldev/idphoto/remote"
	"github.com/Skryldev/idphoto/session"
)

// Re-export format constants for convenience.
const (
	JPEG = core.FormatJPEG
	PNG  = core.FormatPNG
	WebP = core.FormatWebP
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Services are the remote collaborators.  Any of them may be nil; the
// editor then degrades to its local fallback for that stage.
type Services struct {
	Detector  *remote.FaceDetector
	Remover   *remote.BackgroundRemover
	Enhancer  *remote.Enhancer
	Validator *remote.Validator
}

// NewServices builds clients for every configured URL.
func NewServices(cfg config.ServicesConfig, hc *http.Client, logger core.Logger) Services {
	var s Services
	if cfg.BaseURL != "" {
		s.Detector = remote.NewFaceDetector(cfg.BaseURL, cfg.RequestTimeout, hc, logger)
		s.Remover = remote.NewBackgroundRemover(cfg.BaseURL, cfg.RequestTimeout, hc, logger)
		s.Validator = remote.NewValidator(cfg.BaseURL, cfg.RequestTimeout, hc, logger)
	}
	if cfg.EnhanceURL != "" {
		s.Enhancer = remote.NewEnhancer(cfg.EnhanceURL, cfg.EnhanceTimeout, cfg.HealthTimeout, hc, logger)
	}
	return s
}

// Option customises an Editor.
type Option func(*Editor)

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option {
	return func(e *Editor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics replaces the in-memory metrics collector.
func WithMetrics(m core.MetricsCollector) Option {
	return func(e *Editor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithServices overrides the clients built from the config.
func WithServices(s Services) Option {
	return func(e *Editor) { e.services, e.servicesSet = s, true }
}

// WithStorage sets where exports are persisted.
func WithStorage(s core.StorageAdapter) Option { return func(e *Editor) { e.storage = s } }

// WithSegmenter sets the hair segmentation model.  Without one the editor
// derives the hair mask from the cutout's own alpha.
func WithSegmenter(f hairmask.Factory) Option { return func(e *Editor) { e.segmenter = f } }

// Editor is the primary entry point.  It is safe for concurrent use; calls
// on the same session are serialised.
type Editor struct {
	cfg      config.Config
	reg      *core.DefaultRegistry
	proc     *core.Processor
	logger   core.Logger
	metrics  core.MetricsCollector
	services Services
	storage  core.StorageAdapter

	servicesSet bool

	segmenter  hairmask.Factory
	hair       *hairmask.Session
	compositor *compositor.Compositor
	enhancer   *enhance.Service
	solver     geometry.Solver
	sessions   *session.Store
	vips       *vips.Backend

	stopEvents func()
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New creates a fully wired Editor with JPEG, PNG and WebP decoding and
// JPEG and PNG encoding.  With cfg.UseVips the libvips backend replaces the
// codecs and adds WebP export.  Call Close when done.
func New(cfg config.Config, opts ...Option) (*Editor, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	e := &Editor{
		cfg:       cfg,
		reg:       core.NewRegistry(),
		logger:    core.NopLogger{},
		metrics:   hooks.NewInMemoryMetrics(),
		segmenter: hairmask.StaticFactory(hairmask.AlphaSegmenter{}),
		sessions:  session.NewStore(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.servicesSet {
		e.services = NewServices(cfg.Services, nil, e.logger)
	}

	e.reg.RegisterDecoder(core.FormatJPEG, decoder.NewJPEG())
	e.reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	e.reg.RegisterDecoder(core.FormatWebP, decoder.NewWebP())
	e.reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(cfg.DefaultQuality))
	e.reg.RegisterEncoder(core.FormatPNG, encoder.NewPNG())
	if cfg.UseVips {
		e.vips = vips.NewBackend(vips.BackendConfig{DefaultQuality: cfg.DefaultQuality, MaxWorkers: cfg.WorkerCount})
		vips.Register(e.reg, e.vips)
	}

	e.proc = core.New(cfg, e.reg)
	e.proc.SetLogger(e.logger)
	e.proc.AddHook(hooks.NewLoggingHook(e.logger))
	e.proc.AddHook(hooks.NewMetricsHook(e.metrics))
	e.proc.Start()

	e.hair = hairmask.NewSession(e.segmenter, e.logger)
	e.compositor = compositor.New(e.reg, e.logger, e.metrics)
	e.enhancer = enhance.NewService(e.proc, e.services.Enhancer, e.metrics, e.logger)
	e.solver = geometry.Solver{Logger: e.logger}

	events, stop := e.enhancer.Subscribe(64)
	e.stopEvents = stop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for ev := range events {
			e.applyEnhancement(ev)
		}
	}()
	return e, nil
}

// Config returns the configuration the editor was built with.
func (e *Editor) Config() config.Config { return e.cfg }

// Registry exposes the codec registry.
func (e *Editor) Registry() core.Registry { return e.reg }

// Logger returns the editor's logger.
func (e *Editor) Logger() core.Logger { return e.logger }

// Metrics returns a snapshot when the collector is the in-memory one.
func (e *Editor) Metrics() (hooks.MetricsSnapshot, bool) {
	m, ok := e.metrics.(*hooks.InMemoryMetrics)
	if !ok {
		return hooks.MetricsSnapshot{}, false
	}
	return m.Snapshot(), true
}

// Stats returns lightweight worker-pool statistics.
func (e *Editor) Stats() (processed, errors int64, queued int) {
	return e.proc.ProcessedCount(), e.proc.ErrorCount(), e.proc.Pending()
}

// Subscribe forwards enhancement events.  The returned function
// unsubscribes.
func (e *Editor) Subscribe(buffer int) (<-chan enhance.Event, func()) {
	return e.enhancer.Subscribe(buffer)
}

// EnhancerHealthy checks the enhancement service.
func (e *Editor) EnhancerHealthy(ctx context.Context) bool { return e.enhancer.Healthy(ctx) }

// EnhancerUsage reports service time and cost so far.
func (e *Editor) EnhancerUsage() remote.Usage { return e.enhancer.Usage() }

// Preload initialises the segmentation model ahead of the first composite.
func (e *Editor) Preload(ctx context.Context) { e.hair.Preload(ctx) }

// Specs lists the built-in print specifications.
func (e *Editor) Specs() []geometry.PrintSpec { return geometry.Specs() }

// Close stops the worker pool, drops every session and releases the model
// and the libvips backend.  Safe to call more than once.
func (e *Editor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.proc.Stop()
		e.stopEvents()
		e.wg.Wait()
		e.sessions.Close()
		err = e.hair.Close()
		if e.vips != nil {
			e.vips.Shutdown()
		}
	})
	return err
}
