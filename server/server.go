// Package server exposes the editor over HTTP and pushes enhancement events
// to websocket clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	idphoto "github.com/Skryldev/idphoto"
	"github.com/Skryldev/idphoto/config"
	"github.com/Skryldev/idphoto/core"
	"github.com/Skryldev/idphoto/enhance"
	"github.com/Skryldev/idphoto/realtime"
)

const (
	shutdownGrace = 10 * time.Second
	sweepInterval = time.Minute
	// base64 inflates uploads by a third; the rest is JSON framing.
	bodyOverhead = 64 << 10
)

// Server routes HTTP requests to an Editor.
type Server struct {
	editor   *idphoto.Editor
	cfg      config.HTTPConfig
	logger   core.Logger
	hub      *realtime.Hub
	cors     *cors.Cors
	validate *validator.Validate
	maxBody  int64
	router   chi.Router
}

// New builds the router.  logger may be nil.
func New(ed *idphoto.Editor, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NopLogger{}
	}
	cfg := ed.Config()
	s := &Server{
		editor:   ed,
		cfg:      cfg.HTTP,
		logger:   logger,
		validate: validator.New(),
		cors: cors.New(cors.Options{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Fallback", "X-Storage-Key"},
			MaxAge:         300,
		}),
	}
	if cfg.MaxImageBytes > 0 {
		s.maxBody = cfg.MaxImageBytes*4/3 + bodyOverhead
	}
	s.hub = realtime.NewHub(logger, func(r *http.Request) bool {
		// non-browser clients send no Origin
		return r.Header.Get("Origin") == "" || s.cors.OriginAllowed(r)
	})
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *realtime.Hub { return s.hub }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(s.cors.Handler)

	// websocket connections outlive the request timeout
	r.Get("/ws", s.hub.ServeWS)

	r.Group(func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		r.Route("/api", func(r chi.Router) {
			r.Get("/health", s.health)
			r.Get("/metrics", s.metrics)
			r.Get("/specs", s.specs)
			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.openSession)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getSession)
					r.Delete("/", s.deleteSession)
					r.Put("/spec", s.setSpec)
					r.Put("/landmarks", s.setLandmarks)
					r.Post("/crop", s.crop)
					r.Post("/composite", s.composite)
					r.Post("/matte", s.matte)
					r.Post("/geometry", s.geometry)
					r.Patch("/beauty", s.beauty)
					r.Post("/beauty/reset", s.resetBeauty)
					r.Get("/preview", s.preview)
					r.Get("/export", s.export)
					r.Post("/enhance", s.enhance)
					r.Post("/check", s.check)
				})
			})
		})
	})
	return r
}

// Start runs the hub, forwards editor events to it and sweeps idle
// sessions until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)

	events, stop := s.editor.Subscribe(64)
	go func() {
		<-ctx.Done()
		stop()
	}()
	go func() {
		for ev := range events {
			s.hub.Broadcast(eventOf(ev))
		}
	}()

	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.editor.Sweep(); n > 0 {
					s.logger.Info("server.sessions_swept", "count", n)
				}
			}
		}
	}()
}

func eventOf(ev enhance.Event) realtime.Event {
	out := realtime.Event{
		Type:      "enhance",
		SessionID: ev.SessionID,
		JobID:     ev.JobID,
		Status:    string(ev.Kind),
		Fallback:  ev.Fallback,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
