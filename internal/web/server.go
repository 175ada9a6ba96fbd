// Package web exposes the detection pipeline over HTTP: multipart uploads
// in, JSON summaries and annotated videos out.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"facefind/internal/config"
	"facefind/internal/face"
	"facefind/internal/scan"
	"facefind/internal/store"
)

// Pipeline runs one end-to-end detection. Injected so handler tests don't
// need ffmpeg or a face engine.
type Pipeline func(ctx context.Context, opts scan.Options) (*scan.Summary, error)

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	http     *http.Server
	detector face.Detector
	pipeline Pipeline
	store    *store.Store
}

// NewServer wires the router. st may be nil; scans then simply aren't
// recorded.
func NewServer(cfg *config.Config, detector face.Detector, st *store.Store) *Server {
	r := chi.NewRouter()

	s := &Server{
		cfg:      cfg,
		router:   r,
		detector: detector,
		pipeline: scan.Process,
		store:    st,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	// Scans of long videos run inside the request.
	r.Use(chiMiddleware.Timeout(30 * time.Minute))

	r.Post("/api/detect", s.handleDetect)
	r.Get("/api/download/{filename}", s.handleDownload)
	r.Get("/api/view/{filename}", s.handleView)
	r.Get("/api/health", handleHealth)

	s.http = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the chi router for testing.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	log.Infof("Listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down HTTP server")
	return s.http.Shutdown(ctx)
}
