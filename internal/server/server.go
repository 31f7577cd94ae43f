package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxRequestBodyBytes caps POST bodies. Zero means the 1 MiB default.
	MaxRequestBodyBytes int64
	Version             string
	// OpenAPISpec, when set, is served at GET /openapi.yaml.
	OpenAPISpec []byte
}

// Server is the sabaki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates the HTTP server with all routes and middleware wired.
func New(cfg Config, handlers *Handlers, logger *slog.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxRequestBodyBytes == 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /history", handlers.HandleHistory)
	mux.HandleFunc("GET /manual-history", handlers.HandleManualHistory)
	mux.HandleFunc("POST /analyze", handlers.HandleAnalyze)
	mux.HandleFunc("GET /api/stats/system", handlers.HandleSystemStats)
	mux.HandleFunc("GET /events", handlers.HandleEvents)
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	var handler http.Handler = mux
	handler = http.MaxBytesHandler(handler, cfg.MaxRequestBodyBytes)
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully wired handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
