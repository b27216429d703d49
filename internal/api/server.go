// Package api exposes the file chooser over HTTP.
//
// Handlers never touch the chooser directly: every operation is posted to
// the reactor goroutine and the handler waits for the request's reply.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/termfilechooser/internal/auth"
	"github.com/mattjoyce/termfilechooser/internal/events"
	"github.com/mattjoyce/termfilechooser/internal/filechooser"
	"github.com/mattjoyce/termfilechooser/internal/history"
)

// Poster runs closures on the reactor goroutine.
type Poster interface {
	Post(fn func()) error
}

// Chooser is the part of filechooser.Chooser the API drives. All methods
// except Stats are called from posted closures only.
type Chooser interface {
	OpenFile(handle string, opts filechooser.OpenOptions, resp filechooser.Responder) error
	SaveFile(handle string, opts filechooser.SaveOptions, resp filechooser.Responder) error
	Close(handle string) error
	CloseOwned(handle string, resp filechooser.Responder) error
	Stats() filechooser.Stats
}

// History stores completed requests.
type History interface {
	Record(ctx context.Context, e history.Entry) (string, error)
	Get(ctx context.Context, handle string) (*history.Entry, error)
	List(ctx context.Context, limit int) ([]*history.Entry, error)
}

// EventSource is the consumer side of the event hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	Since(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	loop      Poster
	chooser   Chooser
	history   History
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	stopOnce sync.Once
	stopping chan struct{}
}

// New creates a new API server instance
func New(config Config, loop Poster, chooser Chooser, hist History, events EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		loop:      loop,
		chooser:   chooser,
		history:   hist,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
		stopping:  make(chan struct{}),
	}
}

// Start serves on config.Listen until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: chooser calls block until the user picks.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String(), "auth", s.authEnabled())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		s.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		s.stop()
		return fmt.Errorf("server error: %w", err)
	}
}

// stop releases handlers still waiting on a reply.
func (s *Server) stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		choose := s.requireScope(auth.Write(auth.ScopeChooser))
		r.With(choose).Post("/filechooser/open", s.handleOpen)
		r.With(choose).Post("/filechooser/save", s.handleSave)
		r.With(choose).Post("/request/{handle}/close", s.handleClose)

		hist := s.requireScope(auth.Read(auth.ScopeHistory))
		r.With(hist).Get("/requests", s.handleListRequests)
		r.With(hist).Get("/requests/{handle}", s.handleGetRequest)

		r.With(s.requireScope(auth.Read(auth.ScopeEvents))).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
