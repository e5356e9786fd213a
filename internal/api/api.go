// Package api provides HTTP handlers and the main API server logic for
// FormWeaver.
//
// It exposes RESTful endpoints for AI-assisted schema generation, form
// publishing, response collection, and the owner dashboard. The API
// integrates with the flow, store, session, and auth modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/formweaver/formweaver/internal/auth"
	"github.com/formweaver/formweaver/internal/models"
	"github.com/formweaver/formweaver/internal/observability"
	"github.com/formweaver/formweaver/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Timeouts for the HTTP server.
const (
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// SchemaGenerator drives the AI schema generation pipeline.
type SchemaGenerator interface {
	Generate(ctx context.Context, prompt, sessionID string) (string, models.FormSchema, error)
	AmendFromForm(ctx context.Context, formID, owner, prompt string) (string, models.FormSchema, error)
	RefineSession(ctx context.Context, sessionID, prompt string) (string, models.FormSchema, []models.ConversationTurn, error)
	SessionState(ctx context.Context, sessionID string) ([]models.ConversationTurn, models.FormSchema, error)
	DiscardSession(ctx context.Context, sessionID string) error
}

// Opts holds configuration for Server construction.
type Opts struct {
	Addr string
}

// Option configures Server construction.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the FormWeaver HTTP API.
type Server struct {
	generator  SchemaGenerator
	store      store.Store
	auth       *auth.Authenticator
	metrics    *observability.Metrics
	addr       string
	httpServer *http.Server
}

// NewServer assembles the API server from its collaborators.
func NewServer(generator SchemaGenerator, st store.Store, authenticator *auth.Authenticator, metrics *observability.Metrics, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		generator: generator,
		store:     st,
		auth:      authenticator,
		metrics:   metrics,
		addr:      addr,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.recordRequest)

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireUser)

			r.Post("/ai/generate-form", s.generateFormHandler)
			r.Post("/ai/amend-form", s.amendFormHandler)
			r.Post("/ai/amend-session", s.amendSessionHandler)
			r.Get("/ai/session/{sessionID}", s.getSessionHandler)

			r.Post("/forms", s.saveFormHandler)
			r.Get("/forms", s.listFormsHandler)
			r.Get("/forms/{formID}", s.getFormHandler)
			r.Get("/forms/{formID}/responses", s.listResponsesHandler)
			r.Get("/responses", s.listOwnerResponsesHandler)
			r.Get("/dashboard", s.dashboardHandler)
		})

		r.Get("/forms/{formID}/public", s.getPublicFormHandler)
		r.With(s.auth.OptionalUser).Post("/forms/{formID}/responses", s.submitResponseHandler)
	})

	return r
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}

// recordRequest counts completed requests per route pattern and status.
func (s *Server) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.RecordHTTPRequest(route, strconv.Itoa(ww.Status()))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
