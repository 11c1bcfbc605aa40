// Package api implements the form-handler and status surface of spec.md
// §6.1: the HTTP endpoints a migration wizard's frontend calls directly
// (create_migration, verify_email, get_status, submit_directory_token,
// download_backup, cancel, retry).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/atmigrate/migrator/pkg/config"
	"github.com/atmigrate/migrator/pkg/identity"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/log"
	"github.com/atmigrate/migrator/pkg/metrics"
	"github.com/atmigrate/migrator/pkg/orchestrator"
	"github.com/atmigrate/migrator/pkg/store"
	"github.com/atmigrate/migrator/pkg/vault"
)

// Server is the form-handler HTTP API. It never performs protocol-adapter
// work itself — every handler either enqueues a job step or delegates to
// pkg/orchestrator.Phases for the handful of operations spec.md §6.1
// defines as synchronous (submit_directory_token, download_backup).
type Server struct {
	store    *store.BoltStore
	vault    *vault.Vault
	resolver *identity.Resolver
	phases   *orchestrator.Phases
	enqueue  func(ctx context.Context, job *jobs.Job) error
	cfg      config.Config
	logger   zerolog.Logger

	router chi.Router
	http   *http.Server
}

// NewServer wires a Server against its collaborators and builds the route
// table. Call ListenAndServe to start serving.
func NewServer(s *store.BoltStore, v *vault.Vault, resolver *identity.Resolver, phases *orchestrator.Phases, enqueue func(context.Context, *jobs.Job) error, cfg config.Config) *Server {
	srv := &Server{
		store:    s,
		vault:    v,
		resolver: resolver,
		phases:   phases,
		enqueue:  enqueue,
		cfg:      cfg,
		logger:   log.WithComponent("api"),
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.metricsMiddleware)
	r.Use(s.requestLogMiddleware)

	r.Route("/v1/migrations", func(r chi.Router) {
		r.Post("/", s.handleCreateMigration)
		r.Get("/{token}", s.handleGetStatus)
		r.Post("/{token}/verify-email", s.handleVerifyEmail)
		r.Post("/{token}/directory-token", s.handleSubmitDirectoryToken)
		r.Get("/{token}/backup", s.handleDownloadBackup)
		r.Post("/{token}/cancel", s.handleCancel)
		r.Post("/{token}/retry", s.handleRetry)
	})

	return r
}

// ListenAndServe starts the HTTP server on addr, blocking until Shutdown is
// called or an unrecoverable error occurs.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // download_backup streams a zip; give it room
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api: listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()
	})
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("api: request")
	})
}
