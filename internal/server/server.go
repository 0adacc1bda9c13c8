// Package server exposes the question pipeline and the operator
// surface over HTTP.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/audit"
	"github.com/querypilot/querypilot/internal/auth"
	"github.com/querypilot/querypilot/internal/cache"
	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/internal/queryexpert"
	"github.com/querypilot/querypilot/internal/ratelimit"
	"github.com/querypilot/querypilot/internal/session"
	"github.com/querypilot/querypilot/internal/server/sse"
	"github.com/querypilot/querypilot/pkg/models"
)

// questionRunner is the service's view of the orchestrator.
type questionRunner interface {
	Run(ctx context.Context, q models.Question) (*models.Answer, error)
}

// rateLimiter is the subset of the limiter the admin surface needs.
type rateLimiter interface {
	Reset(ctx context.Context, principal models.Principal) error
	Usage(ctx context.Context, principal models.Principal) (*ratelimit.Usage, error)
}

// Service is the HTTP front of querypilot.
type Service struct {
	runner      questionRunner
	guard       *auth.Guard
	limiter     rateLimiter
	resultCache *cache.Cache
	reaper      *session.Reaper
	records     *db.RecordStore
	auditLog    *audit.Logger
	broadcaster *sse.Broadcaster
	expert      queryexpert.Client
	router      chi.Router
	ready       atomic.Bool
	startTime   time.Time
	version     string
}

// New creates the HTTP service and wires its routes.
func New(runner questionRunner, guard *auth.Guard, limiter rateLimiter, resultCache *cache.Cache, reaper *session.Reaper, records *db.RecordStore, auditLog *audit.Logger, broadcaster *sse.Broadcaster, expert queryexpert.Client, version string) *Service {
	svc := &Service{
		runner:      runner,
		guard:       guard,
		limiter:     limiter,
		resultCache: resultCache,
		reaper:      reaper,
		records:     records,
		auditLog:    auditLog,
		broadcaster: broadcaster,
		expert:      expert,
		router:      chi.NewRouter(),
		startTime:   time.Now(),
		version:     version,
	}
	svc.setupRoutes()
	return svc
}

// Router returns the http handler for the service.
func (s *Service) Router() http.Handler { return s.router }

// SetReady flips the readiness probe.
func (s *Service) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/questions", s.handleQuestion)
		r.Get("/queries/{id}", s.handleGetQuery)
		r.Get("/queries/{id}/events", s.handleQueryEvents)
		r.Get("/events", s.handleEvents)
		r.Get("/history", s.handleHistory)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/ratelimit/reset", s.handleRateLimitReset)
		r.Get("/ratelimit/usage", s.handleRateLimitUsage)
		r.Post("/cache/invalidate", s.handleCacheInvalidate)
		r.Post("/sessions/expire", s.handleSessionsExpire)
		r.Post("/users", s.handleUserGrant)
		r.Get("/audit", s.handleAuditSearch)
	})
}

// requestLogger logs one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
