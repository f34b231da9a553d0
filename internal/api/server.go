// Package api exposes the operational HTTP surface: health probes,
// queue and response statistics, and batch cancellation.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/store"
)

// Server is the ops API server.
type Server struct {
	store  *store.Store
	bus    *events.Bus
	ramp   store.RampFunc
	health *HealthChecker
	server *http.Server
	router *chi.Mux
}

// New builds the ops server. The ramp must match the one the scheduler
// and dispatcher run with so reported limits agree. redisClient may be
// nil when Redis is not configured.
func New(st *store.Store, db *sql.DB, redisClient *redis.Client, bus *events.Bus, ramp store.RampFunc) *Server {
	if ramp == nil {
		ramp = func(day, base int) int { return base }
	}
	s := &Server{
		store:  st,
		bus:    bus,
		ramp:   ramp,
		health: NewHealthChecker(db, redisClient, st),
	}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health.HandleHealth)
	r.Get("/health/live", s.health.HandleLiveness)
	r.Get("/health/ready", s.health.HandleReadiness)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats/queue", s.handleQueueStats)
		r.Get("/stats/responses", s.handleResponseStats)
		r.Get("/stats/campaigns", s.handleCampaignStats)
		r.Get("/stats/mailboxes", s.handleMailboxesStats)
		r.Get("/mailboxes/{id}/stats", s.handleMailboxStats)
		r.Post("/batches/{id}/cancel", s.handleCancelBatch)
	})

	return r
}

// ListenAndServe starts the HTTP server on addr and blocks until
// shutdown or failure.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
