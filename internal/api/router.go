package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/phrazzld/studus-sync/internal/api/middleware"
	"github.com/phrazzld/studus-sync/internal/api/shared"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/service"
	"github.com/phrazzld/studus-sync/internal/service/auth"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRateLimitPerMinute is the per-IP request budget of /api routes.
const DefaultRateLimitPerMinute = 120

// healthCheckTimeout bounds a single /health check.
const healthCheckTimeout = 3 * time.Second

// RouterDeps are the collaborators of the HTTP API.
type RouterDeps struct {
	Logger   *slog.Logger
	JWT      auth.JWTService
	Users    service.UserService
	Admitter Admitter
	Tasks    TaskReader
	Stats    PerformanceReporter
	Sessions SessionAdmin
	Academic store.AcademicStore

	// HealthCheck reports whether backing services are reachable. Nil means
	// always healthy.
	HealthCheck func(ctx context.Context) error

	// RateLimitPerMinute is the per-IP budget of /api routes. Zero uses
	// DefaultRateLimitPerMinute; negative disables limiting.
	RateLimitPerMinute int
}

// NewRouter builds the chi router serving the API, /health and /metrics.
func NewRouter(d RouterDeps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewTraceMiddleware(d.Logger))
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Recoverer)

	authHandler := NewAuthHandler(d.Users, d.JWT, d.Logger)
	taskHandler := NewTaskHandler(d.Admitter, d.Tasks, d.Stats, d.Logger)
	sessionHandler := NewSessionHandler(d.Sessions)
	academicHandler := NewAcademicHandler(d.Academic)
	authMiddleware := middleware.NewAuthMiddleware(d.JWT)

	r.Route("/api", func(r chi.Router) {
		if limit := rateLimit(d.RateLimitPerMinute); limit > 0 {
			r.Use(httprate.Limit(limit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(rateLimited)))
		}

		// Authentication endpoints (public)
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Get("/auth/me", authHandler.Me)

			r.Post("/tasks", taskHandler.CreateTask)
			r.Get("/tasks", taskHandler.ListTasks)
			r.Get("/tasks/stats/performance", taskHandler.PerformanceStats)
			r.Get("/tasks/{id}", taskHandler.GetTask)
			r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)

			r.Get("/sessions/stats", sessionHandler.Stats)
			r.Delete("/sessions", sessionHandler.Clear)

			r.Get("/disciplines", academicHandler.ListDisciplines)
			r.Get("/disciplines/{key}/grades", academicHandler.ListGrades)
			r.Get("/disciplines/{key}/lessons", academicHandler.ListLessons)
		})
	})

	r.Get("/health", health(d.HealthCheck))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func rateLimit(perMinute int) int {
	if perMinute == 0 {
		return DefaultRateLimitPerMinute
	}
	return perMinute
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithErrorAndLog(w, r, http.StatusTooManyRequests, "Too many requests", nil)
}

func health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.FromContext(r.Context()).Warn("health check failed", "error", err)
				shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}
