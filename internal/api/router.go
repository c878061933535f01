package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/metrics"
	"github.com/lalithlochan/driveline/internal/redis"
)

// NewRouter mounts the handlers. limiter may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		// long-lived, so no request timeout
		r.Get("/events", h.Events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/badge", h.GetBadge)

			r.Get("/dropdown", h.GetDropdown)
			r.Post("/dropdown/toggle", h.ToggleDropdown)
			r.Post("/dropdown/close", h.CloseDropdown)

			r.Get("/notifications", h.ListNotifications)
			r.Delete("/notifications", h.ClearNotifications)
			r.Post("/notifications/close", h.CloseList)
			r.Post("/notifications/read-all", h.MarkAllRead)
			r.Post("/notifications/{id}/read", h.MarkRead)
			r.Delete("/notifications/{id}", h.DeleteNotification)

			r.Get("/status", h.GetStatus)
			r.Post("/session/login", h.Login)
			r.Post("/session/logout", h.Logout)
		})
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
