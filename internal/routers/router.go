package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"collab/internal/api"
	"collab/internal/metrics"
	"collab/internal/session"
)

func New(log *zap.Logger, hub *session.Hub, corsOrigin string) http.Handler {
	h := api.NewHandlers(log, hub)
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{corsOrigin},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Group(func(r chi.Router) {
		r.Use(metrics.Middleware, middleware.Timeout(60*time.Second))

		r.Get("/api/v1/healthz", h.Health)
		r.Post("/api/v1/ws/ticket", h.IssueTicket)
		r.Get("/api/v1/rooms", h.ListRooms)
	})

	r.Handle("/metrics", metrics.Handler())

	// Long-lived websocket routes stay outside the timeout group. The bare
	// route exists so a missing document id reaches the gateway's 4400 path
	// instead of a plain 404.
	r.Get("/ws/collab", h.CollabWS)
	r.Get("/ws/collab/{documentID}", h.CollabWS)

	return r
}
