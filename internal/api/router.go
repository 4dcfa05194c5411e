package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DEVector-it/Mythai/internal/events"
	mw "github.com/DEVector-it/Mythai/internal/middleware"
	"github.com/DEVector-it/Mythai/internal/store"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Chat handlers
	CreateChat http.HandlerFunc
	ListChats  http.HandlerFunc
	StreamTurn http.HandlerFunc
	RenameChat http.HandlerFunc
	DeleteChat http.HandlerFunc
	ShareChat  http.HandlerFunc
	SharedChat http.HandlerFunc

	// Account handlers
	GetQuota        http.HandlerFunc
	GetAnnouncement http.HandlerFunc

	// Middleware
	AuthMiddleware      func(http.Handler) http.Handler
	OwnershipMiddleware func(http.Handler) http.Handler

	// Optional burst-limiter backend health
	RedisHealthy func() bool
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	TurnRateLimiter    func(http.Handler) http.Handler
}

func NewRouter(st store.Store, natsClient *events.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks the store, NATS, Redis
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status": "healthy",
			"store":  "healthy",
			"nats":   "healthy",
			"redis":  "healthy",
		}

		status := http.StatusOK

		if err := st.Ping(r.Context()); err != nil {
			health["store"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		if h.RedisHealthy != nil {
			if !h.RedisHealthy() {
				health["redis"] = "unhealthy"
				health["status"] = "degraded"
			}
		} else {
			health["redis"] = "not configured"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/shared/{chatID}", h.SharedChat)
		r.Get("/settings/announcement", h.GetAnnouncement)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Get("/me/quota", h.GetQuota)

			r.Route("/chats", func(r chi.Router) {
				r.Post("/", h.CreateChat)
				r.Get("/", h.ListChats)

				r.Route("/{chatID}", func(r chi.Router) {
					r.Use(h.OwnershipMiddleware)
					r.Put("/title", h.RenameChat)
					r.Delete("/", h.DeleteChat)
					r.Post("/share", h.ShareChat)

					// Turn streaming — optionally burst-limited per IP
					r.Group(func(r chi.Router) {
						if cfg.TurnRateLimiter != nil {
							r.Use(cfg.TurnRateLimiter)
						}
						r.Post("/turns", h.StreamTurn)
					})
				})
			})
		})
	})

	return r
}
