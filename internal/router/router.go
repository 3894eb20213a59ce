package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"codedrill-backend/internal/handlers"
	"codedrill-backend/internal/middleware"
	"codedrill-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	authHandler *handlers.AuthHandler,
	sessionHandler *handlers.SessionHandler,
	problemHandler *handlers.ProblemHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Auth rate limiter (10 req/min per IP)
	authLimiter := middleware.NewRateLimiter(10, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Auth Routes (public) ────
		r.Route("/auth", func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)

			// Logout requires auth
			r.Group(func(r chi.Router) {
				r.Use(jwtAuth.Middleware)
				r.Post("/logout", authHandler.Logout)
			})
		})

		// ──── Problem Routes ────
		r.Route("/problems", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/", problemHandler.List)
			r.Get("/{id}", problemHandler.Get)
		})

		// ──── Practice Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/start", sessionHandler.Start)
			r.Get("/current", sessionHandler.Current)
			r.Get("/pending-recovery", sessionHandler.Pending)
			r.Get("/history", sessionHandler.History)
			r.Get("/{id}", sessionHandler.Get)
			r.Get("/{id}/metrics", sessionHandler.Metrics)
			r.Post("/{id}/recover", sessionHandler.Recover)
			r.Post("/{id}/dismiss", sessionHandler.Dismiss)
			r.Post("/{id}/heartbeat", sessionHandler.Heartbeat)
			r.Post("/{id}/pause", sessionHandler.Pause)
			r.Post("/{id}/resume", sessionHandler.Resume)
			r.Post("/{id}/complete", sessionHandler.Complete)
			r.Post("/{id}/abandon", sessionHandler.Abandon)
			r.Post("/{id}/events", sessionHandler.RecordEvent)
			r.Post("/{id}/snapshot", sessionHandler.Snapshot)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
