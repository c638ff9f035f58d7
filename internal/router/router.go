package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"companion-backend/internal/handlers"
	"companion-backend/internal/middleware"
	"companion-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	sessionHandler *handlers.SessionHandler,
	companionHandler *handlers.CompanionHandler,
	messageLimiter *middleware.RateLimiter,
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

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Companion Routes ────
		r.Route("/companions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/", companionHandler.Create)
			r.Get("/", companionHandler.List)
			r.Get("/{id}", companionHandler.Get)
			r.Get("/{id}/sessions", companionHandler.Sessions)
		})

		// ──── Live Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/", sessionHandler.Start)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Post("/end", sessionHandler.End)

				// Messages (completion requests are rate limited)
				r.Group(func(r chi.Router) {
					r.Use(messageLimiter.Middleware)
					r.Post("/messages", sessionHandler.SendMessage)
					r.Post("/messages/{messageId}/regenerate", sessionHandler.Regenerate)
				})
				r.Get("/messages/{messageId}/copy", sessionHandler.Copy)
				r.Post("/messages/{messageId}/read", sessionHandler.ReadAloud)

				// Speech
				r.Post("/speech/stop", sessionHandler.StopSpeech)
				r.Post("/audio/start", sessionHandler.StartAudio)
				r.Post("/audio/stop", sessionHandler.StopAudio)

				// Modules
				r.Post("/modules/complete", sessionHandler.CompleteModule)
				r.Post("/modules/{moduleId}/switch", sessionHandler.SwitchModule)
			})
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
