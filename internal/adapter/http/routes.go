package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/litree/labsos/internal/domain/user"
	"github.com/litree/labsos/internal/middleware"
)

// Router assembles the full API surface. Routes under /api/v1 pass
// through the shared middleware chain; auth is applied to everything
// except login, refresh, and the health probes.
func Router(h *Handlers, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(SecurityHeaders)
	r.Use(CORS(h.Cfg.Server.CORSOrigin))
	if limiter != nil {
		r.Use(limiter.Handler)
	}

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/dev-login", h.DevLogin)
		r.Post("/auth/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(h.Auth, h.Cfg.Auth.ServiceToken, h.Cfg.Auth.ServiceScopes))

			r.Post("/auth/logout", h.Logout)
			r.Get("/auth/me", h.Me)

			r.Route("/marketplace", func(r chi.Router) {
				r.With(middleware.RequirePerm(user.PermAssetCreate)).Post("/asset", h.CreateAsset)
				r.Get("/asset/{id}", h.GetAsset)
				r.With(middleware.RequirePerm(user.PermAssetList)).Post("/list", h.CreateListing)
				r.Get("/listings", h.ListListings)
				r.With(middleware.RequirePerm(user.PermTradeRequest)).Post("/trade/request", h.RequestTrade)
				r.Get("/trade/{id}", h.GetTrade)
			})

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", h.ListAgents)
				r.With(middleware.RequirePerm(user.PermAgentExecute)).Post("/execute", h.ExecuteAgent)
				r.Get("/{id}", h.GetAgent)
				r.Get("/{id}/tools", h.ListAgentTools)
				r.With(middleware.RequirePerm(user.PermAdmin)).Post("/{id}/status", h.SetAgentStatus)
			})

			r.Get("/tasks/{id}", h.GetTask)
			r.Get("/executions/{id}", h.GetExecution)
			r.Get("/executions/{id}/toolcalls", h.ListExecutionToolCalls)

			r.Route("/llm", func(r chi.Router) {
				r.Use(middleware.RequirePerm(user.PermAdmin))
				r.Get("/models", h.ListLLMModels)
				r.Get("/health", h.LLMHealth)
			})
		})
	})

	return r
}
