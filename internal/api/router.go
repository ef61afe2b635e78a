// Package api assembles the HTTP surface: routes, middleware stack and handlers.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/transly/internal/api/middleware"
	"github.com/kiranshivaraju/transly/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth       *mw.Auth
	RateLimit  *mw.RateLimit
	GuestQuota *mw.GuestQuota

	// TrustProxyHeaders enables chi's RealIP. Without it the client address
	// is the TCP peer, so forwarded headers cannot mint fresh guest quotas.
	TrustProxyHeaders bool

	HealthHandler       http.HandlerFunc
	LanguagesHandler    http.HandlerFunc
	EstimateHandler     http.HandlerFunc
	SubmitHandler       http.HandlerFunc
	StatusHandler       http.HandlerFunc
	BalanceHandler      http.HandlerFunc
	QueueStatsHandler   http.HandlerFunc
	CreateKeyHandler    http.HandlerFunc
	GrantCreditsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public
		r.Get("/health", orNotImplemented(deps.HealthHandler))
		r.Get("/languages", orNotImplemented(deps.LanguagesHandler))
		r.Post("/credits/estimate", orNotImplemented(deps.EstimateHandler))

		// Guests allowed
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Identify)
			r.Use(deps.RateLimit.Limit)

			r.With(deps.GuestQuota.Limit).Post("/translations", orNotImplemented(deps.SubmitHandler))
			r.Get("/translations/{jobID}", orNotImplemented(deps.StatusHandler))
		})

		// Authenticated
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)
			r.Use(deps.RateLimit.Limit)

			r.Get("/credits", orNotImplemented(deps.BalanceHandler))
			r.Get("/queue", orNotImplemented(deps.QueueStatsHandler))

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope("admin"))

				r.Post("/admin/keys", orNotImplemented(deps.CreateKeyHandler))
				r.Post("/admin/credits", orNotImplemented(deps.GrantCreditsHandler))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
