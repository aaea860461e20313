// Package api is the HTTP surface of the service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/entrhq/consolepilot/pkg/logging"
)

// Deps are the collaborators the handlers call. Metrics and Roster may be nil.
type Deps struct {
	Session  SessionStatus
	Runner   BatchRunner
	Relogger Relogger
	Roster   ClassIndex
	Metrics  http.Handler
	APIKey   string
	Logger   *logging.Logger
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(deps Deps) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	h := &Handler{
		session:  deps.Session,
		runner:   deps.Runner,
		relogger: deps.Relogger,
		roster:   deps.Roster,
		logger:   logger,
	}

	// Unauthenticated routes
	r.Get("/health", h.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.APIKey))

		r.Route("/api", func(r chi.Router) {
			r.Post("/turn_off", h.TurnOff)
			r.Post("/relogin", h.Relogin)
			r.Get("/status", h.Status)

			if deps.Roster != nil {
				r.Get("/classes", h.Classes)
				r.Get("/classes/{class}/keys", h.KeysInClass)
			}
		})
	})

	return r
}
