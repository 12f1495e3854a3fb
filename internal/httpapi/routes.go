package httpapi

import (
	"github.com/go-chi/chi/v5"

	"github.com/arbstr/arbstr/internal/circuitbreaker"
	"github.com/arbstr/arbstr/internal/config"
	"github.com/arbstr/arbstr/internal/metrics"
	"github.com/arbstr/arbstr/internal/router"
	"github.com/arbstr/arbstr/internal/store"
	"github.com/arbstr/arbstr/internal/upstream"
)

// Dependencies carries everything the handlers need. Store is nil when
// no database is configured; handlers that require it respond 500.
type Dependencies struct {
	Config   *config.Config
	Engine   *router.Engine
	Breakers *circuitbreaker.Registry
	Upstream *upstream.Client
	Store    *store.Store
	Metrics  *metrics.Registry
}

// logEnabled reports whether request rows should be written.
func (d Dependencies) logEnabled() bool {
	return d.Store != nil && d.Config.LogRequests()
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Post("/v1/chat/completions", ChatCompletionsHandler(d))
	r.Get("/v1/models", ModelsHandler(d))
	r.Get("/v1/stats", StatsHandler(d))
	r.Get("/v1/requests", RequestsHandler(d))
	r.Get("/providers", ProvidersHandler(d))
	r.Get("/health", HealthHandler(d))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
