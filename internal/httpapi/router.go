// Package httpapi exposes the dashboard over HTTP: the JSON API, the
// server-rendered views, health and metrics.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sony/gobreaker"

	"ecfr-dashboard/internal/dashboard"
	"ecfr-dashboard/internal/httpapi/requestid"
	"ecfr-dashboard/internal/observability/metrics"
	"ecfr-dashboard/internal/store"
	"ecfr-dashboard/internal/wordcount"
)

// Deps are the collaborators the router serves from. Scheduler and Breakers
// may be nil.
type Deps struct {
	Service   *dashboard.Service
	Store     *store.Store
	Refresher *wordcount.Refresher
	Scheduler *wordcount.Scheduler
	Breakers  []*gobreaker.CircuitBreaker
	Logger    *slog.Logger

	// Lifetime bounds work that outlives a request, such as a refresh
	// triggered over the API. It is cancelled when the server shuts down.
	Lifetime context.Context

	CORSOrigins []string
	Now         func() time.Time
}

type handler struct {
	Deps
	views *views
}

// NewRouter builds the chi router with middleware and all routes.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Lifetime == nil {
		d.Lifetime = context.Background()
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &handler{Deps: d, views: loadViews()}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestid.Middleware)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", requestid.Header},
		ExposedHeaders: []string{requestid.Header},
		MaxAge:         300,
	}))

	r.Get("/", h.index)
	r.Get("/titles", h.titlesPage)

	r.Route("/api", func(r chi.Router) {
		r.Get("/agencies", h.listAgencies)
		r.Get("/titles", h.listTitles)
		r.Get("/changes", h.changes)
		r.Get("/wordcounts", h.wordCounts)
		r.Get("/wordcounts/growth", h.growth)
		r.Get("/structure", h.structure)
		r.Post("/refresh", h.refresh)
		r.Get("/status", h.status)
	})

	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler())
	return r
}
