package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/fandom-ingest/internal/metrics"
)

// RouteOptions holds router-level settings
type RouteOptions struct {
	CORSOrigins    []string
	MaxUploadBytes int64
}

// Deps are the collaborators the API serves. Tasks and Health may be nil.
type Deps struct {
	Ingester Uploader
	Uploads  UploadLister
	Tasks    TaskQueue
	Health   *HealthChecker
}

// SetupRoutes configures all API routes.
func SetupRoutes(deps Deps, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if deps.Health != nil {
		r.Get("/health", deps.Health.HandleHealth)
		r.Get("/health/live", deps.Health.HandleLiveness)
		r.Get("/health/ready", deps.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"healthy"}`))
		})
	}
	r.Handle("/metrics", promhttp.Handler())

	h := NewIngestHandlers(deps.Ingester, deps.Uploads, deps.Tasks, opts.MaxUploadBytes)
	r.Route("/api", func(r chi.Router) {
		h.RegisterRoutes(r)
	})

	return r
}
