// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mohans/sqlgate/cache"
	"github.com/mohans/sqlgate/extensions"
	"github.com/mohans/sqlgate/jobs"
	"github.com/mohans/sqlgate/registry"
)

type Config struct {
	APIKey string
	// WaitTimeout bounds how long a submission in wait mode blocks before
	// falling back to the asynchronous 202 response.
	WaitTimeout        time.Duration
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
	Logger             *slog.Logger
}

// Deps are the components the handlers call into.
type Deps struct {
	Jobs       *jobs.Manager
	Databases  *registry.Registry
	Extensions *extensions.Loader
	Cache      *cache.Cache
}

type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

func New(cfg Config, deps Deps) *Server {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", apiKeyHeader},
			MaxAge:         300,
		}))
	}
	if s.cfg.RateLimitRPS > 0 {
		r.Use(rateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	}

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(requireAPIKey(s.cfg.APIKey))

		r.Post("/query", s.submitQuery)
		r.Get("/query/{id}", s.getQuery)

		r.Get("/db", s.listDatabases)
		r.Post("/db/{name}", s.createDatabase)
		r.Get("/db/{name}/extensions", s.listLoadedExtensions)

		r.Get("/extensions", s.listExtensions)
		r.Get("/extensions/{name}", s.describeExtension)
		r.Post("/extensions/load", s.loadExtension)

		r.Post("/tools/optimize", s.optimize)
		r.Post("/tools/convert", s.convert)

		r.Get("/cache/stats", s.cacheStats)
		r.Delete("/cache", s.clearCache)
	})
	return r
}
