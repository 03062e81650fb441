// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/quota"
	"github.com/howard-nolan/llmgateway/internal/session"
)

// maxBodyBytes bounds the request body. Inline images make requests large,
// but not unbounded.
const maxBodyBytes = 20 << 20

// Deps are the collaborators the handlers need. main.go builds them; tests
// swap in fakes.
type Deps struct {
	Sessions  session.Resolver
	Quota     *quota.Engine
	Cost      *cost.Model
	Providers *provider.Registry
	Client    *http.Client // upstream HTTP client; nil means a default
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config

	sessions  session.Resolver
	quota     *quota.Engine
	cost      *cost.Model
	providers *provider.Registry
	client    *http.Client
	metrics   *metrics.Metrics
	log       zerolog.Logger
	validate  *validator.Validate
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, deps Deps) *Server {
	client := deps.Client
	if client == nil {
		// No Client.Timeout: it would cut off long streams. The handler
		// bounds each call with server.upstream_timeout instead.
		client = &http.Client{}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		quota:     deps.Quota,
		cost:      deps.Cost,
		providers: deps.Providers,
		client:    client,
		metrics:   m,
		log:       deps.Log,
		validate:  newValidator(),
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.cfg.Server.AllowedOrigins))

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/v1/ai/stream", s.handleStream)
	r.Post("/stream", s.handleStream)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// upstreamTimeout is the ceiling on one provider call, streaming included.
func (s *Server) upstreamTimeout() time.Duration {
	if s.cfg.Server.UpstreamTimeout > 0 {
		return s.cfg.Server.UpstreamTimeout
	}
	return 5 * time.Minute
}

// newValidator returns a validator that reports fields by their JSON names,
// so error messages match what the client sent.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
