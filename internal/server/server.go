// Package server assembles the ossgate HTTP server: the chi router, the huma
// API carrying the JSON operations, and the middleware chain in front of
// both.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/auth"
	"github.com/ossgate/ossgate/internal/config"
	"github.com/ossgate/ossgate/internal/handlers"
	"github.com/ossgate/ossgate/internal/jsonutil"
	"github.com/ossgate/ossgate/internal/metrics"
	"github.com/ossgate/ossgate/internal/ratelimit"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/tracing"
)

// Version is reported in the OpenAPI document.
var Version = "dev"

// Pinger is the catalog health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers are the operation groups mounted on the API.
type Handlers struct {
	Buckets *handlers.BucketHandler
	ACLs    *handlers.ACLHandler
	Objects *handlers.ObjectHandler
}

// Server is the ossgate HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	catalog    Pinger
	regions    *storage.Registry
	logger     zerolog.Logger
	authn      *auth.Authenticator
	limiter    ratelimit.Limiter
	httpServer *http.Server
}

// Option configures optional collaborators of the Server.
type Option func(*Server)

// WithAuthenticator resolves request actors. Without one every request is
// anonymous.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) { s.authn = a }
}

// WithLimiter enables the per-IP request guard.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the base request logger. The global logger is used
// otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// HealthCheck is the result of one probe.
type HealthCheck struct {
	Status string `json:"status" example:"ok"`
	Error  string `json:"error,omitempty"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"ok, degraded or unavailable"`
	Checks map[string]HealthCheck `json:"checks"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// New creates a Server and mounts every route. huma.NewError is replaced so
// that validation failures use the ossgate error envelope.
func New(cfg *config.Config, catalog Pinger, regions *storage.Registry, h Handlers, opts ...Option) *Server {
	huma.NewError = handlers.NewAPIError

	s := &Server{
		cfg:     cfg,
		catalog: catalog,
		regions: regions,
		logger:  zerolog.Nop(),
	}
	if zerolog.DefaultContextLogger != nil {
		s.logger = *zerolog.DefaultContextLogger
	}
	for _, opt := range opts {
		opt(s)
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID, middleware.RealIP)
	if cfg.Tracing.Enabled {
		router.Use(tracing.Middleware)
	}
	if cfg.Metrics.Enabled {
		router.Use(metricsMiddleware)
	}
	router.Use(requestLogger(s.logger), recoverer, commonHeaders)
	if s.limiter != nil {
		router.Use(rateLimit(s.limiter))
	}
	if s.authn != nil {
		router.Use(s.authn.Middleware)
	}

	humaConfig := huma.DefaultConfig("ossgate API", Version)
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	humaConfig.Info.Description = "Multi-region object storage gateway."
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"token": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	s.api = humachi.New(router, humaConfig)
	s.router = router

	s.registerRoutes(h)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// API returns the huma API, for OpenAPI export.
func (s *Server) API() huma.API { return s.api }

// ListenAndServe starts the HTTP server on the configured address and
// blocks until it stops. A graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(h Handlers) {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Probes the catalog and every region backend.",
		Tags:        []string{"System"},
	}, s.health)

	// HEAD /health and the liveness/readiness probes stay off the API.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonutil.WriteOK(w, map[string]string{"status": "ok"})
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.catalog.Ping(r.Context()); err != nil {
			jsonutil.WriteJSON(w, http.StatusServiceUnavailable, HealthCheck{Status: "unavailable", Error: err.Error()})
			return
		}
		jsonutil.WriteOK(w, map[string]string{"status": "ok"})
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	if h.Buckets != nil {
		h.Buckets.Register(s.api)
	}
	if h.ACLs != nil {
		h.ACLs.Register(s.api)
	}
	if h.Objects != nil {
		h.Objects.Register(s.api, s.router)
	}
}

// health pings the catalog and every region. A catalog failure makes the
// gateway unavailable; a region failure only degrades it.
func (s *Server) health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{
		Status: http.StatusOK,
		Body:   HealthBody{Status: "ok", Checks: map[string]HealthCheck{}},
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.catalog.Ping(ctx); err != nil {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "unavailable"
		out.Body.Checks["catalog"] = HealthCheck{Status: "error", Error: err.Error()}
	} else {
		out.Body.Checks["catalog"] = HealthCheck{Status: "ok"}
	}

	failed := s.regions.HealthCheck(ctx)
	for _, region := range s.regions.Regions() {
		name := "region:" + region.ID
		if err, bad := failed[region.ID]; bad {
			metrics.RegionUp.WithLabelValues(region.ID).Set(0)
			out.Body.Checks[name] = HealthCheck{Status: "error", Error: err.Error()}
			if out.Body.Status == "ok" {
				out.Body.Status = "degraded"
			}
			continue
		}
		metrics.RegionUp.WithLabelValues(region.ID).Set(1)
		out.Body.Checks[name] = HealthCheck{Status: "ok"}
	}
	return out, nil
}
