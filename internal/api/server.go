// Package api provides the REST API server for the sync orchestrator.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/basehaven/dbsync/internal/api/common"
	v1 "github.com/basehaven/dbsync/internal/api/v1"
	"github.com/basehaven/dbsync/internal/gateway"
	"github.com/basehaven/dbsync/internal/logger"
	"github.com/basehaven/dbsync/internal/versions"
)

// healthPingTimeout bounds the connectivity probes behind /health
const healthPingTimeout = 5 * time.Second

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler mounts a Prometheus scrape endpoint at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// NewServer creates and configures the HTTP router
func NewServer(routes *v1.Routes, pair *gateway.Pair, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler(pair))
	r.Get("/version", versionHandler)
	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}

	r.Mount("/api/v1/sync", v1.Router(routes))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debugf("HTTP %s %s %d %s %s",
			r.Method,
			r.URL.Path,
			ww.Status(),
			time.Since(start),
			middleware.GetReqID(r.Context()),
		)
	})
}

// healthHandler reports liveness of the server and both instances. The
// server stays healthy while an instance is down; the payload says which.
func healthHandler(pair *gateway.Pair) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		instances := map[string]string{}
		for _, g := range []gateway.Gateway{pair.Local, pair.Remote} {
			if g == nil {
				continue
			}
			if _, err := g.Ping(ctx); err != nil {
				instances[g.Label()] = "unreachable"
			} else {
				instances[g.Label()] = "ok"
			}
		}

		common.WriteJSONResponse(w, map[string]any{
			"status":    "ok",
			"instances": instances,
		}, http.StatusOK)
	}
}

// versionHandler reports the build information
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}
