// Package httptransport composes the HTTP surface of the server: the
// middleware chain, the public endpoints and the authenticated resource API.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	authhandler "ban/internal/auth/handler"
	"ban/internal/batch"
	"ban/internal/platform/metrics"
	"ban/internal/platform/middleware"
	"ban/pkg/platform/httputil"
)

const healthTimeout = 2 * time.Second

// Check reports the health of one dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Resources mounts the resource routes on an authenticated router.
type Resources interface {
	Register(r chi.Router)
}

// Deps are the handlers and services the router wires together.
type Deps struct {
	Auth         middleware.Authenticator
	Token        *authhandler.Handler
	Resources    Resources
	TxRunner     batch.TxRunner
	BatchOptions []batch.Option
	TokenLimiter *middleware.IPLimiter
	Checks       []Check
	Gatherer     prometheus.Gatherer
	HTTPMetrics  *metrics.HTTP
	Logger       *slog.Logger
}

// NewRouter wires every endpoint. Transport concerns stay here; handlers
// delegate to their services.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.AccessLog(d.Logger, d.HTTPMetrics))

	r.Get("/healthz", health(d.Checks, d.Logger))
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	// The resource API is built once without authentication so that batch
	// entries dispatch to it with the principal of the batch request.
	api := chi.NewRouter()
	d.Resources.Register(api)
	executor := batch.New(api, d.TxRunner, append([]batch.Option{batch.WithLogger(d.Logger)}, d.BatchOptions...)...)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AcceptJSON)

		var limit func(http.Handler) http.Handler
		if d.TokenLimiter != nil {
			limit = d.TokenLimiter.Middleware
		}
		d.Token.Register(r, limit)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(d.Auth, d.Logger))
			executor.Register(r)
			r.Mount("/", api)
		})
	})
	return r
}

func health(checks []Check, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", "check", c.Name, "error", err)
				results[c.Name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		httputil.WriteJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}
