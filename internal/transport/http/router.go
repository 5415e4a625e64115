// Package httptransport is the admin HTTP API. Handlers are thin: they
// decode, delegate to a service and map coded errors to status codes.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"erpsplit/internal/platform/middleware"
	"erpsplit/pkg/platform/httputil"
)

// Scopes checked by the admin API.
const (
	ScopeOperationsWrite = "operations:write"
	ScopeOperationsRead  = "operations:read"
	ScopeReferencesRead  = "references:read"
	ScopeMigrationsRead  = "migrations:read"
	ScopeMigrationsWrite = "migrations:write"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Operations *OperationsHandler
	References *ReferencesHandler
	Migrations *MigrationsHandler
	Validator  middleware.JWTValidator
	Gatherer   prometheus.Gatherer
	Health     map[string]HealthCheck
	Logger     *slog.Logger
}

// NewRouter mounts the public health endpoints and the authenticated admin routes.
// Nil handlers are skipped, so a process only exposes what it hosts.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.AccessLog(cfg.Logger))

	r.Get("/health", healthHandler(cfg.Health))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(cfg.Validator, cfg.Logger))

		if h := cfg.Operations; h != nil {
			r.With(middleware.RequireScope(ScopeOperationsWrite)).Post("/operations", h.HandleExecute)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(ScopeOperationsRead))
				r.Get("/operations/{id}", h.HandleStatus)
				r.Get("/operations/{id}/compensations", h.HandleCompensations)
			})
		}
		if h := cfg.References; h != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(ScopeReferencesRead))
				h.Register(r)
			})
		}
		if h := cfg.Migrations; h != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(ScopeMigrationsRead))
				h.Register(r)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(ScopeMigrationsWrite))
				h.RegisterWrite(r)
			})
		}
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
	}
}
