/**
 * @description
 * This file sets up the HTTP router for the exchange-service. It defines the API
 * endpoints, associates them with their handlers and applies the middleware stack.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Routing and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 * - github.com/prometheus/client_golang/prometheus/promhttp: The /metrics endpoint.
 */

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rewear/exchange-service/internal/app"
	"go.uber.org/zap"
)

const exchangeRateLimitScope = "exchange"

// RouterConfig carries everything the router needs besides the handlers.
type RouterConfig struct {
	Identity                   IdentityConfig
	AllowedOrigins             []string
	Limiter                    app.RateLimiter
	ExchangeRateLimitPerMinute int
	Metrics                    app.Metrics
	Gatherer                   prometheus.Gatherer
	Logger                     *zap.Logger
}

// Routes creates the router of the exchange-service.
func Routes(h *Handlers, cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = app.NoopMetrics{}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger, cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.service.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	limited := RateLimitMiddleware(cfg.Limiter, exchangeRateLimitScope, cfg.ExchangeRateLimitPerMinute, cfg.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(IdentityMiddleware(cfg.Identity, cfg.Logger))

		r.Post("/users/me", h.RegisterHandler)
		r.Get("/users/me", h.DashboardHandler)
		r.Get("/users/me/ledger", h.LedgerHandler)

		r.Get("/items", h.CatalogHandler)
		r.Post("/items", h.SubmitItemHandler)
		r.Get("/items/{itemId}", h.GetItemHandler)
		r.With(limited).Post("/items/{itemId}/swap-requests", h.RequestSwapHandler)
		r.With(limited).Post("/items/{itemId}/redeem", h.RedeemHandler)

		r.Get("/swap-requests/{swapId}", h.GetSwapRequestHandler)
		r.Post("/swap-requests/{swapId}/accept", h.AcceptSwapHandler)
		r.Post("/swap-requests/{swapId}/reject", h.RejectSwapHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/items", h.AdminListItemsHandler)
			r.Post("/items/{itemId}/approve", h.ApproveItemHandler)
			r.Post("/items/{itemId}/reject", h.RejectItemHandler)
			r.Delete("/items/{itemId}", h.DeleteItemHandler)
			r.Get("/stats", h.StatsHandler)
			r.Get("/users", h.ListUsersHandler)
			r.Put("/users/{userId}/admin", h.SetAdminHandler)
			r.Put("/users/{userId}/ban", h.SetBannedHandler)
		})
	})

	return r
}
