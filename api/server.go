/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request log
  4. Metrics:    Prometheus counter and latency per route
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. Timeout:    Request deadline, also bounds the product lock wait
  7. CORS:       Cross-origin requests for frontend

  Write routes additionally go through an httprate limiter keyed by IP.

ROUTE GROUPS:
  /api/products/*   Catalog, transactions, ledger audit
  /healthz          Store reachability
  /metrics          Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/inventory-ledger/observability"
)

// RouterConfig carries the router settings that come from configuration.
// Zero values disable the matching feature.
type RouterConfig struct {
	CORSOrigins        []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	Metrics            *observability.Metrics
	Gatherer           prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	if cfg.Metrics != nil {
		r.Use(instrument(cfg.Metrics))
	}
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	writes := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitPerMinute > 0 {
		writes = httprate.Limit(cfg.RateLimitPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
			}),
		)
	}

	// API routes
	r.Route("/api/products", func(r chi.Router) {
		r.Get("/", h.ListProducts)
		r.With(writes).Post("/", h.CreateProduct)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetProduct)

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", h.ListTransactions)
				r.Group(func(r chi.Router) {
					r.Use(writes)
					r.Post("/", h.CreateTransaction)
					r.Put("/{transactionId}", h.UpdateTransaction)
					r.Post("/{transactionId}", h.UpdateTransaction)
					r.Delete("/{transactionId}", h.DeleteTransaction)
				})
			})

			// Ledger routes
			r.Route("/ledger", func(r chi.Router) {
				r.Get("/verify", h.VerifyLedger)
				r.With(writes).Post("/rebuild", h.RebuildLedger)
			})
		})
	})

	r.Get("/healthz", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
