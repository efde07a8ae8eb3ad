package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pesio-ai/be-fee-governance/internal/metrics"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
	"github.com/pesio-ai/be-fee-governance/pkg/middleware"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries the router's cross-cutting settings.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter mounts the REST API under /api/v1 behind authn, plus the
// unauthenticated /health and /metrics endpoints.
func NewRouter(
	h *HTTPHandler,
	authn func(http.Handler) http.Handler,
	db Pinger,
	m *metrics.Metrics,
	cfg RouterConfig,
	log *logger.Logger,
) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(instrument(m))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Timeout(timeout))

	r.Get("/health", healthHandler(db))
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn)

		r.Route("/thresholds", func(r chi.Router) {
			r.Get("/global", h.GetLatestGlobalThreshold)
			r.Post("/global", h.SetGlobalThreshold)
			r.Get("/active/{feeID}", h.ResolveThreshold)
			r.Get("/exceptions", h.ListExceptions)
			r.Post("/exceptions", h.RequestException)
			r.Get("/exceptions/{id}", h.GetException)
			r.Post("/exceptions/{id}/finance-review", h.FinanceReview)
			r.Post("/exceptions/{id}/risk-review", h.RiskReview)
			r.Post("/exceptions/{id}/decision", h.DecideException)
		})

		r.Route("/performance/{id}", func(r chi.Router) {
			r.Get("/", h.GetPerformance)
			r.Post("/evaluate", h.EvaluatePerformance)
			r.Put("/measurement", h.UpdateMeasurement)
			r.Get("/acknowledgments", h.ListAcknowledgments)
			r.Get("/ceo-approvals", h.ListCeoApprovals)
		})

		r.Get("/satisfaction/pending", h.ListPendingAcknowledgments)
		r.Post("/satisfaction/acknowledgments", h.Acknowledge)
		r.Post("/satisfaction/ceo-decisions", h.DecideAsCeo)

		r.Route("/exemptions", func(r chi.Router) {
			r.Get("/", h.ListExemptions)
			r.Post("/", h.RecommendExemption)
			r.Get("/{id}", h.GetExemption)
			r.Post("/{id}/decision", h.DecideExemption)
		})

		r.Route("/exemption-limits", func(r chi.Router) {
			r.Get("/", h.ListExemptionLimits)
			r.Post("/", h.ProposeExemptionLimit)
			r.Get("/{id}", h.GetExemptionLimit)
			r.Post("/{id}/check", h.CheckExemptionLimit)
		})
	})

	return r
}

// instrument records request counts and latency keyed by the matched route
// pattern so path parameters do not explode label cardinality.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			m.HTTPRequest(r.Method, route, status, time.Since(start))
		})
	}
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
