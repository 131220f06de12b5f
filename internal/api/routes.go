package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
)

// SetupRoutes configures all API routes. allowedOrigins lists the browser
// origins of the rule builder and dashboard.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(countRequests)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// the tracking router matches full /track/... paths itself
	if h.tracking != nil {
		r.Handle("/track/*", h.tracking)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/segments", func(r chi.Router) {
			r.Get("/", h.ListSegments)
			r.Post("/", h.CreateSegment)
			r.Post("/preview", h.PreviewSegment)
			r.Get("/fields", h.SegmentFields)
			r.Get("/{id}", h.GetSegment)
			r.Put("/{id}/rules", h.ReplaceSegmentRules)
			r.Post("/{id}/refresh", h.RefreshSegment)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Get("/{id}", h.GetCampaign)
			r.Post("/{id}/dispatch", h.DispatchCampaign)
			r.Get("/{id}/stats", h.CampaignStats)
			r.Get("/{id}/logs", h.CampaignLogs)
			r.Get("/{id}/preview/{customerID}", h.PreviewCampaign)
		})

		r.Post("/deliveries/callback", h.DeliveryCallback)
	})

	return r
}

// countRequests labels requests by route pattern, not raw path, to keep
// label cardinality bounded.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
