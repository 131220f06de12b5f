// Package api exposes segments, campaigns and delivery callbacks over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/pkg/httputil"
	"github.com/ignite/audience-pipeline/internal/service/campaign"
	"github.com/ignite/audience-pipeline/internal/service/segment"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	segments   *segment.Service
	campaigns  *campaign.Service
	deliveries *delivery.Service
	tracking   http.Handler
	ping       func(ctx context.Context) error
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithTracking serves the open/click tracking endpoints under /track.
func WithTracking(h http.Handler) HandlersOption { return func(hs *Handlers) { hs.tracking = h } }

// WithHealthCheck makes /health report the result of ping, typically a
// database ping.
func WithHealthCheck(ping func(ctx context.Context) error) HandlersOption {
	return func(hs *Handlers) { hs.ping = ping }
}

// NewHandlers creates a new Handlers instance
func NewHandlers(segments *segment.Service, campaigns *campaign.Service, deliveries *delivery.Service, opts ...HandlersOption) *Handlers {
	h := &Handlers{segments: segments, campaigns: campaigns, deliveries: deliveries}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	httputil.OK(w, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

type pageParams struct {
	limit  int
	offset int
}

func parsePage(r *http.Request) (pageParams, error) {
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		return pageParams{}, err
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		return pageParams{}, err
	}
	if limit > 500 {
		limit = 500
	}
	return pageParams{limit: limit, offset: offset}, nil
}
