package api

import (
	"net/http"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/httputil"
)

type callbackResponse struct {
	Result string                 `json:"result"`
	NoOp   bool                   `json:"noop"`
	Record *domain.DeliveryRecord `json:"record"`
}

// DeliveryCallback applies a transport status report to its delivery
// record. Repeating a report is accepted as a no-op; an illegal transition
// is rejected with 409 and leaves the record untouched.
func (h *Handlers) DeliveryCallback(w http.ResponseWriter, r *http.Request) {
	var ev domain.DeliveryEvent
	if !httputil.Decode(w, r, &ev) {
		return
	}
	res, err := h.deliveries.Apply(r.Context(), ev)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, callbackResponse{
		Result: "accepted",
		NoOp:   res.Outcome == delivery.NoOp,
		Record: &res.Record,
	})
}
