package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/httputil"
	"github.com/ignite/audience-pipeline/internal/service/campaign"
)

func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, c)
}

func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	items, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  p.limit,
		Offset: p.offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.CampaignSummary{}
	}
	httputil.OK(w, httputil.Page[domain.CampaignSummary]{Items: items, Total: total, Limit: p.limit, Offset: p.offset})
}

func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// DispatchCampaign expands the campaign's segment into queued delivery
// records. Calling it again only adds customers that newly match.
func (h *Handlers) DispatchCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := h.campaigns.Dispatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.campaigns.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// CampaignLogs lists per-recipient delivery records with their timelines.
// Supports ?status=, ?search= (customer id substring), ?limit= and ?offset=.
func (h *Handlers) CampaignLogs(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	items, total, err := h.campaigns.Logs(r.Context(), chi.URLParam(r, "id"), campaign.DeliveryFilter{
		Status: domain.DeliveryStatus(q.Get("status")),
		Search: q.Get("search"),
		Limit:  p.limit,
		Offset: p.offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.DeliveryView{}
	}
	httputil.OK(w, httputil.Page[domain.DeliveryView]{Items: items, Total: total, Limit: p.limit, Offset: p.offset})
}

// PreviewCampaign renders the campaign's template for one customer.
func (h *Handlers) PreviewCampaign(w http.ResponseWriter, r *http.Request) {
	out, err := h.campaigns.Preview(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "customerID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, out)
}
