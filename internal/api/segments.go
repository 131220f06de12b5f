package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/httputil"
	"github.com/ignite/audience-pipeline/internal/service/segment"
)

// CreateSegment validates a rule tree and stores it with its estimate.
func (h *Handlers) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var in segment.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	seg, err := h.segments.Create(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, seg)
}

func (h *Handlers) ListSegments(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	items, total, err := h.segments.List(r.Context(), segment.ListFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  p.limit,
		Offset: p.offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.Segment{}
	}
	httputil.OK(w, httputil.Page[domain.Segment]{Items: items, Total: total, Limit: p.limit, Offset: p.offset})
}

func (h *Handlers) GetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.segments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, seg)
}

type rulesRequest struct {
	Rules json.RawMessage `json:"rules"`
}

// ReplaceSegmentRules swaps in a new validated tree and re-estimates.
func (h *Handlers) ReplaceSegmentRules(w http.ResponseWriter, r *http.Request) {
	var in rulesRequest
	if !httputil.Decode(w, r, &in) {
		return
	}
	seg, err := h.segments.ReplaceRules(r.Context(), chi.URLParam(r, "id"), in.Rules)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, seg)
}

func (h *Handlers) RefreshSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.segments.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, seg)
}

type previewRequest struct {
	Rules      json.RawMessage `json:"rules"`
	SampleSize int             `json:"sample_size"`
}

// PreviewSegment validates and estimates a tree without saving it.
func (h *Handlers) PreviewSegment(w http.ResponseWriter, r *http.Request) {
	in := previewRequest{SampleSize: 10}
	if !httputil.Decode(w, r, &in) {
		return
	}
	if in.SampleSize > 100 {
		in.SampleSize = 100
	}
	p, err := h.segments.Preview(r.Context(), in.Rules, in.SampleSize)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, p)
}

// SegmentFields returns the field and operator catalogue for the rule builder.
func (h *Handlers) SegmentFields(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{"fields": h.segments.Fields()})
}
