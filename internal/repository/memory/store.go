// Package memory provides in-memory repositories for segments, campaigns and
// delivery records. They share one Store so campaign counters and delivery
// records stay consistent, and they honour the same concurrency contract as
// the Postgres repositories: each record has its own lock and transitions
// are compare-and-swap on the record's current status.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/service/campaign"
	"github.com/ignite/audience-pipeline/internal/service/segment"
)

type recordSlot struct {
	mu  sync.Mutex
	rec domain.DeliveryRecord
}

type campaignSlot struct {
	mu sync.Mutex
	c  domain.Campaign
}

// Store holds all in-memory state.
type Store struct {
	mu        sync.RWMutex
	segments  map[string]*domain.Segment
	campaigns map[string]*campaignSlot
	records   map[string]*recordSlot
	byPair    map[string]map[string]string // campaign id -> customer id -> record id
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		segments:  make(map[string]*domain.Segment),
		campaigns: make(map[string]*campaignSlot),
		records:   make(map[string]*recordSlot),
		byPair:    make(map[string]map[string]string),
	}
}

// Segments returns a segment.Repository view of the store.
func (s *Store) Segments() *SegmentRepo { return &SegmentRepo{s: s} }

// Campaigns returns a campaign.Repository view of the store.
func (s *Store) Campaigns() *CampaignRepo { return &CampaignRepo{s: s} }

// Deliveries returns a delivery.Repository view of the store.
func (s *Store) Deliveries() *DeliveryRepo { return &DeliveryRepo{s: s} }

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// ==========================================
// SEGMENTS
// ==========================================

// SegmentRepo implements segment.Repository.
type SegmentRepo struct{ s *Store }

func (r *SegmentRepo) Create(_ context.Context, seg *domain.Segment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *seg
	cp.Rules = append(json.RawMessage(nil), seg.Rules...)
	r.s.segments[cp.ID] = &cp
	return nil
}

func (r *SegmentRepo) Get(_ context.Context, id string) (*domain.Segment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	seg, ok := r.s.segments[id]
	if !ok {
		return nil, segment.ErrNotFound
	}
	cp := *seg
	return &cp, nil
}

func (r *SegmentRepo) List(_ context.Context, f segment.ListFilter) ([]domain.Segment, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Segment
	for _, seg := range r.s.segments {
		if f.Search != "" && !strings.Contains(strings.ToLower(seg.Name), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, *seg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (r *SegmentRepo) ReplaceRules(_ context.Context, id string, rules json.RawMessage, estimate int, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seg, ok := r.s.segments[id]
	if !ok {
		return segment.ErrNotFound
	}
	// replace rather than edit: readers holding the old copy keep it intact
	next := *seg
	next.Rules = append(json.RawMessage(nil), rules...)
	next.EstimatedCount = estimate
	next.EstimatedAt = &at
	next.UpdatedAt = at
	r.s.segments[id] = &next
	return nil
}

func (r *SegmentRepo) UpdateEstimate(_ context.Context, id string, estimate int, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seg, ok := r.s.segments[id]
	if !ok {
		return segment.ErrNotFound
	}
	next := *seg
	next.EstimatedCount = estimate
	next.EstimatedAt = &at
	r.s.segments[id] = &next
	return nil
}

// ==========================================
// CAMPAIGNS
// ==========================================

// CampaignRepo implements campaign.Repository.
type CampaignRepo struct{ s *Store }

func (r *CampaignRepo) slot(id string) (*campaignSlot, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sl, ok := r.s.campaigns[id]
	return sl, ok
}

func (r *CampaignRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	sl, ok := r.slot(id)
	if !ok {
		return nil, campaign.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	cp := sl.c
	return &cp, nil
}

func (r *CampaignRepo) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	r.s.mu.RLock()
	slots := make([]*campaignSlot, 0, len(r.s.campaigns))
	for _, sl := range r.s.campaigns {
		slots = append(slots, sl)
	}
	r.s.mu.RUnlock()

	var out []domain.Campaign
	for _, sl := range slots {
		sl.mu.Lock()
		c := sl.c
		sl.mu.Unlock()
		if f.Search != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (r *CampaignRepo) Create(_ context.Context, c *domain.Campaign) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.Stats = domain.CampaignStats{}
	r.s.campaigns[cp.ID] = &campaignSlot{c: cp}
	return cp.ID, nil
}

func (r *CampaignRepo) MarkDispatched(_ context.Context, id string, at time.Time) error {
	sl, ok := r.slot(id)
	if !ok {
		return campaign.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.c.DispatchedAt == nil {
		t := at
		sl.c.DispatchedAt = &t
		sl.c.UpdatedAt = at
	}
	return nil
}

func (r *CampaignRepo) CreateDeliveries(_ context.Context, campaignID string, customerIDs []string, at time.Time) (int, int, error) {
	sl, ok := r.slot(campaignID)
	if !ok {
		return 0, 0, campaign.ErrNotFound
	}

	// campaign lock first, then the map lock: recount and insert are one unit
	sl.mu.Lock()
	defer sl.mu.Unlock()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	pairs := r.s.byPair[campaignID]
	if pairs == nil {
		pairs = make(map[string]string)
		r.s.byPair[campaignID] = pairs
	}
	created := 0
	for _, customerID := range customerIDs {
		if _, exists := pairs[customerID]; exists {
			continue
		}
		rec := domain.DeliveryRecord{
			ID:         uuid.New().String(),
			CampaignID: campaignID,
			CustomerID: customerID,
			Status:     domain.DeliveryQueued,
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		r.s.records[rec.ID] = &recordSlot{rec: rec}
		pairs[customerID] = rec.ID
		created++
	}
	sl.c.Stats.TotalRecipients = len(pairs)
	return created, len(pairs), nil
}

func (r *CampaignRepo) snapshot(campaignID string) []domain.DeliveryRecord {
	r.s.mu.RLock()
	slots := make([]*recordSlot, 0, len(r.s.byPair[campaignID]))
	for _, id := range r.s.byPair[campaignID] {
		slots = append(slots, r.s.records[id])
	}
	r.s.mu.RUnlock()

	out := make([]domain.DeliveryRecord, 0, len(slots))
	for _, rs := range slots {
		rs.mu.Lock()
		out = append(out, rs.rec)
		rs.mu.Unlock()
	}
	return out
}

func (r *CampaignRepo) StatusCounts(_ context.Context, campaignID string) (delivery.StatusCounts, error) {
	counts := delivery.StatusCounts{}
	for _, rec := range r.snapshot(campaignID) {
		counts[rec.Status]++
	}
	return counts, nil
}

func (r *CampaignRepo) ListDeliveries(_ context.Context, campaignID string, f campaign.DeliveryFilter) ([]domain.DeliveryRecord, int, error) {
	var out []domain.DeliveryRecord
	for _, rec := range r.snapshot(campaignID) {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(rec.CustomerID, f.Search) {
			continue
		}
		out = append(out, rec)
	}
	sortByCreation(out)
	return page(out, f.Limit, f.Offset), len(out), nil
}

func sortByCreation(recs []domain.DeliveryRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// ==========================================
// DELIVERY RECORDS
// ==========================================

// DeliveryRepo implements delivery.Repository.
type DeliveryRepo struct{ s *Store }

func (r *DeliveryRepo) slot(id string) (*recordSlot, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rs, ok := r.s.records[id]
	return rs, ok
}

func (r *DeliveryRepo) GetRecord(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	rs, ok := r.slot(id)
	if !ok {
		return nil, delivery.ErrNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := rs.rec
	return &cp, nil
}

func (r *DeliveryRepo) FindRecord(ctx context.Context, campaignID, customerID string) (*domain.DeliveryRecord, error) {
	r.s.mu.RLock()
	id, ok := r.s.byPair[campaignID][customerID]
	r.s.mu.RUnlock()
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return r.GetRecord(ctx, id)
}

func (r *DeliveryRepo) ApplyTransition(_ context.Context, next *domain.DeliveryRecord, expected domain.DeliveryStatus, delta delivery.StatsDelta) error {
	rs, ok := r.slot(next.ID)
	if !ok {
		return delivery.ErrNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.rec.Status != expected {
		return delivery.ErrConflict
	}

	if !delta.IsZero() {
		r.s.mu.RLock()
		cs, ok := r.s.campaigns[rs.rec.CampaignID]
		r.s.mu.RUnlock()
		if !ok {
			return delivery.ErrNotFound
		}
		cs.mu.Lock()
		stats := cs.c.Stats
		if !delivery.ApplyDelta(&stats, delta) {
			cs.mu.Unlock()
			return delivery.ErrStatsInvariant
		}
		cs.c.Stats = stats
		cs.mu.Unlock()
	}

	rs.rec = *next
	return nil
}

func (r *DeliveryRepo) all() []domain.DeliveryRecord {
	r.s.mu.RLock()
	slots := make([]*recordSlot, 0, len(r.s.records))
	for _, rs := range r.s.records {
		slots = append(slots, rs)
	}
	r.s.mu.RUnlock()
	out := make([]domain.DeliveryRecord, 0, len(slots))
	for _, rs := range slots {
		rs.mu.Lock()
		out = append(out, rs.rec)
		rs.mu.Unlock()
	}
	return out
}

func (r *DeliveryRepo) ListStale(_ context.Context, status domain.DeliveryStatus, cutoff time.Time, limit int) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	for _, rec := range r.all() {
		if rec.Status == status && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, 0), nil
}

func (r *DeliveryRepo) ListQueued(_ context.Context, campaignID string, limit int) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	for _, rec := range (&CampaignRepo{s: r.s}).snapshot(campaignID) {
		if rec.Status == domain.DeliveryQueued {
			out = append(out, rec)
		}
	}
	sortByCreation(out)
	return page(out, limit, 0), nil
}

func (r *DeliveryRepo) CampaignsWithQueued(_ context.Context, limit int) ([]string, error) {
	type entry struct {
		id string
		at time.Time
	}
	seen := make(map[string]bool)
	var found []entry
	for _, rec := range r.all() {
		if rec.Status != domain.DeliveryQueued || seen[rec.CampaignID] {
			continue
		}
		seen[rec.CampaignID] = true
		r.s.mu.RLock()
		cs := r.s.campaigns[rec.CampaignID]
		r.s.mu.RUnlock()
		if cs == nil {
			continue
		}
		cs.mu.Lock()
		dispatchedAt := cs.c.DispatchedAt
		cs.mu.Unlock()
		if dispatchedAt == nil {
			continue
		}
		found = append(found, entry{rec.CampaignID, *dispatchedAt})
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].id < found[j].id
	})
	ids := make([]string, 0, len(found))
	for _, e := range page(found, limit, 0) {
		ids = append(ids, e.id)
	}
	return ids, nil
}

func (r *DeliveryRepo) Touch(_ context.Context, id string, expected domain.DeliveryStatus, at time.Time) error {
	rs, ok := r.slot(id)
	if !ok {
		return delivery.ErrNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.rec.Status != expected {
		return delivery.ErrConflict
	}
	rs.rec.UpdatedAt = at
	return nil
}
