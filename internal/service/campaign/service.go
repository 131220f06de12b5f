package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/mailing"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/segmentation"
	"github.com/ignite/audience-pipeline/internal/service/segment"
)

// SegmentResolver loads a segment's validated rule tree.
type SegmentResolver interface {
	Tree(ctx context.Context, segmentID string) (*segmentation.Tree, error)
}

// CustomerLookup fetches a single customer for template previews.
type CustomerLookup interface {
	Lookup(ctx context.Context, id string) (domain.Customer, bool, error)
}

// Service implements campaign business logic. It coordinates between the
// repository layer, the segment rule engine and the template renderer.
// All public methods are safe for concurrent use if the underlying
// repository is concurrency-safe.
type Service struct {
	repo      Repository
	segments  SegmentResolver
	source    segmentation.CustomerSource
	customers CustomerLookup
	renderer  *mailing.Renderer
	policy    delivery.AllFailedPolicy
	batchSize int
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRenderer enables template checks on create and message previews.
func WithRenderer(r *mailing.Renderer) Option { return func(s *Service) { s.renderer = r } }

// WithCustomerLookup sets where previews load customers from.
func WithCustomerLookup(l CustomerLookup) Option { return func(s *Service) { s.customers = l } }

// WithAllFailedPolicy sets how an all-failed campaign is reported.
func WithAllFailedPolicy(p delivery.AllFailedPolicy) Option { return func(s *Service) { s.policy = p } }

// WithDispatchBatchSize sets how many recipients are inserted per transaction.
func WithDispatchBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a campaign service. Dispatch evaluates segments against
// source.
func NewService(repo Repository, segments SegmentResolver, source segmentation.CustomerSource, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		segments:  segments,
		source:    source,
		policy:    delivery.AllFailedCompleted,
		batchSize: 1000,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name      string                 `json:"name"`
	Template  domain.MessageTemplate `json:"template"`
	SegmentID string                 `json:"segment_id"`
}

// Create validates and persists a new, undispatched campaign.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if strings.TrimSpace(input.Template.Subject) == "" {
		return nil, ErrSubjectMissing
	}
	if _, err := s.resolveSegment(ctx, input.SegmentID); err != nil {
		return nil, err
	}
	if s.renderer != nil {
		if err := s.renderer.Parse(input.Template.Subject); err != nil {
			return nil, fmt.Errorf("subject: %w", err)
		}
		if err := s.renderer.Parse(input.Template.Body); err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
	}

	now := s.now().UTC()
	c := &domain.Campaign{
		ID:        uuid.New().String(),
		Name:      name,
		Template:  input.Template,
		SegmentID: input.SegmentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	c.ID = id

	logger.Info("campaign created", "campaign_id", c.ID, "segment_id", c.SegmentID)
	return c, nil
}

// Get returns a single campaign with its derived status.
func (s *Service) Get(ctx context.Context, id string) (*domain.CampaignSummary, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	status, _, err := s.status(ctx, c)
	if err != nil {
		return nil, err
	}
	return &domain.CampaignSummary{Campaign: *c, Status: status}, nil
}

// List returns campaigns matching the filter, each with its derived status.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.CampaignSummary, int, error) {
	list, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]domain.CampaignSummary, 0, len(list))
	for i := range list {
		status, _, err := s.status(ctx, &list[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, domain.CampaignSummary{Campaign: list[i], Status: status})
	}
	return out, total, nil
}

// Stats returns the campaign's counters, derived status and per-status
// breakdown.
func (s *Service) Stats(ctx context.Context, id string) (*domain.CampaignStatsView, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	status, counts, err := s.status(ctx, c)
	if err != nil {
		return nil, err
	}
	breakdown := make(map[domain.DeliveryStatus]int, len(domain.AllDeliveryStatuses))
	for _, st := range domain.AllDeliveryStatuses {
		breakdown[st] = counts[st]
	}
	return &domain.CampaignStatsView{
		CampaignID:      c.ID,
		Status:          status,
		TotalRecipients: c.Stats.TotalRecipients,
		Sent:            c.Stats.Sent,
		Breakdown:       breakdown,
	}, nil
}

// Logs returns the campaign's delivery records, oldest first, each with its
// status timeline.
func (s *Service) Logs(ctx context.Context, id string, f DeliveryFilter) ([]domain.DeliveryView, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	recs, total, err := s.repo.ListDeliveries(ctx, id, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries: %w", err)
	}
	out := make([]domain.DeliveryView, 0, len(recs))
	for i := range recs {
		out = append(out, domain.DeliveryView{DeliveryRecord: recs[i], Timeline: recs[i].Timeline()})
	}
	return out, total, nil
}

// Preview renders the campaign's message for one customer.
func (s *Service) Preview(ctx context.Context, id, customerID string) (*mailing.Rendered, error) {
	if s.renderer == nil || s.customers == nil {
		return nil, errors.New("message preview is not configured")
	}
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cust, ok, err := s.customers.Lookup(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return s.renderer.RenderFor(c, cust)
}

func (s *Service) status(ctx context.Context, c *domain.Campaign) (domain.CampaignStatus, delivery.StatusCounts, error) {
	if !c.Dispatched() {
		return domain.CampaignPending, delivery.StatusCounts{}, nil
	}
	counts, err := s.repo.StatusCounts(ctx, c.ID)
	if err != nil {
		return "", nil, fmt.Errorf("count deliveries: %w", err)
	}
	return delivery.DeriveCampaignStatus(counts, true, s.policy), counts, nil
}

func (s *Service) resolveSegment(ctx context.Context, segmentID string) (*segmentation.Tree, error) {
	if segmentID == "" {
		return nil, ErrSegmentMissing
	}
	tree, err := s.segments.Tree(ctx, segmentID)
	if errors.Is(err, segment.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSegmentMissing, segmentID)
	}
	return tree, err
}
