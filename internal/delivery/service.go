package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
	"github.com/ignite/audience-pipeline/internal/pkg/retry"
)

// Result is the outcome of applying one delivery event.
type Result struct {
	Record  domain.DeliveryRecord `json:"record"`
	Outcome Outcome               `json:"outcome"`
}

// Service applies delivery events to stored records. All public methods are
// safe for concurrent use if the underlying repository is.
type Service struct {
	repo     Repository
	conflict retry.Policy
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithConflictRetry sets how compare-and-swap conflicts are retried.
func WithConflictRetry(p retry.Policy) Option {
	return func(s *Service) { s.conflict = p }
}

// WithClock overrides the time source used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a delivery service backed by the given repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		conflict: retry.Policy{
			MaxAttempts:     5,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	return s.repo.GetRecord(ctx, id)
}

// Apply moves the record identified by ev to ev.Status.
//
// A record already in the target status is a NoOp, not an error. An edge
// outside the state machine returns *InvalidTransitionError and leaves the
// record untouched. Concurrent updates to the same record are linearized by
// a compare-and-swap on its current status; on conflict the record is
// reloaded and the transition re-evaluated.
func (s *Service) Apply(ctx context.Context, ev domain.DeliveryEvent) (Result, error) {
	if err := validateEvent(ev); err != nil {
		return Result{}, err
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = s.now()
	}

	var res Result
	err := retry.DoNotify(ctx, s.conflict, func() error {
		rec, err := s.lookup(ctx, ev)
		if err != nil {
			return retry.Permanent(err)
		}

		next, outcome, err := Transition(*rec, ev.Status, at, ev.FailureReason)
		if err != nil {
			return retry.Permanent(err)
		}
		if outcome == NoOp {
			res = Result{Record: next, Outcome: NoOp}
			return nil
		}

		err = s.repo.ApplyTransition(ctx, &next, rec.Status, DeltaFor(rec.Status, next.Status))
		switch {
		case err == nil:
			res = Result{Record: next, Outcome: Applied}
			return nil
		case errors.Is(err, ErrConflict):
			return err
		default:
			return retry.Permanent(err)
		}
	}, func(err error, _ time.Duration) {
		metrics.DeliveryConflictRetriesTotal.Inc()
	})

	var invalid *InvalidTransitionError
	switch {
	case err == nil:
		metrics.DeliveryTransitionsTotal.WithLabelValues(string(ev.Status), string(res.Outcome)).Inc()
		if res.Outcome == Applied {
			logger.Debug("delivery transition applied",
				"record_id", res.Record.ID, "campaign_id", res.Record.CampaignID, "status", res.Record.Status)
		}
		return res, nil
	case errors.As(err, &invalid):
		metrics.DeliveryTransitionsTotal.WithLabelValues(string(ev.Status), "rejected").Inc()
		return Result{}, err
	default:
		metrics.DeliveryTransitionsTotal.WithLabelValues(string(ev.Status), "error").Inc()
		if errors.Is(err, ErrNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("apply %s transition: %w", ev.Status, err)
	}
}

func (s *Service) lookup(ctx context.Context, ev domain.DeliveryEvent) (*domain.DeliveryRecord, error) {
	if ev.RecordID != "" {
		rec, err := s.repo.GetRecord(ctx, ev.RecordID)
		if err != nil {
			return nil, err
		}
		if ev.CampaignID != "" && rec.CampaignID != ev.CampaignID {
			return nil, fmt.Errorf("%w: record %s does not belong to campaign %s", ErrInvalidEvent, ev.RecordID, ev.CampaignID)
		}
		return rec, nil
	}
	return s.repo.FindRecord(ctx, ev.CampaignID, ev.CustomerID)
}

func validateEvent(ev domain.DeliveryEvent) error {
	if ev.RecordID == "" && (ev.CampaignID == "" || ev.CustomerID == "") {
		return fmt.Errorf("%w: record_id or campaign_id and customer_id are required", ErrInvalidEvent)
	}
	if !ev.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, ev.Status)
	}
	if ev.Status == domain.DeliveryQueued {
		return fmt.Errorf("%w: queued is not a reportable status", ErrInvalidEvent)
	}
	return nil
}
