package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
)

// StaleAction is what the sweeper does with a record stuck in a status.
type StaleAction string

const (
	StaleNone    StaleAction = "none"
	StaleFail    StaleAction = "fail"
	StaleRequeue StaleAction = "requeue"
)

// StaleRule applies Action to records that have not changed for After.
type StaleRule struct {
	After  time.Duration `yaml:"after"`
	Action StaleAction   `yaml:"action"`
}

// StalePolicy configures the staleness sweep for the in-flight statuses.
type StalePolicy struct {
	Queued    StaleRule `yaml:"queued"`
	Sent      StaleRule `yaml:"sent"`
	BatchSize int       `yaml:"batch_size"`
}

// DefaultStalePolicy fails sends that were never acknowledged after a day
// and retries queued records idle for an hour.
func DefaultStalePolicy() StalePolicy {
	return StalePolicy{
		Queued:    StaleRule{After: time.Hour, Action: StaleRequeue},
		Sent:      StaleRule{After: 24 * time.Hour, Action: StaleFail},
		BatchSize: 500,
	}
}

// Validate rejects unknown actions and requeue for sent records, which
// would move a record backwards.
func (p StalePolicy) Validate() error {
	check := func(status domain.DeliveryStatus, r StaleRule) error {
		switch r.Action {
		case "", StaleNone:
			return nil
		case StaleFail:
		case StaleRequeue:
			if status != domain.DeliveryQueued {
				return fmt.Errorf("stale action requeue is not allowed for %s records", status)
			}
		default:
			return fmt.Errorf("unknown stale action %q for %s records", r.Action, status)
		}
		if r.After <= 0 {
			return fmt.Errorf("stale window for %s records must be positive", status)
		}
		return nil
	}
	if err := check(domain.DeliveryQueued, p.Queued); err != nil {
		return err
	}
	return check(domain.DeliverySent, p.Sent)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Failed   int
	Requeued []domain.DeliveryRecord
}

// SweepStale applies the policy to records stuck in queued or sent. Failing
// goes through Apply, so it obeys the state machine and campaign counters;
// a record that moved on in the meantime is skipped. Requeued records have
// their updated_at bumped and are returned for the caller to resubmit.
func (s *Service) SweepStale(ctx context.Context, p StalePolicy) (SweepResult, error) {
	if err := p.Validate(); err != nil {
		return SweepResult{}, err
	}
	limit := p.BatchSize
	if limit <= 0 {
		limit = DefaultStalePolicy().BatchSize
	}

	var res SweepResult
	for _, st := range []struct {
		status domain.DeliveryStatus
		rule   StaleRule
	}{
		{domain.DeliveryQueued, p.Queued},
		{domain.DeliverySent, p.Sent},
	} {
		if st.rule.Action == "" || st.rule.Action == StaleNone {
			continue
		}
		now := s.now()
		stale, err := s.repo.ListStale(ctx, st.status, now.Add(-st.rule.After), limit)
		if err != nil {
			return res, fmt.Errorf("list stale %s records: %w", st.status, err)
		}

		for _, rec := range stale {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			switch st.rule.Action {
			case StaleFail:
				out, err := s.Apply(ctx, domain.DeliveryEvent{
					RecordID:      rec.ID,
					Status:        domain.DeliveryFailed,
					Timestamp:     now,
					FailureReason: fmt.Sprintf("timeout: stuck in %s for more than %s", st.status, st.rule.After),
				})
				var invalid *InvalidTransitionError
				switch {
				case errors.As(err, &invalid):
					continue
				case err != nil:
					logger.Warn("stale sweep: fail record", "record_id", rec.ID, "error", err)
					continue
				}
				if out.Outcome == Applied {
					res.Failed++
					metrics.StaleRecordsTotal.WithLabelValues(string(st.status), string(StaleFail)).Inc()
				}

			case StaleRequeue:
				err := s.repo.Touch(ctx, rec.ID, st.status, now)
				if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					logger.Warn("stale sweep: requeue record", "record_id", rec.ID, "error", err)
					continue
				}
				rec.UpdatedAt = now
				res.Requeued = append(res.Requeued, rec)
				metrics.StaleRecordsTotal.WithLabelValues(string(st.status), string(StaleRequeue)).Inc()
			}
		}
	}
	return res, nil
}
