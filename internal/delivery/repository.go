package delivery

import (
	"context"
	"time"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// Repository defines the data access contract for delivery records.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetRecord returns a record by id. Returns ErrNotFound if it doesn't exist.
	GetRecord(ctx context.Context, id string) (*domain.DeliveryRecord, error)

	// FindRecord returns the record for a (campaign, customer) pair.
	// Returns ErrNotFound if it doesn't exist.
	FindRecord(ctx context.Context, campaignID, customerID string) (*domain.DeliveryRecord, error)

	// ApplyTransition stores next only if the stored record is still in
	// status expected, and adds delta to the campaign's counters in the same
	// atomic unit. Returns ErrConflict when the stored status differs and
	// ErrNotFound when the record is gone. The sent counter never exceeds
	// the campaign's total recipients.
	ApplyTransition(ctx context.Context, next *domain.DeliveryRecord, expected domain.DeliveryStatus, delta StatsDelta) error

	// ListStale returns up to limit records in status whose updated_at is
	// before cutoff, oldest first.
	ListStale(ctx context.Context, status domain.DeliveryStatus, cutoff time.Time, limit int) ([]domain.DeliveryRecord, error)

	// ListQueued returns up to limit queued records of one campaign in
	// creation order.
	ListQueued(ctx context.Context, campaignID string, limit int) ([]domain.DeliveryRecord, error)

	// CampaignsWithQueued returns ids of campaigns that still have queued
	// records, oldest dispatch first.
	CampaignsWithQueued(ctx context.Context, limit int) ([]string, error)

	// Touch bumps updated_at of a record that is still in status expected.
	// Returns ErrConflict when the status changed.
	Touch(ctx context.Context, id string, expected domain.DeliveryStatus, at time.Time) error
}
