package campaign

import (
	"context"
	"time"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
)

// Repository defines the data access contract for campaigns and the
// delivery records they own. Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// MarkDispatched records the first dispatch time. Later calls keep the
	// original time.
	MarkDispatched(ctx context.Context, id string, at time.Time) error

	// CreateDeliveries inserts a queued record for every customer that does
	// not have one yet for this campaign, then sets total_recipients to the
	// campaign's record count in the same transaction. It returns how many
	// records were created and the new total.
	CreateDeliveries(ctx context.Context, campaignID string, customerIDs []string, at time.Time) (created, total int, err error)

	// StatusCounts returns how many of the campaign's records are in each status.
	StatusCounts(ctx context.Context, campaignID string) (delivery.StatusCounts, error)

	// ListDeliveries returns the campaign's records ordered by created_at, id.
	ListDeliveries(ctx context.Context, campaignID string, filter DeliveryFilter) ([]domain.DeliveryRecord, int, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Search string
	Limit  int
	Offset int
}

// DeliveryFilter controls pagination and filtering for campaign logs.
// Search matches a substring of the customer id.
type DeliveryFilter struct {
	Status domain.DeliveryStatus
	Search string
	Limit  int
	Offset int
}
