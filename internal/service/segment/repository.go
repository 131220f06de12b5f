package segment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// Repository defines the data access contract for segments.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new segment.
	Create(ctx context.Context, s *domain.Segment) error

	// Get returns a single segment. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Segment, error)

	// List returns segments matching the filter, ordered by created_at DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.Segment, int, error)

	// ReplaceRules swaps the segment's rule tree and its estimate together.
	ReplaceRules(ctx context.Context, id string, rules json.RawMessage, estimate int, at time.Time) error

	// UpdateEstimate stores a freshly computed audience size.
	UpdateEstimate(ctx context.Context, id string, estimate int, at time.Time) error
}

// ListFilter controls pagination and filtering for segment lists.
type ListFilter struct {
	Search string
	Limit  int
	Offset int
}
