package delivery

import (
	"errors"
	"fmt"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// Sentinel errors for the delivery layer.
var (
	ErrNotFound          = errors.New("delivery record not found")
	ErrInvalidTransition = errors.New("invalid delivery transition")
	ErrConflict          = errors.New("delivery record changed concurrently")
	ErrInvalidEvent      = errors.New("invalid delivery event")
	ErrStatsInvariant    = errors.New("campaign sent count would exceed total recipients")
)

// InvalidTransitionError reports a status change that is not an edge of the
// delivery state machine. The record is left unchanged.
type InvalidTransitionError struct {
	RecordID string
	From     domain.DeliveryStatus
	To       domain.DeliveryStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("invalid delivery transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid delivery transition %s -> %s for record %s", e.From, e.To, e.RecordID)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
