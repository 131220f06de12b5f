package delivery

import (
	"time"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// Outcome says what an accepted transition did.
type Outcome string

const (
	// Applied means the record moved to the target status.
	Applied Outcome = "applied"
	// NoOp means the record was already in the target status.
	NoOp Outcome = "noop"
)

var edges = map[domain.DeliveryStatus][]domain.DeliveryStatus{
	domain.DeliveryQueued:    {domain.DeliverySent, domain.DeliveryFailed},
	domain.DeliverySent:      {domain.DeliveryDelivered, domain.DeliveryFailed},
	domain.DeliveryDelivered: {domain.DeliveryOpened},
	domain.DeliveryOpened:    {domain.DeliveryClicked},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to domain.DeliveryStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further edge leaves s.
func Terminal(s domain.DeliveryStatus) bool {
	return s.Valid() && len(edges[s]) == 0
}

// Transition computes the result of moving rec to target at the given time.
// rec is never modified. On Applied the returned record is an updated copy;
// on NoOp it is an unchanged copy. failureReason is recorded only when the
// target is failed.
func Transition(rec domain.DeliveryRecord, target domain.DeliveryStatus, at time.Time, failureReason string) (domain.DeliveryRecord, Outcome, error) {
	if rec.Status == target {
		return rec, NoOp, nil
	}
	if !CanTransition(rec.Status, target) {
		return rec, "", &InvalidTransitionError{RecordID: rec.ID, From: rec.Status, To: target}
	}

	next := rec
	ts := at.UTC()
	switch target {
	case domain.DeliverySent:
		next.SentAt = &ts
	case domain.DeliveryDelivered:
		next.DeliveredAt = &ts
	case domain.DeliveryOpened:
		next.OpenedAt = &ts
	case domain.DeliveryClicked:
		next.ClickedAt = &ts
	case domain.DeliveryFailed:
		next.FailedAt = &ts
		next.FailureReason = failureReason
	}
	next.Status = target
	next.UpdatedAt = ts
	return next, Applied, nil
}
