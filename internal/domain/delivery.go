package domain

import "time"

// DeliveryStatus enumerates the lifecycle of a single recipient's message.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
	DeliveryFailed    DeliveryStatus = "failed"
)

// AllDeliveryStatuses lists every status in lifecycle order.
var AllDeliveryStatuses = []DeliveryStatus{
	DeliveryQueued, DeliverySent, DeliveryDelivered, DeliveryOpened, DeliveryClicked, DeliveryFailed,
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryQueued, DeliverySent, DeliveryDelivered, DeliveryOpened, DeliveryClicked, DeliveryFailed:
		return true
	}
	return false
}

// InFlight reports whether a record in this status still awaits an outcome.
func (s DeliveryStatus) InFlight() bool {
	return s == DeliveryQueued || s == DeliverySent
}

// DeliveryRecord tracks one campaign message to one customer. At most one
// record exists per (CampaignID, CustomerID).
type DeliveryRecord struct {
	ID            string         `json:"id" db:"id"`
	CampaignID    string         `json:"campaign_id" db:"campaign_id"`
	CustomerID    string         `json:"customer_id" db:"customer_id"`
	Status        DeliveryStatus `json:"status" db:"status"`
	SentAt        *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt      *time.Time     `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt     *time.Time     `json:"clicked_at,omitempty" db:"clicked_at"`
	FailedAt      *time.Time     `json:"failed_at,omitempty" db:"failed_at"`
	FailureReason string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// TimelineEntry is one reached status with the time it was reached.
type TimelineEntry struct {
	Status DeliveryStatus `json:"status"`
	At     time.Time      `json:"at"`
}

// Timeline lists the statuses this record has passed through, oldest first.
func (r *DeliveryRecord) Timeline() []TimelineEntry {
	out := []TimelineEntry{{Status: DeliveryQueued, At: r.CreatedAt}}
	add := func(s DeliveryStatus, t *time.Time) {
		if t != nil {
			out = append(out, TimelineEntry{Status: s, At: *t})
		}
	}
	add(DeliverySent, r.SentAt)
	add(DeliveryDelivered, r.DeliveredAt)
	add(DeliveryOpened, r.OpenedAt)
	add(DeliveryClicked, r.ClickedAt)
	add(DeliveryFailed, r.FailedAt)
	return out
}

// DeliveryView is the per-recipient log entry returned by campaign-logs.
type DeliveryView struct {
	DeliveryRecord
	Timeline []TimelineEntry `json:"timeline"`
}

// DeliveryEvent is a status report for one recipient. It identifies the
// record either by RecordID or by (CampaignID, CustomerID); the pair
// (record, Status) is its idempotency key.
type DeliveryEvent struct {
	RecordID      string         `json:"record_id,omitempty"`
	CampaignID    string         `json:"campaign_id,omitempty"`
	CustomerID    string         `json:"customer_id,omitempty"`
	Status        DeliveryStatus `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	FailureReason string         `json:"failure_reason,omitempty"`
}
