package domain

import (
	"time"
)

// CampaignStatus is derived from the campaign's delivery records and is
// never stored.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// MessageTemplate is the liquid source of a campaign message.
type MessageTemplate struct {
	Subject string `json:"subject" db:"subject"`
	Body    string `json:"body" db:"body"`
}

// CampaignStats holds the aggregate counters owned by the stats aggregator.
// Invariant: 0 <= Sent <= TotalRecipients.
type CampaignStats struct {
	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	Sent            int `json:"sent" db:"sent"`
}

// Campaign is a message sent to one segment.
type Campaign struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Template     MessageTemplate `json:"template"`
	SegmentID    string          `json:"segment_id" db:"segment_id"`
	Stats        CampaignStats   `json:"stats"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty" db:"dispatched_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Dispatched reports whether the campaign has been expanded into recipients.
func (c *Campaign) Dispatched() bool {
	return c.DispatchedAt != nil
}

// CampaignSummary is a campaign with its derived status, as returned to API
// callers.
type CampaignSummary struct {
	Campaign
	Status CampaignStatus `json:"status"`
}

// CampaignStatsView is the read model for GET campaign-stats.
type CampaignStatsView struct {
	CampaignID      string                 `json:"campaign_id"`
	Status          CampaignStatus         `json:"status"`
	TotalRecipients int                    `json:"total_recipients"`
	Sent            int                    `json:"sent"`
	Breakdown       map[DeliveryStatus]int `json:"breakdown"`
}
