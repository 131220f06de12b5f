package domain

import "time"

// OutboundMessage is the fully-rendered message handed to a transport.
// By the time a message reaches this struct, template substitution is
// complete.
type OutboundMessage struct {
	RecordID   string            `json:"record_id"`
	CampaignID string            `json:"campaign_id"`
	CustomerID string            `json:"customer_id"`
	To         string            `json:"to"`
	FromName   string            `json:"from_name"`
	FromEmail  string            `json:"from_email"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport after attempting a send.
type SendResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}
