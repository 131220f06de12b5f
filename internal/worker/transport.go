package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
)

// ErrRejected marks a send the transport refused for this recipient only.
// Rejections are not retried and do not count against the transport's
// circuit breaker.
var ErrRejected = errors.New("message rejected")

// Transport hands one rendered message to an outbound provider.
type Transport interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error)
}

// LogTransport accepts every message and only logs it. It is the transport
// for local runs without provider credentials.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	logger.Info("message sent (log transport)",
		"record_id", msg.RecordID, "campaign_id", msg.CampaignID, "email", msg.To, "subject", msg.Subject)
	return &domain.SendResult{MessageID: "log-" + uuid.New().String(), SentAt: time.Now().UTC()}, nil
}
