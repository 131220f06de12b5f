package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/tracking"
)

type stubSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (s *stubSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	s.in = in
	if s.err != nil {
		return nil, s.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func sesMessage() *domain.OutboundMessage {
	return &domain.OutboundMessage{
		RecordID:   "rec-1",
		CampaignID: "camp-1",
		To:         "mary@shop.io",
		FromName:   "Ignite",
		FromEmail:  "news@example.com",
		Subject:    "Hi",
		Body:       "<p>Hello</p>",
		Headers:    map[string]string{"List-Unsubscribe": "<mailto:unsub@example.com>"},
	}
}

func TestSESTransport_Send(t *testing.T) {
	client := &stubSES{}
	res, err := NewSESTransport(client, "pipeline-events").Send(context.Background(), sesMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", res.MessageID)
	assert.False(t, res.SentAt.IsZero())

	in := client.in
	require.NotNil(t, in)
	assert.Equal(t, "Ignite <news@example.com>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"mary@shop.io"}, in.Destination.ToAddresses)
	assert.Equal(t, "pipeline-events", aws.ToString(in.ConfigurationSetName))
	assert.Equal(t, "Hi", aws.ToString(in.Content.Simple.Subject.Data))
	require.Len(t, in.Content.Simple.Headers, 1)

	tags := map[string]string{}
	for _, tag := range in.EmailTags {
		tags[aws.ToString(tag.Name)] = aws.ToString(tag.Value)
	}
	assert.Equal(t, "rec-1", tags[tracking.RecordTag])
	assert.Equal(t, "camp-1", tags["campaign_id"])
}

func TestSESTransport_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		rejected bool
	}{
		{"message rejected", &types.MessageRejected{Message: aws.String("address not verified")}, true},
		{"bad request", &types.BadRequestException{Message: aws.String("invalid address")}, true},
		{"throttled", &types.TooManyRequestsException{Message: aws.String("slow down")}, false},
		{"network", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSESTransport(&stubSES{err: tt.err}, "").Send(context.Background(), sesMessage())
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
		})
	}
}
