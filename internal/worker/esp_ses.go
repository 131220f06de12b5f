package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/tracking"
)

// SESAPI is the subset of the SES v2 client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends messages through AWS SES. Every message is tagged with
// its delivery record id so SES event publishing can report delivery,
// opens, clicks and bounces back to the record.
type SESTransport struct {
	client           SESAPI
	configurationSet string
}

// NewSESTransport wraps an SES client. configurationSet names the SES
// configuration set whose event destination feeds the delivery-event queue.
func NewSESTransport(client SESAPI, configurationSet string) *SESTransport {
	return &SESTransport{client: client, configurationSet: configurationSet}
}

// NewSESClient builds an SES client. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain.
func NewSESClient(ctx context.Context, region, accessKey, secretKey string) (*sesv2.Client, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(cfg), nil
}

func (s *SESTransport) Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String(tracking.RecordTag), Value: aws.String(msg.RecordID)},
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}
	for name, value := range msg.Headers {
		input.Content.Simple.Headers = append(input.Content.Simple.Headers,
			types.MessageHeader{Name: aws.String(name), Value: aws.String(value)})
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}
	return &domain.SendResult{MessageID: aws.ToString(out.MessageId), SentAt: time.Now().UTC()}, nil
}

// classifySESError separates per-recipient rejections from provider-wide
// failures such as throttling or outages.
func classifySESError(err error) error {
	var (
		rejected   *types.MessageRejected
		badRequest *types.BadRequestException
	)
	switch {
	case errors.As(err, &rejected):
		return fmt.Errorf("%w: %s", ErrRejected, rejected.ErrorMessage())
	case errors.As(err, &badRequest):
		return fmt.Errorf("%w: %s", ErrRejected, badRequest.ErrorMessage())
	}
	return fmt.Errorf("SES send: %w", err)
}
