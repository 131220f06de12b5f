package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
)

// SQSAPI is the subset of the SQS client used by the publisher and consumer.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher puts delivery events on the delivery-event queue.
type Publisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
}

func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Publish sends one event and waits for SQS to accept it.
func (p *Publisher) Publish(ctx context.Context, ev domain.DeliveryEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal delivery event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish delivery event: %w", err)
	}
	return nil
}

// PublishAsync sends ev in the background. Tracking requests must not wait
// on the queue; failures are only logged.
func (p *Publisher) PublishAsync(ev domain.DeliveryEvent) {
	go func() {
		if err := p.Publish(context.Background(), ev); err != nil {
			logger.Error("publish delivery event failed", "record_id", ev.RecordID, "status", string(ev.Status), "error", err)
		}
	}()
}

// DirectPublisher applies tracking events in process. It stands in for the
// queue when no delivery-event queue is configured.
type DirectPublisher struct {
	applier Applier
	timeout time.Duration
}

func NewDirectPublisher(applier Applier) *DirectPublisher {
	return &DirectPublisher{applier: applier, timeout: 5 * time.Second}
}

func (p *DirectPublisher) PublishAsync(ev domain.DeliveryEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if _, err := p.applier.Apply(ctx, ev); err != nil {
			logger.Warn("apply tracking event failed", "record_id", ev.RecordID, "status", string(ev.Status), "error", err)
		}
	}()
}
