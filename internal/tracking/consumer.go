package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
)

// Applier applies one delivery event to its record.
type Applier interface {
	Apply(ctx context.Context, ev domain.DeliveryEvent) (delivery.Result, error)
}

// Consumer long-polls the delivery-event queue and applies each event.
// A message is deleted once its outcome is final: applied, a duplicate, or
// rejected for good. Transient failures leave it on the queue so SQS
// redelivers it after the visibility timeout.
type Consumer struct {
	client    SQSAPI
	queueURL  string
	applier   Applier
	batchSize int32
	wait      int32
	backoff   time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithReceive sets the receive batch size and long-poll wait in seconds.
func WithReceive(batch, waitSeconds int32) ConsumerOption {
	return func(c *Consumer) {
		if batch > 0 && batch <= 10 {
			c.batchSize = batch
		}
		if waitSeconds >= 0 && waitSeconds <= 20 {
			c.wait = waitSeconds
		}
	}
}

// WithErrorBackoff sets the pause after a failed receive.
func WithErrorBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.backoff = d }
}

func NewConsumer(client SQSAPI, queueURL string, applier Applier, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:    client,
		queueURL:  queueURL,
		applier:   applier,
		batchSize: 10,
		wait:      20,
		backoff:   5 * time.Second,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start begins polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	logger.Info("delivery event consumer started", "queue", c.queueURL)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop ends polling and waits for the in-flight batch.
func (c *Consumer) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: c.batchSize,
			WaitTimeSeconds:     c.wait,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("SQS receive failed", "queue", c.queueURL, "error", err)
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		for _, msg := range out.Messages {
			if c.handle(ctx, msg) {
				c.deleteMessage(ctx, msg.ReceiptHandle)
			}
		}
	}
}

// handle applies one message and reports whether it should be deleted.
func (c *Consumer) handle(ctx context.Context, msg types.Message) bool {
	ev, err := Decode([]byte(aws.ToString(msg.Body)))
	if errors.Is(err, errIgnored) {
		metrics.EventsConsumedTotal.WithLabelValues("ignored").Inc()
		logger.Debug("delivery event ignored", "message_id", aws.ToString(msg.MessageId), "reason", err)
		return true
	}
	if err != nil {
		metrics.EventsConsumedTotal.WithLabelValues("malformed").Inc()
		logger.Warn("dropping malformed delivery event", "message_id", aws.ToString(msg.MessageId), "error", err)
		return true
	}

	res, err := c.applier.Apply(ctx, ev)
	switch {
	case err == nil:
		result := "applied"
		if res.Outcome == delivery.NoOp {
			result = "duplicate"
		}
		metrics.EventsConsumedTotal.WithLabelValues(result).Inc()
		return true
	case errors.Is(err, delivery.ErrInvalidTransition),
		errors.Is(err, delivery.ErrInvalidEvent),
		errors.Is(err, delivery.ErrNotFound):
		metrics.EventsConsumedTotal.WithLabelValues("rejected").Inc()
		logger.Warn("delivery event rejected",
			"record_id", ev.RecordID, "campaign_id", ev.CampaignID, "status", string(ev.Status), "error", err)
		return true
	default:
		metrics.EventsConsumedTotal.WithLabelValues("retry").Inc()
		logger.Error("delivery event failed, leaving for redelivery",
			"record_id", ev.RecordID, "status", string(ev.Status), "error", err)
		return false
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("SQS delete failed", "queue", c.queueURL, "error", err)
	}
}
