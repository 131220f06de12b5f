package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// RecordTag is the SES message tag carrying the delivery record id.
const RecordTag = "record_id"

// errIgnored marks notifications that carry no delivery status change.
var errIgnored = errors.New("notification ignored")

// snsEnvelope is the SNS wrapper SES event publishing puts around events.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// sesEvent is the part of an SES event-publishing record we read.
type sesEvent struct {
	EventType string `json:"eventType"`
	Mail      struct {
		MessageID string              `json:"messageId"`
		Timestamp time.Time           `json:"timestamp"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType    string    `json:"bounceType"`
		BounceSubType string    `json:"bounceSubType"`
		Timestamp     time.Time `json:"timestamp"`
	} `json:"bounce,omitempty"`
	Delivery *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"delivery,omitempty"`
	Open *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"open,omitempty"`
	Click *struct {
		Timestamp time.Time `json:"timestamp"`
		Link      string    `json:"link"`
	} `json:"click,omitempty"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject,omitempty"`
	Failure *struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"failure,omitempty"`
}

// Decode turns a queue message body into a delivery event. It accepts the
// pipeline's own event JSON and SES events, bare or wrapped in an SNS
// notification.
func Decode(body []byte) (domain.DeliveryEvent, error) {
	var peek map[string]json.RawMessage
	if err := json.Unmarshal(body, &peek); err != nil {
		return domain.DeliveryEvent{}, fmt.Errorf("decode message: %w", err)
	}

	if _, ok := peek["Type"]; ok {
		var env snsEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return domain.DeliveryEvent{}, fmt.Errorf("decode SNS envelope: %w", err)
		}
		if env.Type != "Notification" {
			return domain.DeliveryEvent{}, fmt.Errorf("%w: SNS %s", errIgnored, env.Type)
		}
		return Decode([]byte(env.Message))
	}

	if _, ok := peek["eventType"]; ok {
		var ev sesEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return domain.DeliveryEvent{}, fmt.Errorf("decode SES event: %w", err)
		}
		return fromSES(ev)
	}

	var ev domain.DeliveryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.DeliveryEvent{}, fmt.Errorf("decode delivery event: %w", err)
	}
	return ev, nil
}

func fromSES(ev sesEvent) (domain.DeliveryEvent, error) {
	ids := ev.Mail.Tags[RecordTag]
	if len(ids) == 0 || ids[0] == "" {
		return domain.DeliveryEvent{}, fmt.Errorf("%w: SES %s for message %s has no %s tag",
			errIgnored, ev.EventType, ev.Mail.MessageID, RecordTag)
	}
	out := domain.DeliveryEvent{RecordID: ids[0], Timestamp: ev.Mail.Timestamp}

	switch ev.EventType {
	case "Delivery":
		out.Status = domain.DeliveryDelivered
		if ev.Delivery != nil {
			out.Timestamp = ev.Delivery.Timestamp
		}
	case "Open":
		out.Status = domain.DeliveryOpened
		if ev.Open != nil {
			out.Timestamp = ev.Open.Timestamp
		}
	case "Click":
		out.Status = domain.DeliveryClicked
		if ev.Click != nil {
			out.Timestamp = ev.Click.Timestamp
		}
	case "Bounce":
		out.Status = domain.DeliveryFailed
		out.FailureReason = "bounce"
		if ev.Bounce != nil {
			out.Timestamp = ev.Bounce.Timestamp
			out.FailureReason = strings.ToLower("bounce: " + ev.Bounce.BounceType + "/" + ev.Bounce.BounceSubType)
		}
	case "Reject":
		out.Status = domain.DeliveryFailed
		out.FailureReason = "rejected"
		if ev.Reject != nil && ev.Reject.Reason != "" {
			out.FailureReason = "rejected: " + ev.Reject.Reason
		}
	case "Rendering Failure":
		out.Status = domain.DeliveryFailed
		out.FailureReason = "rendering failure"
		if ev.Failure != nil && ev.Failure.ErrorMessage != "" {
			out.FailureReason = "rendering failure: " + ev.Failure.ErrorMessage
		}
	default:
		// Send, DeliveryDelay, Complaint and Subscription do not move a record.
		return domain.DeliveryEvent{}, fmt.Errorf("%w: SES %s", errIgnored, ev.EventType)
	}
	return out, nil
}
