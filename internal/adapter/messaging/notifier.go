package messaging

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

// KafkaNotifier publishes booking notifications keyed by booking id, so all
// messages of one booking land on one partition.
type KafkaNotifier struct {
	writer messageWriter
}

func NewKafkaNotifier(writer messageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

func (n *KafkaNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	value, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	return produce(ctx, n.writer, []byte(notification.BookingID), value,
		kafka.Header{Key: HeaderEventType, Value: []byte(notification.Kind)})
}

// KafkaReviewPublisher sends webhook records that exhausted their retries to
// the review topic.
type KafkaReviewPublisher struct {
	writer messageWriter
}

func NewKafkaReviewPublisher(writer messageWriter) *KafkaReviewPublisher {
	return &KafkaReviewPublisher{writer: writer}
}

type reviewMessage struct {
	ProcessingID   string          `json:"processing_id"`
	EventType      string          `json:"event_type"`
	GatewayEventID string          `json:"gateway_event_id,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (p *KafkaReviewPublisher) PublishReview(ctx context.Context, record domain.ProcessingRecord) error {
	msg := reviewMessage{
		ProcessingID:   record.ID,
		EventType:      string(record.EventType),
		GatewayEventID: record.GatewayEventID,
		Attempts:       record.Attempts,
		LastError:      record.LastError,
	}
	if json.Valid(record.Payload) {
		msg.Payload = record.Payload
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal review message")
	}
	return produce(ctx, p.writer, []byte(record.ID), value,
		kafka.Header{Key: HeaderEventType, Value: []byte(record.EventType)})
}
