package messaging

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/travel-booking/internal/pkg/logger"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ReviewConsumer drains the review topic and logs every record for operators.
type ReviewConsumer struct {
	reader messageReader
}

func NewReviewConsumer(reader messageReader) *ReviewConsumer {
	return &ReviewConsumer{reader: reader}
}

// Run blocks until ctx is cancelled.
func (c *ReviewConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("review consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("review consumer stopped")
				return nil
			}
			logger.Ctx(ctx).Warn().Err(err).Msg("fetch review message")
			continue
		}

		logReview(extract(ctx, msg), msg)

		// Logging is the whole handling, so the message is committed either way.
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("commit review message")
		}
	}
}

func logReview(ctx context.Context, msg kafka.Message) {
	var review reviewMessage
	if err := json.Unmarshal(msg.Value, &review); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("key", string(msg.Key)).
			Str("value", string(msg.Value)).
			Msg("undecodable webhook review message")
		return
	}

	logger.Ctx(ctx).Error().
		Str("processing_id", review.ProcessingID).
		Str("event_type", review.EventType).
		Str("gateway_event_id", review.GatewayEventID).
		Int("attempts", review.Attempts).
		Str("last_error", review.LastError).
		Int64("offset", msg.Offset).
		Msg("webhook needs manual review")
}
