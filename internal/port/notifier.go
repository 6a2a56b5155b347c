package port

import (
	"context"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

type Notifier interface {
	// Notify delivers a notification to the downstream channel
	Notify(ctx context.Context, n domain.Notification) error
}

type ReviewPublisher interface {
	// PublishReview hands a webhook record that exhausted its retries to operators
	PublishReview(ctx context.Context, record domain.ProcessingRecord) error
}
