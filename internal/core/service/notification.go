package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/travel-booking/internal/core/domain"
	"github.com/rl1809/travel-booking/internal/pkg/logger"
	"github.com/rl1809/travel-booking/internal/pkg/metrics"
	"github.com/rl1809/travel-booking/internal/port"
)

// NotificationDispatcher delivers notifications in the background with a
// bounded number of attempts. Failures never reach the caller.
type NotificationDispatcher struct {
	notifier    port.Notifier
	maxAttempts int
	backoff     time.Duration
	wg          sync.WaitGroup
}

func NewNotificationDispatcher(notifier port.Notifier, maxAttempts int, backoff time.Duration) *NotificationDispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &NotificationDispatcher{
		notifier:    notifier,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

func (d *NotificationDispatcher) Dispatch(ctx context.Context, n domain.Notification) {
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(ctx, n)
	}()
}

func (d *NotificationDispatcher) deliver(ctx context.Context, n domain.Notification) {
	ctx, span := tracer.Start(ctx, "NotificationDispatcher.deliver")
	defer span.End()

	log := logger.Ctx(ctx).With().Str("kind", string(n.Kind)).Str("booking_id", n.BookingID).Logger()

	delay := d.backoff
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err = d.notifier.Notify(ctx, n); err == nil {
			metrics.Notifications.WithLabelValues(string(n.Kind), "sent").Inc()
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("notification attempt failed")

		if attempt < d.maxAttempts && delay > 0 {
			time.Sleep(delay)
			delay *= 2
		}
	}

	span.RecordError(err)
	metrics.Notifications.WithLabelValues(string(n.Kind), "dropped").Inc()
	log.Error().Err(err).Int("attempts", d.maxAttempts).Msg("notification dropped")
}

// Wait blocks until every dispatched notification finished.
func (d *NotificationDispatcher) Wait() {
	d.wg.Wait()
}
