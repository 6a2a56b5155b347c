package service

import (
	"context"
	"time"

	"github.com/rl1809/travel-booking/internal/pkg/logger"
)

// Worker drives the timer-based passes: due webhook retries and expiry of
// pending bookings whose payment window closed.
type Worker struct {
	webhooks      *WebhookService
	bookings      *BookingService
	retryInterval time.Duration
	sweepInterval time.Duration
	staleAfter    time.Duration
}

func NewWorker(webhooks *WebhookService, bookings *BookingService, retryInterval, sweepInterval, staleAfter time.Duration) *Worker {
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Worker{
		webhooks:      webhooks,
		bookings:      bookings,
		retryInterval: retryInterval,
		sweepInterval: sweepInterval,
		staleAfter:    staleAfter,
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	retryTicker := time.NewTicker(w.retryInterval)
	defer retryTicker.Stop()
	sweepTicker := time.NewTicker(w.sweepInterval)
	defer sweepTicker.Stop()

	logger.Ctx(ctx).Info().Dur("retry_interval", w.retryInterval).Dur("sweep_interval", w.sweepInterval).
		Msg("background worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("background worker stopped")
			return nil
		case <-retryTicker.C:
			w.RetryPass(ctx)
		case <-sweepTicker.C:
			w.SweepPass(ctx)
		}
	}
}

func (w *Worker) RetryPass(ctx context.Context) {
	n, err := w.webhooks.ProcessDueRetries(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("webhook retry pass failed")
		return
	}
	if n > 0 {
		logger.Ctx(ctx).Info().Int("processed", n).Msg("webhook retry pass")
	}
}

func (w *Worker) SweepPass(ctx context.Context) {
	n, err := w.bookings.ExpireStalePending(ctx, w.staleAfter)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("stale booking sweep failed")
		return
	}
	if n > 0 {
		logger.Ctx(ctx).Info().Int("expired", n).Msg("expired stale pending bookings")
	}
}
