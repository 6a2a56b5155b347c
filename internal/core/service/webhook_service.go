package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/travel-booking/internal/core/domain"
	"github.com/rl1809/travel-booking/internal/pkg/logger"
	"github.com/rl1809/travel-booking/internal/pkg/metrics"
	"github.com/rl1809/travel-booking/internal/port"
)

const retryBatch = 50

// processingNamespace derives stable processing ids from gateway event ids.
var processingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://api.razorpay.com/webhooks"))

type WebhookAck struct {
	Success      bool
	ProcessingID string
	Timestamp    time.Time
	Duplicate    bool
	// Settled is set on a duplicate whose original delivery reached a final
	// status. An unsettled duplicate is still being retried.
	Settled bool
}

type WebhookDependencies struct {
	Secret   string
	Bookings *BookingService
	// BookingStore is the repository behind Bookings, used for reads.
	BookingStore port.BookingRepository
	Payments     port.PaymentRepository
	Refunds      port.RefundRepository
	Records      port.ProcessingRepository
	Review       port.ReviewPublisher
	Notifier     *NotificationDispatcher
	Policy       RetryPolicy
}

type eventHandler func(ctx context.Context, event *domain.WebhookEvent) error

// WebhookService applies gateway events to booking and payment state. Every
// handler is safe to run more than once for the same event.
type WebhookService struct {
	secret   string
	bookings *BookingService
	store    port.BookingRepository
	payments port.PaymentRepository
	refunds  port.RefundRepository
	records  port.ProcessingRepository
	review   port.ReviewPublisher
	notifier *NotificationDispatcher
	policy   RetryPolicy
	handlers map[domain.EventType]eventHandler
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool
}

func NewWebhookService(deps WebhookDependencies) *WebhookService {
	policy := deps.Policy
	if len(policy.Backoff) == 0 {
		policy.Backoff = DefaultRetryPolicy().Backoff
	}
	if policy.Lease <= 0 {
		policy.Lease = DefaultRetryPolicy().Lease
	}

	s := &WebhookService{
		secret:   deps.Secret,
		bookings: deps.Bookings,
		store:    deps.BookingStore,
		payments: deps.Payments,
		refunds:  deps.Refunds,
		records:  deps.Records,
		review:   deps.Review,
		notifier: deps.Notifier,
		policy:   policy,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	s.handlers = map[domain.EventType]eventHandler{
		domain.EventPaymentCaptured: s.handlePaymentCaptured,
		domain.EventPaymentFailed:   s.handlePaymentFailed,
		domain.EventRefundCreated:   s.handleRefundCreated,
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func processingID(event domain.EventType, gatewayEventID string) string {
	if gatewayEventID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(processingNamespace, []byte(string(event)+":"+gatewayEventID)).String()
}

// HandleWebhook verifies and records one gateway delivery and runs its
// handler. Only signature and payload errors are returned; processing
// failures are retried internally and reported through the ack.
func (s *WebhookService) HandleWebhook(ctx context.Context, signature, gatewayEventID string, body []byte) (*WebhookAck, error) {
	ctx, span := tracer.Start(ctx, "WebhookService.HandleWebhook", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if !VerifySignature(s.secret, body, signature) {
		metrics.WebhookSignatureFailures.Inc()
		span.SetStatus(codes.Error, "invalid signature")
		logger.Ctx(ctx).Warn().Bool("security", true).
			Bool("signature_present", signature != "").
			Str("event_id", gatewayEventID).
			Int("body_bytes", len(body)).
			Msg("rejected webhook with invalid signature, possible forgery")
		return nil, domain.ErrInvalidSignature
	}

	event, err := domain.ParseWebhookEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		logger.Ctx(ctx).Warn().Bool("security", true).Err(err).Str("event_id", gatewayEventID).Msg("rejected malformed webhook")
		return nil, err
	}

	now := s.now()
	lease := now.Add(s.policy.Lease)
	record := domain.ProcessingRecord{
		ID:             processingID(event.Event, gatewayEventID),
		EventType:      event.Event,
		GatewayEventID: gatewayEventID,
		Payload:        body,
		Status:         domain.ProcessingStatusProcessing,
		NextRetryAt:    &lease,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ack := &WebhookAck{ProcessingID: record.ID, Timestamp: now}

	span.SetAttributes(
		attribute.String("webhook.event", string(event.Event)),
		attribute.String("webhook.processing_id", record.ID),
	)
	ctx = logger.With(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("processing_id", record.ID).Str("event", string(event.Event)).Str("event_id", gatewayEventID)
	})

	created, err := s.records.CreateProcessingRecord(ctx, record)
	if err != nil {
		span.RecordError(err)
		metrics.WebhookEvents.WithLabelValues(string(event.Event), "record_error").Inc()
		logger.Ctx(ctx).Error().Err(err).Bytes("payload", body).
			Msg("failed to persist processing record, event needs manual replay")
		return ack, nil
	}
	if !created {
		ack.Success = true
		ack.Duplicate = true
		existing, err := s.records.GetProcessingRecord(ctx, record.ID)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to load original processing record")
		}
		if existing != nil && existing.Terminal() {
			ack.Settled = true
			metrics.WebhookEvents.WithLabelValues(string(event.Event), "duplicate").Inc()
			logger.Ctx(ctx).Info().Str("status", string(existing.Status)).Msg("duplicate webhook delivery acknowledged")
			return ack, nil
		}
		metrics.WebhookEvents.WithLabelValues(string(event.Event), "duplicate_pending").Inc()
		logger.Ctx(ctx).Info().Msg("duplicate webhook delivery acknowledged, original still in progress")
		return ack, nil
	}

	if _, ok := s.handlers[event.Event]; !ok {
		record.Status = domain.ProcessingStatusIgnored
		record.NextRetryAt = nil
		s.save(ctx, &record)
		metrics.WebhookEvents.WithLabelValues(string(event.Event), "ignored").Inc()
		logger.Ctx(ctx).Info().Msg("unhandled webhook event acknowledged")
		ack.Success = true
		return ack, nil
	}

	ack.Success = s.processWithRetry(ctx, &record, s.policy.Inline)
	return ack, nil
}

// processWithRetry runs the record's handler and persists the outcome. A
// retryable failure schedules the next attempt on the record; with inline set
// the attempt is also waited for here, otherwise the retry worker picks it up.
func (s *WebhookService) processWithRetry(ctx context.Context, record *domain.ProcessingRecord, inline bool) bool {
	for {
		err := s.attempt(ctx, record)
		now := s.now()
		record.UpdatedAt = now

		if err == nil {
			record.Status = domain.ProcessingStatusSucceeded
			record.LastError = ""
			record.NextRetryAt = nil
			s.save(ctx, record)
			metrics.WebhookEvents.WithLabelValues(string(record.EventType), "processed").Inc()
			return true
		}

		record.LastError = err.Error()
		if IsPermanent(err) || s.policy.Exhausted(record.Attempts) {
			s.markFailed(ctx, record)
			return false
		}

		delay := s.policy.Delay(record.Attempts)
		next := now.Add(delay)
		record.Status = domain.ProcessingStatusRetrying
		record.NextRetryAt = &next
		s.save(ctx, record)
		metrics.WebhookEvents.WithLabelValues(string(record.EventType), "retry_scheduled").Inc()
		logger.Ctx(ctx).Warn().Err(err).Int("attempt", record.Attempts).Time("next_retry_at", next).
			Msg("webhook handler failed, retry scheduled")

		if !inline || !s.sleep(ctx, delay) {
			return false
		}

		now = s.now()
		claimed, err := s.records.ClaimProcessingRecord(ctx, record.ID, record.Attempts, now, now.Add(s.policy.Lease))
		if err != nil || !claimed {
			return false
		}
		record.Status = domain.ProcessingStatusProcessing
	}
}

func (s *WebhookService) attempt(ctx context.Context, record *domain.ProcessingRecord) error {
	record.Attempts++

	ctx, span := tracer.Start(ctx, "WebhookService.attempt", trace.WithAttributes(
		attribute.String("webhook.event", string(record.EventType)),
		attribute.Int("webhook.attempt", record.Attempts),
	))
	defer span.End()

	event, err := domain.ParseWebhookEvent(record.Payload)
	if err != nil {
		return Permanent(err)
	}
	handler, ok := s.handlers[event.Event]
	if !ok {
		return Permanent(fmt.Errorf("no handler for event %s", event.Event))
	}

	if err := handler(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.WebhookAttempts.WithLabelValues(string(event.Event), "error").Inc()
		return err
	}
	metrics.WebhookAttempts.WithLabelValues(string(event.Event), "ok").Inc()
	return nil
}

func (s *WebhookService) markFailed(ctx context.Context, record *domain.ProcessingRecord) {
	record.Status = domain.ProcessingStatusFailed
	record.NeedsReview = true
	record.NextRetryAt = nil
	s.save(ctx, record)

	metrics.WebhookEvents.WithLabelValues(string(record.EventType), "failed").Inc()
	logger.Ctx(ctx).Error().Int("attempts", record.Attempts).Str("last_error", record.LastError).
		Msg("webhook processing failed, needs manual review")

	if s.review == nil {
		return
	}
	if err := s.review.PublishReview(context.WithoutCancel(ctx), *record); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to publish review record")
	}
}

func (s *WebhookService) save(ctx context.Context, record *domain.ProcessingRecord) {
	if err := s.records.SaveProcessingRecord(context.WithoutCancel(ctx), *record); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("status", string(record.Status)).Msg("failed to persist processing record")
	}
}

// ProcessDueRetries runs one attempt for every record whose retry is due and
// returns how many it claimed.
func (s *WebhookService) ProcessDueRetries(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.records.ListDueProcessingRecords(ctx, now, retryBatch)
	if err != nil {
		return 0, fmt.Errorf("list due webhook retries: %w", err)
	}

	processed := 0
	for i := range due {
		record := due[i]
		claimed, err := s.records.ClaimProcessingRecord(ctx, record.ID, record.Attempts, now, now.Add(s.policy.Lease))
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("processing_id", record.ID).Msg("failed to claim webhook retry")
			continue
		}
		if !claimed {
			continue
		}

		record.Status = domain.ProcessingStatusProcessing
		rctx := logger.With(ctx, func(c zerolog.Context) zerolog.Context {
			return c.Str("processing_id", record.ID).Str("event", string(record.EventType))
		})
		s.processWithRetry(rctx, &record, false)
		processed++
	}
	return processed, nil
}

func (s *WebhookService) GetProcessingStatus(ctx context.Context, processingID string) (*domain.ProcessingRecord, error) {
	record, err := s.records.GetProcessingRecord(ctx, processingID)
	if err != nil {
		return nil, fmt.Errorf("load processing record: %w", err)
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

// resolve finds the payment order and booking for a gateway order id. A
// missing order is retryable: the event may overtake the order insert.
func (s *WebhookService) resolve(ctx context.Context, orderID string) (*domain.PaymentOrder, *domain.Booking, error) {
	order, err := s.payments.GetPaymentOrder(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load payment order %s: %w", orderID, err)
	}
	if order == nil {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrPaymentOrderNotFound, orderID)
	}

	booking, err := s.store.GetBooking(ctx, order.BookingID)
	if err != nil {
		return nil, nil, fmt.Errorf("load booking %s: %w", order.BookingID, err)
	}
	if booking == nil {
		return nil, nil, Permanent(fmt.Errorf("%w: %s for order %s", domain.ErrBookingNotFound, order.BookingID, orderID))
	}
	return order, booking, nil
}

func (s *WebhookService) handlePaymentCaptured(ctx context.Context, event *domain.WebhookEvent) error {
	payment := event.Payload.Payment.Entity

	order, booking, err := s.resolve(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if payment.Amount != order.Amount || order.Amount != booking.TotalPrice {
		return Permanent(fmt.Errorf("%w: payment %d, order %d, booking %d",
			domain.ErrAmountMismatch, payment.Amount, order.Amount, booking.TotalPrice))
	}

	if _, err := s.payments.UpdatePaymentOrderStatus(ctx, order.ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated, domain.PaymentStatusFailed},
		domain.PaymentStatusCaptured, payment.ID); err != nil {
		return fmt.Errorf("mark order %s captured: %w", order.ID, err)
	}

	switch booking.Status {
	case domain.BookingStatusConfirmed:
		logger.Ctx(ctx).Info().Str("booking_id", booking.ID).Msg("booking already confirmed")
		return nil
	case domain.BookingStatusPending:
	default:
		return Permanent(fmt.Errorf("%w: payment captured for %s booking %s",
			domain.ErrInvalidTransition, booking.Status, booking.ID))
	}

	confirmed, err := s.bookings.ConfirmPaid(ctx, *booking)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientInventory) {
			return Permanent(err)
		}
		return err
	}
	if !confirmed {
		return s.checkResolvedAs(ctx, booking.ID, domain.BookingStatusConfirmed)
	}

	s.notifier.Dispatch(ctx, domain.Notification{
		Kind:             domain.NotificationBookingConfirmed,
		BookingID:        booking.ID,
		BookingReference: booking.Reference,
		UserID:           booking.UserID,
		Message:          fmt.Sprintf("Your booking %s is confirmed.", booking.Reference),
		OccurredAt:       s.now(),
	})
	return nil
}

func (s *WebhookService) handlePaymentFailed(ctx context.Context, event *domain.WebhookEvent) error {
	payment := event.Payload.Payment.Entity

	order, booking, err := s.resolve(ctx, payment.OrderID)
	if err != nil {
		return err
	}

	// A late failure for an order that was since captured must not downgrade it.
	if _, err := s.payments.UpdatePaymentOrderStatus(ctx, order.ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated},
		domain.PaymentStatusFailed, payment.ID); err != nil {
		return fmt.Errorf("mark order %s failed: %w", order.ID, err)
	}

	if booking.Status != domain.BookingStatusPending {
		logger.Ctx(ctx).Info().Str("booking_id", booking.ID).Str("status", string(booking.Status)).
			Msg("payment failure for resolved booking ignored")
		return nil
	}

	failed, err := s.bookings.FailPayment(ctx, *booking)
	if err != nil && !failed {
		return err
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("booking_id", booking.ID).Msg("payment_failed booking lock not released, waiting for ttl")
	}
	if !failed {
		return nil
	}

	reason := payment.ErrorDescription
	if reason == "" {
		reason = "the payment was not completed"
	}
	s.notifier.Dispatch(ctx, domain.Notification{
		Kind:             domain.NotificationPaymentFailed,
		BookingID:        booking.ID,
		BookingReference: booking.Reference,
		UserID:           booking.UserID,
		Message:          fmt.Sprintf("Payment for booking %s failed: %s.", booking.Reference, reason),
		OccurredAt:       s.now(),
	})
	return nil
}

func (s *WebhookService) handleRefundCreated(ctx context.Context, event *domain.WebhookEvent) error {
	entity := event.Payload.Refund.Entity
	now := s.now()

	refund := domain.Refund{
		ID:        entity.ID,
		PaymentID: entity.PaymentID,
		BookingID: domain.Note(entity.Notes, "booking_id"),
		Amount:    entity.Amount,
		Status:    domain.ParseRefundStatus(entity.Status),
		Reason:    domain.Note(entity.Notes, "reason"),
		CreatedAt: now,
		UpdatedAt: now,
	}

	existing, err := s.refunds.GetRefund(ctx, entity.ID)
	if err != nil {
		return fmt.Errorf("load refund %s: %w", entity.ID, err)
	}
	if existing != nil {
		refund.CreatedAt = existing.CreatedAt
		if refund.BookingID == "" {
			refund.BookingID = existing.BookingID
		}
		if refund.Reason == "" {
			refund.Reason = existing.Reason
		}
	}

	if err := s.refunds.UpsertRefund(ctx, refund); err != nil {
		return fmt.Errorf("record refund %s: %w", entity.ID, err)
	}
	return nil
}

// checkResolvedAs succeeds when a booking lost to a concurrent writer ended
// up in the wanted status.
func (s *WebhookService) checkResolvedAs(ctx context.Context, bookingID string, want domain.BookingStatus) error {
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("reload booking %s: %w", bookingID, err)
	}
	if booking != nil && booking.Status == want {
		return nil
	}
	status := "missing"
	if booking != nil {
		status = string(booking.Status)
	}
	return Permanent(fmt.Errorf("%w: booking %s is %s, wanted %s", domain.ErrInvalidTransition, bookingID, status, want))
}
