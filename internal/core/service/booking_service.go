package service

import (
	"context"
	"fmt"
	"strings"
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

const (
	ReasonPaymentWindowExpired = "payment window expired"
	staleSweepBatch            = 100
)

type CreateBookingRequest struct {
	UserID     string
	ItemType   domain.ItemType
	ItemID     string
	Quantity   int
	TotalPrice int64
	Currency   string
	GuestInfo  domain.GuestInfo
}

type BookingResult struct {
	Booking      domain.Booking
	PaymentOrder domain.PaymentOrder
	LockID       string
}

type BookingDependencies struct {
	Locks    *LockService
	Bookings port.BookingRepository
	Payments port.PaymentRepository
	Refunds  port.RefundRepository
	Gateway  port.PaymentGateway
	Currency string
}

// BookingService sequences lock acquisition, booking persistence and payment
// order creation, and owns every booking status transition.
type BookingService struct {
	locks    *LockService
	bookings port.BookingRepository
	payments port.PaymentRepository
	refunds  port.RefundRepository
	gateway  port.PaymentGateway
	currency string
	now      func() time.Time
}

func NewBookingService(deps BookingDependencies) *BookingService {
	currency := deps.Currency
	if currency == "" {
		currency = "INR"
	}
	return &BookingService{
		locks:    deps.Locks,
		bookings: deps.Bookings,
		payments: deps.Payments,
		refunds:  deps.Refunds,
		gateway:  deps.Gateway,
		currency: currency,
		now:      time.Now,
	}
}

func (s *BookingService) CreateBooking(ctx context.Context, req CreateBookingRequest) (*BookingResult, error) {
	ctx, span := tracer.Start(ctx, "BookingService.CreateBooking", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("item.type", string(req.ItemType)),
		attribute.String("item.id", req.ItemID),
	))
	defer span.End()

	result, err := s.createBooking(ctx, req)
	if err != nil {
		metrics.Bookings.WithLabelValues("create", domain.Code(err)).Inc()
		if !domain.IsBusiness(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	metrics.Bookings.WithLabelValues("create", "ok").Inc()
	span.SetAttributes(attribute.String("booking.id", result.Booking.ID))
	return result, nil
}

func (s *BookingService) createBooking(ctx context.Context, req CreateBookingRequest) (*BookingResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	lock, err := s.locks.Acquire(ctx, req.ItemType, req.ItemID, req.Quantity)
	if err != nil {
		return nil, err
	}

	ctx = logger.With(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("item_type", string(req.ItemType)).Str("item_id", req.ItemID).Str("lock_id", lock.LockID)
	})

	var undo compensations
	undo.Add("release_lock", func(ctx context.Context) error {
		return s.locks.Release(ctx, req.ItemType, req.ItemID, lock.LockID)
	})

	reference, err := newBookingReference(s.now())
	if err != nil {
		undo.Trigger(ctx)
		return nil, fmt.Errorf("generate booking reference: %w", err)
	}

	now := s.now()
	booking := domain.Booking{
		ID:         uuid.NewString(),
		Reference:  reference,
		UserID:     req.UserID,
		ItemType:   req.ItemType,
		ItemID:     req.ItemID,
		Quantity:   req.Quantity,
		TotalPrice: req.TotalPrice,
		Currency:   currency,
		GuestInfo:  req.GuestInfo,
		Status:     domain.BookingStatusPending,
		LockID:     lock.LockID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.bookings.CreateBooking(ctx, booking); err != nil {
		undo.Trigger(ctx)
		return nil, fmt.Errorf("persist booking: %w", err)
	}
	undo.Add("mark_payment_failed", func(ctx context.Context) error {
		_, err := s.bookings.MarkPaymentFailed(ctx, booking.ID)
		return err
	})

	order, err := s.gateway.CreateOrder(ctx, port.OrderRequest{
		Amount:   booking.TotalPrice,
		Currency: currency,
		Receipt:  booking.Reference,
		Notes: map[string]string{
			"booking_id": booking.ID,
			"lock_id":    lock.LockID,
			"item_type":  string(booking.ItemType),
			"item_id":    booking.ItemID,
		},
	})
	if err != nil {
		undo.Trigger(ctx)
		return nil, fmt.Errorf("%w: create order: %w", domain.ErrGateway, err)
	}

	paymentOrder := domain.PaymentOrder{
		ID:        order.ID,
		BookingID: booking.ID,
		Amount:    booking.TotalPrice,
		Currency:  currency,
		Status:    domain.PaymentStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.payments.CreatePaymentOrder(ctx, paymentOrder); err != nil {
		undo.Trigger(ctx)
		return nil, fmt.Errorf("persist payment order: %w", err)
	}

	logger.Ctx(ctx).Info().Str("booking_id", booking.ID).Str("reference", booking.Reference).
		Str("order_id", order.ID).Msg("booking created, awaiting payment")

	return &BookingResult{Booking: booking, PaymentOrder: paymentOrder, LockID: lock.LockID}, nil
}

func validateCreate(req CreateBookingRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	case !req.ItemType.Valid():
		return fmt.Errorf("%w: unknown item type %q", domain.ErrInvalidRequest, req.ItemType)
	case req.ItemID == "":
		return fmt.Errorf("%w: item id is required", domain.ErrInvalidRequest)
	case req.Quantity <= 0:
		return domain.ErrInvalidQuantity
	case req.TotalPrice <= 0:
		return fmt.Errorf("%w: total price must be positive", domain.ErrInvalidRequest)
	}
	return nil
}

// newBookingReference returns a reference such as TRV-20261017-9F3A61C2.
func newBookingReference(now time.Time) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	return fmt.Sprintf("TRV-%s-%s", now.UTC().Format("20060102"), suffix), nil
}

func (s *BookingService) GetBooking(ctx context.Context, bookingID, userID string) (*domain.Booking, error) {
	return s.loadOwned(ctx, bookingID, userID)
}

func (s *BookingService) loadOwned(ctx context.Context, bookingID, userID string) (*domain.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load booking: %w", err)
	}
	if booking == nil {
		return nil, domain.ErrBookingNotFound
	}
	if booking.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return booking, nil
}

// ConfirmBooking confirms a pending booking on behalf of its owner.
func (s *BookingService) ConfirmBooking(ctx context.Context, bookingID, userID string) (*domain.Booking, error) {
	ctx, span := tracer.Start(ctx, "BookingService.ConfirmBooking", trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	booking, err := s.loadOwned(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(booking.Status, domain.BookingStatusConfirmed) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, booking.Status, domain.BookingStatusConfirmed)
	}

	confirmed, err := s.ConfirmPaid(ctx, *booking)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, fmt.Errorf("%w: booking changed concurrently", domain.ErrInvalidTransition)
	}

	booking.Status = domain.BookingStatusConfirmed
	booking.LockID = ""
	booking.UpdatedAt = s.now()
	return booking, nil
}

// ConfirmPaid moves a pending booking to confirmed, consumes its quantity from
// the authoritative inventory and commits its lock. It returns false when
// another caller already resolved the booking.
func (s *BookingService) ConfirmPaid(ctx context.Context, booking domain.Booking) (bool, error) {
	confirmed, err := s.bookings.ConfirmBooking(ctx, booking)
	if err != nil {
		metrics.Bookings.WithLabelValues("confirm", domain.Code(err)).Inc()
		return false, fmt.Errorf("confirm booking %s: %w", booking.ID, err)
	}
	if !confirmed {
		metrics.Bookings.WithLabelValues("confirm", "noop").Inc()
		return false, nil
	}

	committed, err := s.locks.Commit(ctx, booking.ItemType, booking.ItemID, booking.LockID)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("booking_id", booking.ID).Str("lock_id", booking.LockID).
			Msg("booking confirmed but lock not dropped, item blocked until ttl")
	} else if !committed {
		// The reservation expired before capture, so the counter no longer
		// accounts for this sale.
		logger.Ctx(ctx).Error().Str("booking_id", booking.ID).Str("lock_id", booking.LockID).
			Int("quantity", booking.Quantity).
			Msg("booking confirmed after its lock was lost, resyncing inventory counter")
		if err := s.locks.Resync(ctx, booking.ItemType, booking.ItemID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("booking_id", booking.ID).
				Msg("failed to resync inventory counter, it overcounts until ttl")
		}
	}

	metrics.Bookings.WithLabelValues("confirm", "ok").Inc()
	logger.Ctx(ctx).Info().Str("booking_id", booking.ID).Str("reference", booking.Reference).Msg("booking confirmed")
	return true, nil
}

// FailPayment moves a pending booking to payment_failed and releases its
// lock. It returns false when another caller already resolved the booking.
func (s *BookingService) FailPayment(ctx context.Context, booking domain.Booking) (bool, error) {
	failed, err := s.bookings.MarkPaymentFailed(ctx, booking.ID)
	if err != nil {
		return false, fmt.Errorf("mark booking %s payment_failed: %w", booking.ID, err)
	}
	if !failed {
		return false, nil
	}

	if err := s.locks.Release(ctx, booking.ItemType, booking.ItemID, booking.LockID); err != nil {
		return true, err
	}

	metrics.Bookings.WithLabelValues("payment_failed", "ok").Inc()
	return true, nil
}

// CancelBooking cancels any booking that is not already cancelled. Confirmed
// bookings give their quantity back and are refunded.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, userID, reason string) (*domain.Booking, error) {
	ctx, span := tracer.Start(ctx, "BookingService.CancelBooking", trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	booking, err := s.loadOwned(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	if err := s.cancel(ctx, *booking, reason); err != nil {
		return nil, err
	}

	booking.Status = domain.BookingStatusCancelled
	booking.CancelReason = reason
	booking.LockID = ""
	booking.UpdatedAt = s.now()
	return booking, nil
}

func (s *BookingService) cancel(ctx context.Context, booking domain.Booking, reason string) error {
	if !domain.CanTransition(booking.Status, domain.BookingStatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, booking.Status, domain.BookingStatusCancelled)
	}

	cancelled, err := s.bookings.CancelBooking(ctx, booking, reason)
	if err != nil {
		return fmt.Errorf("cancel booking %s: %w", booking.ID, err)
	}
	if !cancelled {
		return fmt.Errorf("%w: booking changed concurrently", domain.ErrInvalidTransition)
	}

	if err := s.locks.Release(ctx, booking.ItemType, booking.ItemID, booking.LockID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("booking_id", booking.ID).Msg("cancelled booking lock not released, waiting for ttl")
	}

	if booking.Status == domain.BookingStatusConfirmed {
		if err := s.locks.Restock(ctx, booking.ItemType, booking.ItemID, booking.Quantity); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("booking_id", booking.ID).Int("quantity", booking.Quantity).
				Msg("inventory restored but counter not credited, it undercounts until ttl")
		}
		s.refund(ctx, booking, reason)
	}

	metrics.Bookings.WithLabelValues("cancel", "ok").Inc()
	logger.Ctx(ctx).Info().Str("booking_id", booking.ID).Str("from_status", string(booking.Status)).
		Str("reason", reason).Msg("booking cancelled")
	return nil
}

// refund requests a gateway refund for the captured payment of a booking and
// records it. Gateway failures are recorded as failed refunds for follow-up.
func (s *BookingService) refund(ctx context.Context, booking domain.Booking, reason string) {
	log := logger.Ctx(ctx).With().Str("booking_id", booking.ID).Logger()

	order, err := s.payments.GetPaymentOrderByBooking(ctx, booking.ID)
	if err != nil {
		log.Error().Err(err).Msg("refund skipped, payment order lookup failed")
		return
	}
	if order == nil || order.Status != domain.PaymentStatusCaptured || order.GatewayPaymentID == "" {
		log.Info().Msg("no captured payment to refund")
		return
	}

	now := s.now()
	refund := domain.Refund{
		PaymentID: order.GatewayPaymentID,
		BookingID: booking.ID,
		Amount:    order.Amount,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}

	gr, err := s.gateway.Refund(ctx, order.GatewayPaymentID, order.Amount, map[string]string{
		"booking_id": booking.ID,
		"reason":     reason,
	})
	if err != nil {
		log.Error().Err(err).Str("payment_id", order.GatewayPaymentID).Msg("gateway refund failed, recorded for review")
		refund.ID = "local_" + uuid.NewString()
		refund.Status = domain.RefundStatusFailed
	} else {
		refund.ID = gr.ID
		refund.Status = domain.ParseRefundStatus(gr.Status)
		if _, err := s.payments.UpdatePaymentOrderStatus(ctx, order.ID,
			[]domain.PaymentStatus{domain.PaymentStatusCaptured}, domain.PaymentStatusRefunded, order.GatewayPaymentID); err != nil {
			log.Error().Err(err).Str("order_id", order.ID).Msg("failed to mark payment order refunded")
		}
	}

	if err := s.refunds.UpsertRefund(ctx, refund); err != nil {
		log.Error().Err(err).Str("refund_id", refund.ID).Msg("failed to record refund")
	}
}

// ExtendReservation keeps the lock of a pending booking alive for a long
// payment flow.
func (s *BookingService) ExtendReservation(ctx context.Context, bookingID, userID string) (bool, error) {
	booking, err := s.loadOwned(ctx, bookingID, userID)
	if err != nil {
		return false, err
	}
	if booking.Status != domain.BookingStatusPending || booking.LockID == "" {
		return false, nil
	}
	return s.locks.Extend(ctx, booking.ItemType, booking.ItemID, booking.LockID)
}

// ExpireStalePending cancels pending bookings older than olderThan whose lock
// is gone. A booking whose reservation was extended keeps its lock and is left
// for a later sweep.
func (s *BookingService) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "BookingService.ExpireStalePending")
	defer span.End()

	stale, err := s.bookings.ListPendingBefore(ctx, s.now().Add(-olderThan), staleSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale bookings: %w", err)
	}

	expired := 0
	for _, booking := range stale {
		held, err := s.locks.Held(ctx, booking.ItemType, booking.ItemID, booking.LockID)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("booking_id", booking.ID).Msg("lock state unknown, stale booking kept")
			continue
		}
		if held {
			continue
		}
		if err := s.cancel(ctx, booking, ReasonPaymentWindowExpired); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("booking_id", booking.ID).Msg("failed to expire stale booking")
			continue
		}
		expired++
	}

	span.SetAttributes(attribute.Int("expired", expired))
	return expired, nil
}
