package port

import (
	"context"
	"time"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

// Lookups return (nil, nil) when the row does not exist.

type InventoryRepository interface {
	// GetInventory retrieves the authoritative availability of an item
	GetInventory(ctx context.Context, itemType domain.ItemType, itemID string) (*domain.Inventory, error)
}

type BookingRepository interface {
	// CreateBooking persists a new booking
	CreateBooking(ctx context.Context, booking domain.Booking) error

	// GetBooking retrieves a booking by ID
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)

	// ConfirmBooking moves a pending booking to confirmed and consumes its quantity from
	// the authoritative inventory in one transaction, false if the booking was no longer pending
	ConfirmBooking(ctx context.Context, booking domain.Booking) (bool, error)

	// MarkPaymentFailed moves a pending booking to payment_failed, false if it was no longer pending
	MarkPaymentFailed(ctx context.Context, id string) (bool, error)

	// CancelBooking moves a booking from its observed status to cancelled, restoring inventory
	// when the booking was confirmed, false if the status changed concurrently
	CancelBooking(ctx context.Context, booking domain.Booking, reason string) (bool, error)

	// ListPendingBefore returns pending bookings created before cutoff
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Booking, error)
}

type PaymentRepository interface {
	// CreatePaymentOrder persists a gateway order for a booking
	CreatePaymentOrder(ctx context.Context, order domain.PaymentOrder) error

	// GetPaymentOrder retrieves a payment order by gateway order ID
	GetPaymentOrder(ctx context.Context, id string) (*domain.PaymentOrder, error)

	// GetPaymentOrderByBooking retrieves the payment order created for a booking
	GetPaymentOrderByBooking(ctx context.Context, bookingID string) (*domain.PaymentOrder, error)

	// UpdatePaymentOrderStatus sets status when the current status is one of from, false otherwise
	UpdatePaymentOrderStatus(ctx context.Context, id string, from []domain.PaymentStatus, to domain.PaymentStatus, gatewayPaymentID string) (bool, error)
}
