package domain

import "time"

type NotificationKind string

const (
	NotificationBookingConfirmed NotificationKind = "booking_confirmed"
	NotificationPaymentFailed    NotificationKind = "payment_failed"
)

type Notification struct {
	Kind             NotificationKind `json:"kind"`
	BookingID        string           `json:"booking_id"`
	BookingReference string           `json:"booking_reference"`
	UserID           string           `json:"user_id"`
	Message          string           `json:"message"`
	OccurredAt       time.Time        `json:"occurred_at"`
}
