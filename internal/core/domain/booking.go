package domain

import "time"

type BookingStatus string

const (
	BookingStatusPending       BookingStatus = "pending"
	BookingStatusConfirmed     BookingStatus = "confirmed"
	BookingStatusPaymentFailed BookingStatus = "payment_failed"
	BookingStatusCancelled     BookingStatus = "cancelled"
)

// CanTransition reports whether the booking state machine allows from -> to.
func CanTransition(from, to BookingStatus) bool {
	switch to {
	case BookingStatusConfirmed, BookingStatusPaymentFailed:
		return from == BookingStatusPending
	case BookingStatusCancelled:
		return from != BookingStatusCancelled
	}
	return false
}

type GuestInfo struct {
	LeadName string `json:"lead_name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Adults   int    `json:"adults"`
	Children int    `json:"children,omitempty"`
}

type Booking struct {
	ID           string
	Reference    string
	UserID       string
	ItemType     ItemType
	ItemID       string
	Quantity     int
	TotalPrice   int64 // minor currency units
	Currency     string
	GuestInfo    GuestInfo
	Status       BookingStatus
	LockID       string // empty once the reservation is resolved
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
