package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusCreated  PaymentStatus = "created"
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentOrder mirrors a gateway order. ID is the gateway order id.
type PaymentOrder struct {
	ID               string
	BookingID        string
	Amount           int64
	Currency         string
	Status           PaymentStatus
	GatewayPaymentID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusProcessed RefundStatus = "processed"
	RefundStatusFailed    RefundStatus = "failed"
)

func ParseRefundStatus(s string) RefundStatus {
	switch RefundStatus(s) {
	case RefundStatusProcessed:
		return RefundStatusProcessed
	case RefundStatusFailed:
		return RefundStatusFailed
	}
	return RefundStatusPending
}

type Refund struct {
	ID        string
	PaymentID string
	BookingID string
	Amount    int64
	Status    RefundStatus
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
