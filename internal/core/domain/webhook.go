package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventPaymentCaptured EventType = "payment.captured"
	EventPaymentFailed   EventType = "payment.failed"
	EventRefundCreated   EventType = "refund.created"
)

// WebhookEvent is the gateway event envelope:
// {"event": "...", "payload": {"payment": {"entity": {...}}}, "created_at": 0}.
type WebhookEvent struct {
	Event     EventType      `json:"event"`
	Payload   WebhookPayload `json:"payload"`
	CreatedAt int64          `json:"created_at"`
}

type WebhookPayload struct {
	Payment *PaymentWrapper `json:"payment,omitempty"`
	Refund  *RefundWrapper  `json:"refund,omitempty"`
}

type PaymentWrapper struct {
	Entity PaymentEntity `json:"entity"`
}

type RefundWrapper struct {
	Entity RefundEntity `json:"entity"`
}

type PaymentEntity struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	Notes            json.RawMessage `json:"notes,omitempty"`
}

type RefundEntity struct {
	ID        string          `json:"id"`
	PaymentID string          `json:"payment_id"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Notes     json.RawMessage `json:"notes,omitempty"`
}

// Note returns a value from the gateway notes object. The gateway sends an
// empty array instead of an object when no notes are set.
func Note(raw json.RawMessage, key string) string {
	var notes map[string]string
	if len(raw) == 0 || json.Unmarshal(raw, &notes) != nil {
		return ""
	}
	return notes[key]
}

// ParseWebhookEvent decodes and validates an event envelope. Unknown event
// types parse successfully; only the entities of known types are required.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}

	switch ev.Event {
	case EventPaymentCaptured, EventPaymentFailed:
		if ev.Payload.Payment == nil || ev.Payload.Payment.Entity.ID == "" || ev.Payload.Payment.Entity.OrderID == "" {
			return nil, fmt.Errorf("%w: missing payment entity", ErrMalformedPayload)
		}
	case EventRefundCreated:
		if ev.Payload.Refund == nil || ev.Payload.Refund.Entity.ID == "" {
			return nil, fmt.Errorf("%w: missing refund entity", ErrMalformedPayload)
		}
	}
	return &ev, nil
}

type ProcessingStatus string

const (
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusRetrying   ProcessingStatus = "retrying"
	ProcessingStatusSucceeded  ProcessingStatus = "succeeded"
	ProcessingStatusFailed     ProcessingStatus = "failed"
	ProcessingStatusIgnored    ProcessingStatus = "ignored"
)

// ProcessingRecord tracks one webhook delivery through its retry lifecycle.
// NextRetryAt doubles as a lease while Status is processing, so a crashed
// attempt becomes due again.
type ProcessingRecord struct {
	ID             string
	EventType      EventType
	GatewayEventID string
	Payload        []byte
	Status         ProcessingStatus
	Attempts       int
	LastError      string
	NextRetryAt    *time.Time
	NeedsReview    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r *ProcessingRecord) Terminal() bool {
	switch r.Status {
	case ProcessingStatusSucceeded, ProcessingStatusFailed, ProcessingStatusIgnored:
		return true
	}
	return false
}
