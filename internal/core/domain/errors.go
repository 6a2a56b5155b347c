package domain

import "errors"

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrAlreadyLocked         = errors.New("item already locked")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrItemNotFound          = errors.New("item not found")
	ErrCacheUnavailable      = errors.New("cache unavailable")

	ErrBookingNotFound      = errors.New("booking not found")
	ErrPaymentOrderNotFound = errors.New("payment order not found")
	ErrForbidden            = errors.New("booking belongs to another user")
	ErrInvalidTransition    = errors.New("invalid booking status transition")
	ErrGateway              = errors.New("payment gateway error")

	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrAmountMismatch   = errors.New("payment amount does not match booking total")
	ErrNotFound         = errors.New("not found")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, "invalid_request"},
	{ErrInvalidQuantity, "invalid_quantity"},
	{ErrAlreadyLocked, "already_locked"},
	{ErrInsufficientInventory, "insufficient_inventory"},
	{ErrItemNotFound, "item_not_found"},
	{ErrCacheUnavailable, "cache_unavailable"},
	{ErrBookingNotFound, "booking_not_found"},
	{ErrPaymentOrderNotFound, "payment_order_not_found"},
	{ErrForbidden, "forbidden"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrGateway, "gateway_error"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrMalformedPayload, "malformed_payload"},
	{ErrAmountMismatch, "amount_mismatch"},
	{ErrNotFound, "not_found"},
}

// Code returns the stable error code exposed to API clients.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// IsBusiness reports whether err is an expected rejection rather than an
// infrastructure failure.
func IsBusiness(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCacheUnavailable), errors.Is(err, ErrGateway):
		return false
	}
	return Code(err) != "internal"
}
