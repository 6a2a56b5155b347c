package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rl1809/travel-booking/internal/core/domain"
	"github.com/rl1809/travel-booking/internal/core/service"
	"github.com/rl1809/travel-booking/internal/pkg/logger"
	"github.com/rl1809/travel-booking/internal/pkg/metrics"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderRequestID      = "X-Request-ID"
	HeaderSignature      = "X-Razorpay-Signature"
	HeaderGatewayEventID = "X-Razorpay-Event-Id"

	maxWebhookBody = 1 << 20
)

type BookingManager interface {
	CreateBooking(ctx context.Context, req service.CreateBookingRequest) (*service.BookingResult, error)
	GetBooking(ctx context.Context, bookingID, userID string) (*domain.Booking, error)
	ConfirmBooking(ctx context.Context, bookingID, userID string) (*domain.Booking, error)
	CancelBooking(ctx context.Context, bookingID, userID, reason string) (*domain.Booking, error)
	ExtendReservation(ctx context.Context, bookingID, userID string) (bool, error)
}

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, signature, gatewayEventID string, body []byte) (*service.WebhookAck, error)
	GetProcessingStatus(ctx context.Context, processingID string) (*domain.ProcessingRecord, error)
}

type HTTPHandler struct {
	bookings BookingManager
	webhooks WebhookProcessor
}

type CreateBookingHTTPRequest struct {
	ItemType   string           `json:"item_type"`
	ItemID     string           `json:"item_id"`
	Quantity   int              `json:"quantity"`
	TotalPrice int64            `json:"total_price"`
	Currency   string           `json:"currency"`
	GuestInfo  domain.GuestInfo `json:"guest_info"`
}

type CancelBookingHTTPRequest struct {
	Reason string `json:"reason"`
}

type BookingView struct {
	ID           string           `json:"id"`
	Reference    string           `json:"reference"`
	UserID       string           `json:"user_id"`
	ItemType     domain.ItemType  `json:"item_type"`
	ItemID       string           `json:"item_id"`
	Quantity     int              `json:"quantity"`
	TotalPrice   int64            `json:"total_price"`
	Currency     string           `json:"currency"`
	GuestInfo    domain.GuestInfo `json:"guest_info"`
	Status       string           `json:"status"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type PaymentOrderView struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type CreateBookingHTTPResponse struct {
	Success      bool             `json:"success"`
	Booking      BookingView      `json:"booking"`
	PaymentOrder PaymentOrderView `json:"payment_order"`
	LockID       string           `json:"lock_id"`
}

type BookingHTTPResponse struct {
	Success bool        `json:"success"`
	Booking BookingView `json:"booking"`
}

type ExtendHTTPResponse struct {
	Success  bool `json:"success"`
	Extended bool `json:"extended"`
}

type WebhookHTTPResponse struct {
	Success      bool      `json:"success"`
	ProcessingID string    `json:"processingId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type ProcessingStatusHTTPResponse struct {
	ProcessingID string     `json:"processingId"`
	EventType    string     `json:"eventType"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"lastError,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	NeedsReview  bool       `json:"needsReview"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHTTPHandler(bookings BookingManager, webhooks WebhookProcessor) *HTTPHandler {
	return &HTTPHandler{bookings: bookings, webhooks: webhooks}
}

// Routes registers every endpoint on mux, wrapped in the request middleware.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, fn))
	}

	handle("POST /api/bookings", h.CreateBooking)
	handle("GET /api/bookings/{id}", h.GetBooking)
	handle("POST /api/bookings/{id}/confirm", h.ConfirmBooking)
	handle("POST /api/bookings/{id}/cancel", h.CancelBooking)
	handle("POST /api/bookings/{id}/extend", h.ExtendReservation)
	handle("POST /payments/webhook", h.Webhook)
	handle("GET /payments/webhook/{processingId}", h.ProcessingStatus)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *HTTPHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateBookingHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, domain.ErrInvalidRequest)
		return
	}

	result, err := h.bookings.CreateBooking(r.Context(), service.CreateBookingRequest{
		UserID:     userID,
		ItemType:   domain.ItemType(req.ItemType),
		ItemID:     req.ItemID,
		Quantity:   req.Quantity,
		TotalPrice: req.TotalPrice,
		Currency:   req.Currency,
		GuestInfo:  req.GuestInfo,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateBookingHTTPResponse{
		Success:      true,
		Booking:      toBookingView(result.Booking),
		PaymentOrder: toPaymentOrderView(result.PaymentOrder),
		LockID:       result.LockID,
	})
}

func (h *HTTPHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(ctx context.Context, id, userID string) (*domain.Booking, error) {
		return h.bookings.GetBooking(ctx, id, userID)
	})
}

func (h *HTTPHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(ctx context.Context, id, userID string) (*domain.Booking, error) {
		return h.bookings.ConfirmBooking(ctx, id, userID)
	})
}

func (h *HTTPHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req CancelBookingHTTPRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(r.Context(), w, domain.ErrInvalidRequest)
			return
		}
	}
	h.bookingAction(w, r, func(ctx context.Context, id, userID string) (*domain.Booking, error) {
		return h.bookings.CancelBooking(ctx, id, userID, req.Reason)
	})
}

func (h *HTTPHandler) bookingAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, userID string) (*domain.Booking, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	booking, err := fn(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, BookingHTTPResponse{Success: true, Booking: toBookingView(*booking)})
}

func (h *HTTPHandler) ExtendReservation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	extended, err := h.bookings.ExtendReservation(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExtendHTTPResponse{Success: extended, Extended: extended})
}

// Webhook answers 200 for every verified delivery, including ones whose
// processing failed, so the gateway does not redeliver what is already
// scheduled for retry.
func (h *HTTPHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(r.Context(), w, domain.ErrMalformedPayload)
		return
	}

	ack, err := h.webhooks.HandleWebhook(r.Context(), r.Header.Get(HeaderSignature), r.Header.Get(HeaderGatewayEventID), body)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, WebhookHTTPResponse{
		Success:      ack.Success,
		ProcessingID: ack.ProcessingID,
		Timestamp:    ack.Timestamp,
	})
}

func (h *HTTPHandler) ProcessingStatus(w http.ResponseWriter, r *http.Request) {
	record, err := h.webhooks.GetProcessingStatus(r.Context(), r.PathValue("processingId"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, ProcessingStatusHTTPResponse{
		ProcessingID: record.ID,
		EventType:    string(record.EventType),
		Status:       string(record.Status),
		Attempts:     record.Attempts,
		LastError:    record.LastError,
		NextRetryAt:  record.NextRetryAt,
		NeedsReview:  record.NeedsReview,
		UpdatedAt:    record.UpdatedAt,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorHTTPResponse{
			Code:    "unauthenticated",
			Message: "missing " + HeaderUserID + " header",
		})
		return "", false
	}
	return userID, true
}

func toBookingView(b domain.Booking) BookingView {
	return BookingView{
		ID:           b.ID,
		Reference:    b.Reference,
		UserID:       b.UserID,
		ItemType:     b.ItemType,
		ItemID:       b.ItemID,
		Quantity:     b.Quantity,
		TotalPrice:   b.TotalPrice,
		Currency:     b.Currency,
		GuestInfo:    b.GuestInfo,
		Status:       string(b.Status),
		CancelReason: b.CancelReason,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func toPaymentOrderView(o domain.PaymentOrder) PaymentOrderView {
	return PaymentOrderView{ID: o.ID, Amount: o.Amount, Currency: o.Currency, Status: string(o.Status)}
}

func statusFor(code string) int {
	switch code {
	case "already_locked", "insufficient_inventory", "invalid_transition":
		return http.StatusConflict
	case "invalid_quantity", "invalid_request", "invalid_signature", "malformed_payload":
		return http.StatusBadRequest
	case "item_not_found", "booking_not_found", "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "cache_unavailable":
		return http.StatusServiceUnavailable
	case "gateway_error":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := domain.Code(err)
	status := statusFor(code)

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Ctx(ctx).Error().Err(err).Msg("request failed")
		message = "internal error"
	}

	writeJSON(w, status, ErrorHTTPResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument attaches a request id and a request-scoped logger, and records
// handler latency per route.
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := logger.With(r.Context(), func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", requestID).Str("route", route)
		})

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		metrics.HandlerDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		logger.Ctx(ctx).Debug().Int("status", rec.status).Dur("elapsed", time.Since(start)).Msg("request served")
	})
}
