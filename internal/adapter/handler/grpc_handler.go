package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/travel-booking/internal/core/domain"
	"github.com/rl1809/travel-booking/internal/core/service"
	"github.com/rl1809/travel-booking/internal/pkg/logger"
)

const BookingServiceName = "booking.v1.BookingService"

type CreateBookingRPCRequest struct {
	UserID     string           `json:"user_id"`
	ItemType   string           `json:"item_type"`
	ItemID     string           `json:"item_id"`
	Quantity   int              `json:"quantity"`
	TotalPrice int64            `json:"total_price"`
	Currency   string           `json:"currency"`
	GuestInfo  domain.GuestInfo `json:"guest_info"`
}

type CreateBookingRPCResponse struct {
	Booking      BookingView      `json:"booking"`
	PaymentOrder PaymentOrderView `json:"payment_order"`
	LockID       string           `json:"lock_id"`
}

type BookingRPCRequest struct {
	UserID    string `json:"user_id"`
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
}

type BookingRPCResponse struct {
	Booking BookingView `json:"booking"`
}

type ExtendRPCResponse struct {
	Extended bool `json:"extended"`
}

type ProcessingStatusRPCRequest struct {
	ProcessingID string `json:"processing_id"`
}

type ProcessingStatusRPCResponse struct {
	ProcessingID string     `json:"processing_id"`
	EventType    string     `json:"event_type"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	NeedsReview  bool       `json:"needs_review"`
}

// BookingRPCServer is the server side of booking.v1.BookingService.
type BookingRPCServer interface {
	CreateBooking(ctx context.Context, req *CreateBookingRPCRequest) (*CreateBookingRPCResponse, error)
	GetBooking(ctx context.Context, req *BookingRPCRequest) (*BookingRPCResponse, error)
	ConfirmBooking(ctx context.Context, req *BookingRPCRequest) (*BookingRPCResponse, error)
	CancelBooking(ctx context.Context, req *BookingRPCRequest) (*BookingRPCResponse, error)
	ExtendReservation(ctx context.Context, req *BookingRPCRequest) (*ExtendRPCResponse, error)
	GetProcessingStatus(ctx context.Context, req *ProcessingStatusRPCRequest) (*ProcessingStatusRPCResponse, error)
}

type GRPCHandler struct {
	bookings BookingManager
	webhooks WebhookProcessor
}

func NewGRPCHandler(bookings BookingManager, webhooks WebhookProcessor) *GRPCHandler {
	return &GRPCHandler{bookings: bookings, webhooks: webhooks}
}

// Register attaches the handler to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&bookingServiceDesc, h)
}

func (h *GRPCHandler) CreateBooking(ctx context.Context, req *CreateBookingRPCRequest) (*CreateBookingRPCResponse, error) {
	if req.UserID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing user_id")
	}
	result, err := h.bookings.CreateBooking(ctx, service.CreateBookingRequest{
		UserID:     req.UserID,
		ItemType:   domain.ItemType(req.ItemType),
		ItemID:     req.ItemID,
		Quantity:   req.Quantity,
		TotalPrice: req.TotalPrice,
		Currency:   req.Currency,
		GuestInfo:  req.GuestInfo,
	})
	if err != nil {
		return nil, rpcError(ctx, err)
	}
	return &CreateBookingRPCResponse{
		Booking:      toBookingView(result.Booking),
		PaymentOrder: toPaymentOrderView(result.PaymentOrder),
		LockID:       result.LockID,
	}, nil
}

func (h *GRPCHandler) GetBooking(ctx context.Context, req *BookingRPCRequest) (*BookingRPCResponse, error) {
	return bookingRPC(ctx, req, func() (*domain.Booking, error) {
		return h.bookings.GetBooking(ctx, req.BookingID, req.UserID)
	})
}

func (h *GRPCHandler) ConfirmBooking(ctx context.Context, req *BookingRPCRequest) (*BookingRPCResponse, error) {
	return bookingRPC(ctx, req, func() (*domain.Booking, error) {
		return h.bookings.ConfirmBooking(ctx, req.BookingID, req.UserID)
	})
}

func (h *GRPCHandler) CancelBooking(ctx context.Context, req *BookingRPCRequest) (*BookingRPCResponse, error) {
	return bookingRPC(ctx, req, func() (*domain.Booking, error) {
		return h.bookings.CancelBooking(ctx, req.BookingID, req.UserID, req.Reason)
	})
}

func (h *GRPCHandler) ExtendReservation(ctx context.Context, req *BookingRPCRequest) (*ExtendRPCResponse, error) {
	if req.UserID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing user_id")
	}
	extended, err := h.bookings.ExtendReservation(ctx, req.BookingID, req.UserID)
	if err != nil {
		return nil, rpcError(ctx, err)
	}
	return &ExtendRPCResponse{Extended: extended}, nil
}

func (h *GRPCHandler) GetProcessingStatus(ctx context.Context, req *ProcessingStatusRPCRequest) (*ProcessingStatusRPCResponse, error) {
	record, err := h.webhooks.GetProcessingStatus(ctx, req.ProcessingID)
	if err != nil {
		return nil, rpcError(ctx, err)
	}
	return &ProcessingStatusRPCResponse{
		ProcessingID: record.ID,
		EventType:    string(record.EventType),
		Status:       string(record.Status),
		Attempts:     record.Attempts,
		LastError:    record.LastError,
		NextRetryAt:  record.NextRetryAt,
		NeedsReview:  record.NeedsReview,
	}, nil
}

func bookingRPC(ctx context.Context, req *BookingRPCRequest, fn func() (*domain.Booking, error)) (*BookingRPCResponse, error) {
	if req.UserID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing user_id")
	}
	booking, err := fn()
	if err != nil {
		return nil, rpcError(ctx, err)
	}
	return &BookingRPCResponse{Booking: toBookingView(*booking)}, nil
}

func rpcError(ctx context.Context, err error) error {
	code := domain.Code(err)
	var c codes.Code
	switch code {
	case "already_locked", "insufficient_inventory", "invalid_transition":
		c = codes.FailedPrecondition
	case "invalid_quantity", "invalid_request":
		c = codes.InvalidArgument
	case "item_not_found", "booking_not_found", "not_found":
		c = codes.NotFound
	case "forbidden":
		c = codes.PermissionDenied
	case "cache_unavailable", "gateway_error":
		c = codes.Unavailable
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("rpc failed")
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(c, code+": "+err.Error())
}

func unaryHandler[Req any, Resp any](call func(BookingRPCServer, context.Context, *Req) (*Resp, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BookingRPCServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + BookingServiceName + "/" + method}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(srv.(BookingRPCServer), ctx, r.(*Req))
			})
		},
	}
}

var bookingServiceDesc = grpc.ServiceDesc{
	ServiceName: BookingServiceName,
	HandlerType: (*BookingRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(BookingRPCServer.CreateBooking, "CreateBooking"),
		unaryHandler(BookingRPCServer.GetBooking, "GetBooking"),
		unaryHandler(BookingRPCServer.ConfirmBooking, "ConfirmBooking"),
		unaryHandler(BookingRPCServer.CancelBooking, "CancelBooking"),
		unaryHandler(BookingRPCServer.ExtendReservation, "ExtendReservation"),
		unaryHandler(BookingRPCServer.GetProcessingStatus, "GetProcessingStatus"),
	},
}
