package port

import "context"

type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type GatewayOrder struct {
	ID       string
	Amount   int64
	Currency string
	Receipt  string
	Status   string
}

type GatewayRefund struct {
	ID        string
	PaymentID string
	Amount    int64
	Status    string
}

type PaymentGateway interface {
	// CreateOrder registers an order the client will pay against
	CreateOrder(ctx context.Context, req OrderRequest) (*GatewayOrder, error)

	// Refund refunds amount of a captured payment
	Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (*GatewayRefund, error)
}
