package port

import (
	"context"
	"time"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

type ProcessingRepository interface {
	// CreateProcessingRecord inserts a record, false if one with the same ID exists
	CreateProcessingRecord(ctx context.Context, record domain.ProcessingRecord) (bool, error)

	// GetProcessingRecord retrieves a record by processing ID
	GetProcessingRecord(ctx context.Context, id string) (*domain.ProcessingRecord, error)

	// SaveProcessingRecord overwrites the mutable fields of a record
	SaveProcessingRecord(ctx context.Context, record domain.ProcessingRecord) error

	// ListDueProcessingRecords returns retrying or stale processing records with next_retry_at <= now
	ListDueProcessingRecords(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingRecord, error)

	// ClaimProcessingRecord marks a due record as processing until leaseUntil, false if another worker claimed it
	ClaimProcessingRecord(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error)
}

type RefundRepository interface {
	// UpsertRefund inserts a refund or updates its status and amount
	UpsertRefund(ctx context.Context, refund domain.Refund) error

	// GetRefund retrieves a refund by gateway refund ID
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
}
