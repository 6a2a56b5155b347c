package storage

import (
	"time"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

// ProcessingRecordModel maps the webhook_processing table.
type ProcessingRecordModel struct {
	ID             string     `gorm:"primaryKey;size:36"`
	EventType      string     `gorm:"size:32;not null"`
	GatewayEventID string     `gorm:"size:64;index"`
	Payload        []byte     `gorm:"type:mediumblob"`
	Status         string     `gorm:"size:16;not null;index:idx_processing_due,priority:1"`
	Attempts       int        `gorm:"not null;default:0"`
	LastError      string     `gorm:"type:text"`
	NextRetryAt    *time.Time `gorm:"index:idx_processing_due,priority:2"`
	NeedsReview    bool       `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ProcessingRecordModel) TableName() string {
	return "webhook_processing"
}

type RefundModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	PaymentID string `gorm:"size:64;not null;index"`
	BookingID string `gorm:"size:36;index"`
	Amount    int64  `gorm:"not null"`
	Status    string `gorm:"size:16;not null"`
	Reason    string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RefundModel) TableName() string {
	return "refunds"
}

func toProcessingRecordModel(r domain.ProcessingRecord) ProcessingRecordModel {
	return ProcessingRecordModel{
		ID:             r.ID,
		EventType:      string(r.EventType),
		GatewayEventID: r.GatewayEventID,
		Payload:        r.Payload,
		Status:         string(r.Status),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		NextRetryAt:    r.NextRetryAt,
		NeedsReview:    r.NeedsReview,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toDomainProcessingRecord(m *ProcessingRecordModel) *domain.ProcessingRecord {
	if m == nil {
		return nil
	}
	return &domain.ProcessingRecord{
		ID:             m.ID,
		EventType:      domain.EventType(m.EventType),
		GatewayEventID: m.GatewayEventID,
		Payload:        m.Payload,
		Status:         domain.ProcessingStatus(m.Status),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		NextRetryAt:    m.NextRetryAt,
		NeedsReview:    m.NeedsReview,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toRefundModel(r domain.Refund) RefundModel {
	return RefundModel{
		ID:        r.ID,
		PaymentID: r.PaymentID,
		BookingID: r.BookingID,
		Amount:    r.Amount,
		Status:    string(r.Status),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toDomainRefund(m *RefundModel) *domain.Refund {
	if m == nil {
		return nil
	}
	return &domain.Refund{
		ID:        m.ID,
		PaymentID: m.PaymentID,
		BookingID: m.BookingID,
		Amount:    m.Amount,
		Status:    domain.RefundStatus(m.Status),
		Reason:    m.Reason,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
