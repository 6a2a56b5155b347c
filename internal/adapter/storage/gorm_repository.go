package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

// GormAuditRepository stores webhook processing records and refunds with GORM.
type GormAuditRepository struct {
	db *gorm.DB
}

func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

func (r *GormAuditRepository) AutoMigrate(ctx context.Context) error {
	return errors.Wrap(r.db.WithContext(ctx).AutoMigrate(&ProcessingRecordModel{}, &RefundModel{}), "auto migrate")
}

func (r *GormAuditRepository) CreateProcessingRecord(ctx context.Context, record domain.ProcessingRecord) (bool, error) {
	model := toProcessingRecordModel(record)
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "insert processing record")
	}
	return result.RowsAffected == 1, nil
}

func (r *GormAuditRepository) GetProcessingRecord(ctx context.Context, id string) (*domain.ProcessingRecord, error) {
	var model ProcessingRecordModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query processing record")
	}
	return toDomainProcessingRecord(&model), nil
}

func (r *GormAuditRepository) SaveProcessingRecord(ctx context.Context, record domain.ProcessingRecord) error {
	updates := map[string]interface{}{
		"status":        string(record.Status),
		"attempts":      record.Attempts,
		"last_error":    record.LastError,
		"next_retry_at": record.NextRetryAt,
		"needs_review":  record.NeedsReview,
		"updated_at":    record.UpdatedAt,
	}
	err := r.db.WithContext(ctx).Model(&ProcessingRecordModel{}).Where("id = ?", record.ID).Updates(updates).Error
	return errors.Wrap(err, "save processing record")
}

func (r *GormAuditRepository) ListDueProcessingRecords(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingRecord, error) {
	var models []ProcessingRecordModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_retry_at <= ?", dueStatuses(), now).
		Order("next_retry_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "query due processing records")
	}

	out := make([]domain.ProcessingRecord, 0, len(models))
	for i := range models {
		out = append(out, *toDomainProcessingRecord(&models[i]))
	}
	return out, nil
}

// ClaimProcessingRecord takes a due record only if nobody bumped its attempts since it was listed.
func (r *GormAuditRepository) ClaimProcessingRecord(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&ProcessingRecordModel{}).
		Where("id = ? AND attempts = ? AND status IN ? AND next_retry_at <= ?", id, attempts, dueStatuses(), now).
		Updates(map[string]interface{}{
			"status":        string(domain.ProcessingStatusProcessing),
			"next_retry_at": leaseUntil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "claim processing record")
	}
	return result.RowsAffected == 1, nil
}

func (r *GormAuditRepository) UpsertRefund(ctx context.Context, refund domain.Refund) error {
	model := toRefundModel(refund)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "amount", "reason", "updated_at"}),
	}).Create(&model).Error
	return errors.Wrap(err, "upsert refund")
}

func (r *GormAuditRepository) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	var model RefundModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query refund")
	}
	return toDomainRefund(&model), nil
}

func dueStatuses() []string {
	return []string{string(domain.ProcessingStatusRetrying), string(domain.ProcessingStatusProcessing)}
}
