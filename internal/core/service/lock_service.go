package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/travel-booking/internal/core/domain"
	"github.com/rl1809/travel-booking/internal/pkg/logger"
	"github.com/rl1809/travel-booking/internal/pkg/metrics"
	"github.com/rl1809/travel-booking/internal/port"
)

const DefaultLockTTL = 30 * time.Minute

var tracer = otel.Tracer("github.com/rl1809/travel-booking/internal/core/service")

// LockService reserves inventory for the duration of a payment attempt.
//
// Locking is per item, not per unit: while one booking holds lock:{type}:{id}
// every other acquire for that item fails with ErrAlreadyLocked, even when the
// remaining quantity would cover both. The lock key is the only serialization
// point; the counter read-modify-write relies on it.
type LockService struct {
	cache      port.CacheRepository
	inventory  port.InventoryRepository
	lockTTL    time.Duration
	counterTTL time.Duration
	now        func() time.Time
}

func NewLockService(cache port.CacheRepository, inventory port.InventoryRepository, lockTTL, counterTTL time.Duration) *LockService {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if counterTTL < lockTTL {
		counterTTL = lockTTL
	}
	return &LockService{
		cache:      cache,
		inventory:  inventory,
		lockTTL:    lockTTL,
		counterTTL: counterTTL,
		now:        time.Now,
	}
}

func (s *LockService) LockTTL() time.Duration {
	return s.lockTTL
}

// Acquire locks the item and reserves quantity units from its counter.
func (s *LockService) Acquire(ctx context.Context, itemType domain.ItemType, itemID string, quantity int) (*domain.InventoryLock, error) {
	ctx, span := tracer.Start(ctx, "LockService.Acquire", trace.WithAttributes(
		attribute.String("item.type", string(itemType)),
		attribute.String("item.id", itemID),
		attribute.Int("quantity", quantity),
	))
	defer span.End()

	lock, err := s.acquire(ctx, itemType, itemID, quantity)
	if err != nil {
		metrics.LockOperations.WithLabelValues("acquire", string(itemType), domain.Code(err)).Inc()
		if !domain.IsBusiness(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("result", domain.Code(err)))
		return nil, err
	}

	metrics.LockOperations.WithLabelValues("acquire", string(itemType), "ok").Inc()
	span.SetAttributes(attribute.String("lock.id", lock.LockID))
	return lock, nil
}

func (s *LockService) acquire(ctx context.Context, itemType domain.ItemType, itemID string, quantity int) (*domain.InventoryLock, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	now := s.now()
	lock := domain.InventoryLock{
		LockID:    uuid.NewString(),
		ItemType:  itemType,
		ItemID:    itemID,
		Quantity:  quantity,
		LockedAt:  now,
		ExpiresAt: now.Add(s.lockTTL),
	}
	lockKey := domain.LockKey(itemType, itemID)

	ok, err := s.cache.CreateLock(ctx, lockKey, lock, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: create lock: %w", domain.ErrCacheUnavailable, err)
	}
	if !ok {
		return nil, domain.ErrAlreadyLocked
	}

	remaining, err := s.remaining(ctx, itemType, itemID)
	if err != nil {
		s.abandon(ctx, lockKey, lock.LockID)
		return nil, err
	}
	if remaining < quantity {
		s.abandon(ctx, lockKey, lock.LockID)
		return nil, domain.ErrInsufficientInventory
	}

	if err := s.cache.SetCounter(ctx, domain.CounterKey(itemType, itemID), remaining-quantity, s.counterTTL); err != nil {
		s.abandon(ctx, lockKey, lock.LockID)
		return nil, fmt.Errorf("%w: write counter: %w", domain.ErrCacheUnavailable, err)
	}

	return &lock, nil
}

// remaining reads the cached counter, falling back to the authoritative store.
func (s *LockService) remaining(ctx context.Context, itemType domain.ItemType, itemID string) (int, error) {
	value, found, err := s.cache.GetCounter(ctx, domain.CounterKey(itemType, itemID))
	if err != nil {
		return 0, fmt.Errorf("%w: read counter: %w", domain.ErrCacheUnavailable, err)
	}
	if found {
		return value, nil
	}

	inv, err := s.inventory.GetInventory(ctx, itemType, itemID)
	if err != nil {
		return 0, fmt.Errorf("load inventory: %w", err)
	}
	if inv == nil {
		return 0, domain.ErrItemNotFound
	}
	return inv.Quantity, nil
}

// abandon drops a lock created by a failed acquire. The counter was not
// touched yet, so nothing is credited back.
func (s *LockService) abandon(ctx context.Context, key, lockID string) {
	if _, err := s.cache.DeleteLockIfOwned(context.WithoutCancel(ctx), key, lockID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("lock_key", key).Str("lock_id", lockID).
			Msg("failed to drop lock after rejected acquire, waiting for ttl")
	}
}

// Release drops the lock and credits its quantity back to the counter. A
// missing lock or a different holder makes it a no-op.
func (s *LockService) Release(ctx context.Context, itemType domain.ItemType, itemID, lockID string) error {
	ctx, span := tracer.Start(ctx, "LockService.Release", trace.WithAttributes(
		attribute.String("item.type", string(itemType)),
		attribute.String("item.id", itemID),
		attribute.String("lock.id", lockID),
	))
	defer span.End()

	if lockID == "" {
		return nil
	}

	removed, err := s.cache.DeleteLockIfOwned(ctx, domain.LockKey(itemType, itemID), lockID)
	if err != nil {
		span.RecordError(err)
		metrics.LockOperations.WithLabelValues("release", string(itemType), "error").Inc()
		return fmt.Errorf("%w: delete lock: %w", domain.ErrCacheUnavailable, err)
	}
	if removed == nil {
		metrics.LockOperations.WithLabelValues("release", string(itemType), "noop").Inc()
		return nil
	}

	credited, err := s.cache.IncrementCounterIfExists(ctx, domain.CounterKey(itemType, itemID), removed.Quantity, s.counterTTL)
	if err != nil {
		span.RecordError(err)
		metrics.LockOperations.WithLabelValues("release", string(itemType), "error").Inc()
		logger.Ctx(ctx).Error().Err(err).
			Str("item_type", string(itemType)).Str("item_id", itemID).Str("lock_id", lockID).
			Int("quantity", removed.Quantity).
			Msg("lock released but counter credit failed, counter undercounts until ttl")
		return fmt.Errorf("%w: credit counter: %w", domain.ErrCacheUnavailable, err)
	}
	if !credited {
		logger.Ctx(ctx).Debug().Str("item_type", string(itemType)).Str("item_id", itemID).
			Msg("counter expired before release, next acquire reloads it")
	}

	metrics.LockOperations.WithLabelValues("release", string(itemType), "ok").Inc()
	return nil
}

// Extend refreshes the lock TTL when lockID is the current holder.
func (s *LockService) Extend(ctx context.Context, itemType domain.ItemType, itemID, lockID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "LockService.Extend")
	defer span.End()

	if lockID == "" {
		return false, nil
	}

	ok, err := s.cache.ExtendLockIfOwned(ctx, domain.LockKey(itemType, itemID), lockID, s.lockTTL)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("%w: extend lock: %w", domain.ErrCacheUnavailable, err)
	}
	if !ok {
		metrics.LockOperations.WithLabelValues("extend", string(itemType), "not_held").Inc()
		return false, nil
	}

	// The counter must not expire before the lock it accounts for.
	if err := s.cache.ExpireCounter(ctx, domain.CounterKey(itemType, itemID), s.counterTTL); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("item_type", string(itemType)).Str("item_id", itemID).
			Msg("failed to extend counter ttl")
	}

	metrics.LockOperations.WithLabelValues("extend", string(itemType), "ok").Inc()
	return true, nil
}

// Commit drops the lock of a sold reservation without crediting the counter.
// The authoritative quantity has already been consumed by the caller, so the
// counter stays decremented.
func (s *LockService) Commit(ctx context.Context, itemType domain.ItemType, itemID, lockID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "LockService.Commit")
	defer span.End()

	if lockID == "" {
		return false, nil
	}

	removed, err := s.cache.DeleteLockIfOwned(ctx, domain.LockKey(itemType, itemID), lockID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("%w: delete lock: %w", domain.ErrCacheUnavailable, err)
	}

	result := "ok"
	if removed == nil {
		result = "noop"
	}
	metrics.LockOperations.WithLabelValues("commit", string(itemType), result).Inc()
	return removed != nil, nil
}

// Held reports whether lockID still holds the item.
func (s *LockService) Held(ctx context.Context, itemType domain.ItemType, itemID, lockID string) (bool, error) {
	if lockID == "" {
		return false, nil
	}
	lock, err := s.cache.GetLock(ctx, domain.LockKey(itemType, itemID))
	if err != nil {
		return false, fmt.Errorf("%w: get lock: %w", domain.ErrCacheUnavailable, err)
	}
	return lock != nil && lock.LockID == lockID, nil
}

// Restock credits quantity units of sold inventory back to the counter after
// the authoritative store has taken them back. A missing counter is left for
// the next acquire to reload.
func (s *LockService) Restock(ctx context.Context, itemType domain.ItemType, itemID string, quantity int) error {
	ctx, span := tracer.Start(ctx, "LockService.Restock", trace.WithAttributes(
		attribute.String("item.type", string(itemType)),
		attribute.String("item.id", itemID),
		attribute.Int("item.quantity", quantity),
	))
	defer span.End()

	credited, err := s.cache.IncrementCounterIfExists(ctx, domain.CounterKey(itemType, itemID), quantity, s.counterTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.LockOperations.WithLabelValues("restock", string(itemType), "error").Inc()
		return fmt.Errorf("%w: restock counter: %w", domain.ErrCacheUnavailable, err)
	}

	result := "ok"
	if !credited {
		result = "miss"
	}
	metrics.LockOperations.WithLabelValues("restock", string(itemType), result).Inc()
	return nil
}

// Resync drops the counter so the next acquire reloads it from authoritative
// inventory. Used when a sale landed without the lock that accounted for it.
func (s *LockService) Resync(ctx context.Context, itemType domain.ItemType, itemID string) error {
	if err := s.cache.DeleteCounter(ctx, domain.CounterKey(itemType, itemID)); err != nil {
		metrics.LockOperations.WithLabelValues("resync", string(itemType), "error").Inc()
		return fmt.Errorf("%w: drop counter: %w", domain.ErrCacheUnavailable, err)
	}
	metrics.LockOperations.WithLabelValues("resync", string(itemType), "ok").Inc()
	return nil
}
