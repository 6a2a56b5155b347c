package port

import (
	"context"
	"time"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

type CacheRepository interface {
	// CreateLock stores the lock under key only if the key is absent
	CreateLock(ctx context.Context, key string, lock domain.InventoryLock, ttl time.Duration) (bool, error)

	// DeleteLockIfOwned atomically removes the lock when its lock id matches, returns the removed lock or nil
	DeleteLockIfOwned(ctx context.Context, key, lockID string) (*domain.InventoryLock, error)

	// GetLock reads the current holder of key, nil when the key is free
	GetLock(ctx context.Context, key string) (*domain.InventoryLock, error)

	// ExtendLockIfOwned refreshes the lock TTL when its lock id matches
	ExtendLockIfOwned(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error)

	// GetCounter reads a remaining-quantity counter, found is false on a cache miss
	GetCounter(ctx context.Context, key string) (value int, found bool, err error)

	// SetCounter overwrites a counter with a TTL
	SetCounter(ctx context.Context, key string, value int, ttl time.Duration) error

	// IncrementCounterIfExists adds delta to an existing counter and refreshes its TTL, false on a cache miss
	IncrementCounterIfExists(ctx context.Context, key string, delta int, ttl time.Duration) (bool, error)

	// ExpireCounter refreshes a counter TTL
	ExpireCounter(ctx context.Context, key string, ttl time.Duration) error

	// DeleteCounter drops a counter so the next reader reloads it
	DeleteCounter(ctx context.Context, key string) error
}
