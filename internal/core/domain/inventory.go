package domain

import (
	"fmt"
	"time"
)

type ItemType string

const (
	ItemTypeHotel  ItemType = "hotel"
	ItemTypeTour   ItemType = "tour"
	ItemTypeFlight ItemType = "flight"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeHotel, ItemTypeTour, ItemTypeFlight:
		return true
	}
	return false
}

// Inventory is the authoritative availability row for one bookable item
// (available rooms, tour slots or flight seats).
type Inventory struct {
	ItemType  ItemType
	ItemID    string
	Quantity  int
	Version   int // bumped on every quantity change
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InventoryLock is a time-boxed reservation held in the shared cache.
// Only one lock exists per item at a time.
type InventoryLock struct {
	LockID    string    `json:"lock_id"`
	ItemType  ItemType  `json:"item_type"`
	ItemID    string    `json:"item_id"`
	Quantity  int       `json:"quantity"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func LockKey(itemType ItemType, itemID string) string {
	return fmt.Sprintf("lock:%s:%s", itemType, itemID)
}

func CounterKey(itemType ItemType, itemID string) string {
	return fmt.Sprintf("inventory:%s:%s", itemType, itemID)
}
