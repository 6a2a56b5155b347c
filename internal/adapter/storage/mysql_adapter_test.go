package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/travel_booking?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	require.NoError(t, NewMySQLAdapter(db).Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func seedBooking(t *testing.T, adapter *MySQLAdapter, itemID string, qty int) domain.Booking {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	b := domain.Booking{
		ID:         id,
		Reference:  "TRV-TEST-" + id[:8],
		UserID:     "test-user",
		ItemType:   domain.ItemTypeHotel,
		ItemID:     itemID,
		Quantity:   qty,
		TotalPrice: 1500000,
		Currency:   "INR",
		GuestInfo:  domain.GuestInfo{LeadName: "Asha", Adults: 2},
		Status:     domain.BookingStatusPending,
		LockID:     uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, adapter.CreateBooking(context.Background(), b))
	return b
}

func TestGetInventory(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	require.NoError(t, adapter.UpsertInventory(ctx, domain.ItemTypeHotel, "get-test-hotel", 50))

	inv, err := adapter.GetInventory(ctx, domain.ItemTypeHotel, "get-test-hotel")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, 50, inv.Quantity)
	assert.Equal(t, domain.ItemTypeHotel, inv.ItemType)

	inv, err = adapter.GetInventory(ctx, domain.ItemTypeTour, "get-test-hotel")
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestCreateAndGetBooking(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	b := seedBooking(t, adapter, "roundtrip-hotel", 2)

	got, err := adapter.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.Reference, got.Reference)
	assert.Equal(t, b.LockID, got.LockID)
	assert.Equal(t, "Asha", got.GuestInfo.LeadName)
	assert.Equal(t, domain.BookingStatusPending, got.Status)

	missing, err := adapter.GetBooking(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConfirmBooking_ConsumesInventoryOnce(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	require.NoError(t, adapter.UpsertInventory(ctx, domain.ItemTypeHotel, "confirm-hotel", 5))
	b := seedBooking(t, adapter, "confirm-hotel", 2)

	won, err := adapter.ConfirmBooking(ctx, b)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = adapter.ConfirmBooking(ctx, b)
	require.NoError(t, err)
	assert.False(t, won)

	inv, err := adapter.GetInventory(ctx, domain.ItemTypeHotel, "confirm-hotel")
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Quantity)

	got, err := adapter.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, got.Status)
	assert.Empty(t, got.LockID)
}

func TestConfirmBooking_InsufficientInventoryRollsBack(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	require.NoError(t, adapter.UpsertInventory(ctx, domain.ItemTypeHotel, "short-hotel", 1))
	b := seedBooking(t, adapter, "short-hotel", 2)

	_, err := adapter.ConfirmBooking(ctx, b)
	assert.ErrorIs(t, err, domain.ErrInsufficientInventory)

	got, err := adapter.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusPending, got.Status)
}

func TestCancelBooking_RestoresConfirmedInventory(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	require.NoError(t, adapter.UpsertInventory(ctx, domain.ItemTypeHotel, "cancel-hotel", 4))
	b := seedBooking(t, adapter, "cancel-hotel", 1)

	_, err := adapter.ConfirmBooking(ctx, b)
	require.NoError(t, err)

	b.Status = domain.BookingStatusConfirmed
	won, err := adapter.CancelBooking(ctx, b, "guest request")
	require.NoError(t, err)
	assert.True(t, won)

	inv, err := adapter.GetInventory(ctx, domain.ItemTypeHotel, "cancel-hotel")
	require.NoError(t, err)
	assert.Equal(t, 4, inv.Quantity)

	got, err := adapter.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, got.Status)
	assert.Equal(t, "guest request", got.CancelReason)
}

func TestMarkPaymentFailed_OnlyFromPending(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	b := seedBooking(t, adapter, "failed-hotel", 1)

	won, err := adapter.MarkPaymentFailed(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = adapter.MarkPaymentFailed(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestPaymentOrderStatus(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	b := seedBooking(t, adapter, "order-hotel", 1)
	now := time.Now().UTC().Truncate(time.Microsecond)
	order := domain.PaymentOrder{
		ID:        "order_" + b.ID[:8],
		BookingID: b.ID,
		Amount:    b.TotalPrice,
		Currency:  b.Currency,
		Status:    domain.PaymentStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, adapter.CreatePaymentOrder(ctx, order))

	won, err := adapter.UpdatePaymentOrderStatus(ctx, order.ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated}, domain.PaymentStatusCaptured, "pay_123")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = adapter.UpdatePaymentOrderStatus(ctx, order.ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated}, domain.PaymentStatusFailed, "")
	require.NoError(t, err)
	assert.False(t, won)

	got, err := adapter.GetPaymentOrderByBooking(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.PaymentStatusCaptured, got.Status)
	assert.Equal(t, "pay_123", got.GatewayPaymentID)
}

func TestListPendingBefore(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	b := seedBooking(t, adapter, "stale-hotel", 1)

	pending, err := adapter.ListPendingBefore(ctx, time.Now().Add(time.Minute), 1000)
	require.NoError(t, err)

	var found bool
	for _, p := range pending {
		if p.ID == b.ID {
			found = true
		}
	}
	assert.True(t, found)
}
