package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

//go:embed schema.sql
var schema string

const bookingColumns = `id, reference, user_id, item_type, item_id, quantity, total_price, currency,
	guest_info, status, lock_id, cancel_reason, created_at, updated_at`

const paymentOrderColumns = `id, booking_id, amount, currency, status, gateway_payment_id, created_at, updated_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the booking tables when they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}

func (m *MySQLAdapter) GetInventory(ctx context.Context, itemType domain.ItemType, itemID string) (*domain.Inventory, error) {
	var inv domain.Inventory
	err := m.db.QueryRowContext(ctx, `
		SELECT item_type, item_id, quantity, version, created_at, updated_at
		FROM inventory WHERE item_type = ? AND item_id = ?`, itemType, itemID,
	).Scan(&inv.ItemType, &inv.ItemID, &inv.Quantity, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query inventory")
	}
	return &inv, nil
}

// UpsertInventory sets the authoritative quantity of an item.
func (m *MySQLAdapter) UpsertInventory(ctx context.Context, itemType domain.ItemType, itemID string, quantity int) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (item_type, item_id, quantity, version) VALUES (?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), version = version + 1, updated_at = NOW(6)`,
		itemType, itemID, quantity,
	)
	return errors.Wrap(err, "upsert inventory")
}

func (m *MySQLAdapter) CreateBooking(ctx context.Context, b domain.Booking) error {
	guestInfo, err := json.Marshal(b.GuestInfo)
	if err != nil {
		return errors.Wrap(err, "marshal guest info")
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Reference, b.UserID, b.ItemType, b.ItemID, b.Quantity, b.TotalPrice, b.Currency,
		guestInfo, b.Status, nullString(b.LockID), nullString(b.CancelReason), b.CreatedAt, b.UpdatedAt,
	)
	return errors.Wrap(err, "insert booking")
}

func (m *MySQLAdapter) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query booking")
	}
	return b, nil
}

func (m *MySQLAdapter) ConfirmBooking(ctx context.Context, b domain.Booking) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE bookings SET status = ?, lock_id = NULL, updated_at = NOW(6)
		WHERE id = ? AND status = ?`,
		domain.BookingStatusConfirmed, b.ID, domain.BookingStatusPending,
	)
	if err != nil {
		return false, errors.Wrap(err, "update booking")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return false, nil
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = quantity - ?, version = version + 1, updated_at = NOW(6)
		WHERE item_type = ? AND item_id = ? AND quantity >= ?`,
		b.Quantity, b.ItemType, b.ItemID, b.Quantity,
	)
	if err != nil {
		return false, errors.Wrap(err, "consume inventory")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return false, domain.ErrInsufficientInventory
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit")
	}
	return true, nil
}

func (m *MySQLAdapter) MarkPaymentFailed(ctx context.Context, id string) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE bookings SET status = ?, lock_id = NULL, updated_at = NOW(6)
		WHERE id = ? AND status = ?`,
		domain.BookingStatusPaymentFailed, id, domain.BookingStatusPending,
	)
	if err != nil {
		return false, errors.Wrap(err, "update booking")
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) CancelBooking(ctx context.Context, b domain.Booking, reason string) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE bookings SET status = ?, lock_id = NULL, cancel_reason = ?, updated_at = NOW(6)
		WHERE id = ? AND status = ?`,
		domain.BookingStatusCancelled, reason, b.ID, b.Status,
	)
	if err != nil {
		return false, errors.Wrap(err, "update booking")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return false, nil
	}

	if b.Status == domain.BookingStatusConfirmed {
		_, err = tx.ExecContext(ctx, `
			UPDATE inventory
			SET quantity = quantity + ?, version = version + 1, updated_at = NOW(6)
			WHERE item_type = ? AND item_id = ?`,
			b.Quantity, b.ItemType, b.ItemID,
		)
		if err != nil {
			return false, errors.Wrap(err, "restore inventory")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit")
	}
	return true, nil
}

func (m *MySQLAdapter) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Booking, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND created_at < ?
		ORDER BY created_at LIMIT ?`,
		domain.BookingStatusPending, cutoff, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query pending bookings")
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan booking")
		}
		out = append(out, *b)
	}
	return out, errors.Wrap(rows.Err(), "iterate bookings")
}

func (m *MySQLAdapter) CreatePaymentOrder(ctx context.Context, o domain.PaymentOrder) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO payment_orders (`+paymentOrderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BookingID, o.Amount, o.Currency, o.Status, nullString(o.GatewayPaymentID), o.CreatedAt, o.UpdatedAt,
	)
	return errors.Wrap(err, "insert payment order")
}

func (m *MySQLAdapter) GetPaymentOrder(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return m.getPaymentOrder(ctx, `SELECT `+paymentOrderColumns+` FROM payment_orders WHERE id = ?`, id)
}

func (m *MySQLAdapter) GetPaymentOrderByBooking(ctx context.Context, bookingID string) (*domain.PaymentOrder, error) {
	return m.getPaymentOrder(ctx, `SELECT `+paymentOrderColumns+` FROM payment_orders WHERE booking_id = ?`, bookingID)
}

func (m *MySQLAdapter) getPaymentOrder(ctx context.Context, query, arg string) (*domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	var paymentID sql.NullString
	err := m.db.QueryRowContext(ctx, query, arg).Scan(
		&o.ID, &o.BookingID, &o.Amount, &o.Currency, &o.Status, &paymentID, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query payment order")
	}
	o.GatewayPaymentID = paymentID.String
	return &o, nil
}

func (m *MySQLAdapter) UpdatePaymentOrderStatus(ctx context.Context, id string, from []domain.PaymentStatus, to domain.PaymentStatus, gatewayPaymentID string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	args := []any{to, gatewayPaymentID, id}
	for _, s := range from {
		args = append(args, s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	result, err := m.db.ExecContext(ctx, `
		UPDATE payment_orders
		SET status = ?, gateway_payment_id = COALESCE(NULLIF(?, ''), gateway_payment_id), updated_at = NOW(6)
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, errors.Wrap(err, "update payment order")
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*domain.Booking, error) {
	var b domain.Booking
	var guestInfo []byte
	var lockID, cancelReason sql.NullString

	err := row.Scan(&b.ID, &b.Reference, &b.UserID, &b.ItemType, &b.ItemID, &b.Quantity, &b.TotalPrice,
		&b.Currency, &guestInfo, &b.Status, &lockID, &cancelReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(guestInfo) > 0 {
		if err := json.Unmarshal(guestInfo, &b.GuestInfo); err != nil {
			return nil, errors.Wrap(err, "decode guest info")
		}
	}
	b.LockID = lockID.String
	b.CancelReason = cancelReason.String
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
