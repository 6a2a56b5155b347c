package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/travel-booking/internal/core/domain"
	"github.com/rl1809/travel-booking/internal/port"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeCache keeps every single-key operation atomic, like Redis. Locks
// expire against now when it is set; counters never expire.
type fakeCache struct {
	mu       sync.Mutex
	locks    map[string]domain.InventoryLock
	expiry   map[string]time.Time
	counters map[string]int
	now      func() time.Time
	err      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		locks:    make(map[string]domain.InventoryLock),
		expiry:   make(map[string]time.Time),
		counters: make(map[string]int),
	}
}

// lock returns the live lock under key, dropping it once its ttl passed.
func (c *fakeCache) lock(key string) (domain.InventoryLock, bool) {
	lock, ok := c.locks[key]
	if !ok {
		return lock, false
	}
	if exp, set := c.expiry[key]; set && c.now != nil && !c.now().Before(exp) {
		delete(c.locks, key)
		delete(c.expiry, key)
		return domain.InventoryLock{}, false
	}
	return lock, true
}

func (c *fakeCache) touch(key string, ttl time.Duration) {
	if c.now != nil && ttl > 0 {
		c.expiry[key] = c.now().Add(ttl)
	}
}

func (c *fakeCache) CreateLock(ctx context.Context, key string, lock domain.InventoryLock, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if _, ok := c.lock(key); ok {
		return false, nil
	}
	c.locks[key] = lock
	c.touch(key, ttl)
	return true, nil
}

func (c *fakeCache) DeleteLockIfOwned(ctx context.Context, key, lockID string) (*domain.InventoryLock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	lock, ok := c.lock(key)
	if !ok || lock.LockID != lockID {
		return nil, nil
	}
	delete(c.locks, key)
	delete(c.expiry, key)
	return &lock, nil
}

func (c *fakeCache) GetLock(ctx context.Context, key string) (*domain.InventoryLock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	lock, ok := c.lock(key)
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (c *fakeCache) ExtendLockIfOwned(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	lock, ok := c.lock(key)
	if !ok || lock.LockID != lockID {
		return false, nil
	}
	c.touch(key, ttl)
	return true, nil
}

func (c *fakeCache) GetCounter(ctx context.Context, key string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, false, c.err
	}
	v, ok := c.counters[key]
	return v, ok, nil
}

func (c *fakeCache) SetCounter(ctx context.Context, key string, value int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.counters[key] = value
	return nil
}

func (c *fakeCache) IncrementCounterIfExists(ctx context.Context, key string, delta int, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	v, ok := c.counters[key]
	if !ok {
		return false, nil
	}
	c.counters[key] = v + delta
	return true, nil
}

func (c *fakeCache) ExpireCounter(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeCache) DeleteCounter(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	delete(c.counters, key)
	return nil
}

func (c *fakeCache) hasLock(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lock(key)
	return ok
}

func (c *fakeCache) counter(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.counters[key]
	return v, ok
}

func (c *fakeCache) dropCounter(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
}

func (c *fakeCache) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// fakeStore implements every persistent repository in memory.
type fakeStore struct {
	mu        sync.Mutex
	inventory map[string]domain.Inventory
	bookings  map[string]domain.Booking
	orders    map[string]domain.PaymentOrder
	refunds   map[string]domain.Refund
	records   map[string]domain.ProcessingRecord

	failCreateBooking      error
	failCreatePaymentOrder error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inventory: make(map[string]domain.Inventory),
		bookings:  make(map[string]domain.Booking),
		orders:    make(map[string]domain.PaymentOrder),
		refunds:   make(map[string]domain.Refund),
		records:   make(map[string]domain.ProcessingRecord),
	}
}

func invKey(itemType domain.ItemType, itemID string) string {
	return string(itemType) + ":" + itemID
}

func (s *fakeStore) seed(itemType domain.ItemType, itemID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[invKey(itemType, itemID)] = domain.Inventory{ItemType: itemType, ItemID: itemID, Quantity: quantity}
}

func (s *fakeStore) available(itemType domain.ItemType, itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory[invKey(itemType, itemID)].Quantity
}

func (s *fakeStore) booking(id string) domain.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookings[id]
}

func (s *fakeStore) bookingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bookings)
}

func (s *fakeStore) order(id string) domain.PaymentOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *fakeStore) record(id string) domain.ProcessingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeStore) GetInventory(ctx context.Context, itemType domain.ItemType, itemID string) (*domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[invKey(itemType, itemID)]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (s *fakeStore) CreateBooking(ctx context.Context, booking domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateBooking != nil {
		return s.failCreateBooking
	}
	s.bookings[booking.ID] = booking
	return nil
}

func (s *fakeStore) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *fakeStore) ConfirmBooking(ctx context.Context, booking domain.Booking) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[booking.ID]
	if !ok || b.Status != domain.BookingStatusPending {
		return false, nil
	}
	key := invKey(b.ItemType, b.ItemID)
	inv := s.inventory[key]
	if inv.Quantity < b.Quantity {
		return false, domain.ErrInsufficientInventory
	}
	inv.Quantity -= b.Quantity
	s.inventory[key] = inv
	b.Status = domain.BookingStatusConfirmed
	b.LockID = ""
	s.bookings[b.ID] = b
	return true, nil
}

func (s *fakeStore) MarkPaymentFailed(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.Status != domain.BookingStatusPending {
		return false, nil
	}
	b.Status = domain.BookingStatusPaymentFailed
	b.LockID = ""
	s.bookings[id] = b
	return true, nil
}

func (s *fakeStore) CancelBooking(ctx context.Context, booking domain.Booking, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[booking.ID]
	if !ok || b.Status != booking.Status {
		return false, nil
	}
	if b.Status == domain.BookingStatusConfirmed {
		key := invKey(b.ItemType, b.ItemID)
		inv := s.inventory[key]
		inv.Quantity += b.Quantity
		s.inventory[key] = inv
	}
	b.Status = domain.BookingStatusCancelled
	b.LockID = ""
	b.CancelReason = reason
	s.bookings[b.ID] = b
	return true, nil
}

func (s *fakeStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if b.Status == domain.BookingStatusPending && b.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeStore) CreatePaymentOrder(ctx context.Context, order domain.PaymentOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreatePaymentOrder != nil {
		return s.failCreatePaymentOrder
	}
	s.orders[order.ID] = order
	return nil
}

func (s *fakeStore) GetPaymentOrder(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *fakeStore) GetPaymentOrderByBooking(ctx context.Context, bookingID string) (*domain.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.BookingID == bookingID {
			return &o, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdatePaymentOrderStatus(ctx context.Context, id string, from []domain.PaymentStatus, to domain.PaymentStatus, gatewayPaymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if o.Status == f {
			o.Status = to
			if gatewayPaymentID != "" {
				o.GatewayPaymentID = gatewayPaymentID
			}
			s.orders[id] = o
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) UpsertRefund(ctx context.Context, refund domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[refund.ID] = refund
	return nil
}

func (s *fakeStore) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeStore) CreateProcessingRecord(ctx context.Context, record domain.ProcessingRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return false, nil
	}
	s.records[record.ID] = record
	return true, nil
}

func (s *fakeStore) GetProcessingRecord(ctx context.Context, id string) (*domain.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeStore) SaveProcessingRecord(ctx context.Context, record domain.ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *fakeStore) ListDueProcessingRecords(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProcessingRecord
	for _, r := range s.records {
		if isDue(r, now) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) ClaimProcessingRecord(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Attempts != attempts || !isDue(r, now) {
		return false, nil
	}
	r.Status = domain.ProcessingStatusProcessing
	r.NextRetryAt = &leaseUntil
	r.UpdatedAt = now
	s.records[id] = r
	return true, nil
}

func isDue(r domain.ProcessingRecord, now time.Time) bool {
	if r.Status != domain.ProcessingStatusRetrying && r.Status != domain.ProcessingStatusProcessing {
		return false
	}
	return r.NextRetryAt != nil && !r.NextRetryAt.After(now)
}

type fakeGateway struct {
	mu      sync.Mutex
	seq     int
	orders  []port.OrderRequest
	refunds []string
	err     error
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req port.OrderRequest) (*port.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.seq++
	g.orders = append(g.orders, req)
	return &port.GatewayOrder{
		ID:       fmt.Sprintf("order_%04d", g.seq),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (*port.GatewayRefund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.refunds = append(g.refunds, paymentID)
	return &port.GatewayRefund{ID: "rfnd_" + paymentID, PaymentID: paymentID, Amount: amount, Status: "processed"}, nil
}

func (g *fakeGateway) orderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []domain.Notification
	attempts int
	failures int
}

func (n *fakeNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.failures > 0 {
		n.failures--
		return fmt.Errorf("smtp unavailable")
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) delivered() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.sent...)
}

type fakeReview struct {
	mu      sync.Mutex
	records []domain.ProcessingRecord
}

func (r *fakeReview) PublishReview(ctx context.Context, record domain.ProcessingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *fakeReview) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

const testSecret = "whsec_test_secret"

type harness struct {
	clock      *fakeClock
	cache      *fakeCache
	store      *fakeStore
	gateway    *fakeGateway
	notifier   *fakeNotifier
	review     *fakeReview
	locks      *LockService
	bookings   *BookingService
	dispatcher *NotificationDispatcher
	webhooks   *WebhookService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:    newFakeClock(),
		cache:    newFakeCache(),
		store:    newFakeStore(),
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		review:   &fakeReview{},
	}

	h.cache.now = h.clock.Now
	h.locks = NewLockService(h.cache, h.store, 30*time.Minute, 0)
	h.locks.now = h.clock.Now

	h.bookings = NewBookingService(BookingDependencies{
		Locks:    h.locks,
		Bookings: h.store,
		Payments: h.store,
		Refunds:  h.store,
		Gateway:  h.gateway,
		Currency: "INR",
	})
	h.bookings.now = h.clock.Now

	h.dispatcher = NewNotificationDispatcher(h.notifier, 3, 0)

	h.webhooks = NewWebhookService(WebhookDependencies{
		Secret:       testSecret,
		Bookings:     h.bookings,
		BookingStore: h.store,
		Payments:     h.store,
		Refunds:      h.store,
		Records:      h.store,
		Review:       h.review,
		Notifier:     h.dispatcher,
		Policy:       DefaultRetryPolicy(),
	})
	h.webhooks.now = h.clock.Now
	h.webhooks.sleep = func(ctx context.Context, d time.Duration) bool {
		h.clock.Advance(d)
		return true
	}

	return h
}

func paymentEvent(t *testing.T, event domain.EventType, paymentID, orderID string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"entity":   "event",
		"event":    event,
		"contains": []string{"payment"},
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":                paymentID,
					"entity":            "payment",
					"order_id":          orderID,
					"amount":            amount,
					"currency":          "INR",
					"status":            "captured",
					"error_description": "",
					"notes":             []string{},
				},
			},
		},
		"created_at": 1760000000,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func refundEvent(t *testing.T, refundID, paymentID string, amount int64, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": domain.EventRefundCreated,
		"payload": map[string]any{
			"refund": map[string]any{
				"entity": map[string]any{
					"id":         refundID,
					"payment_id": paymentID,
					"amount":     amount,
					"currency":   "INR",
					"status":     status,
					"notes":      map[string]string{"booking_id": "bk-1"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}
