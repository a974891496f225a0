package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	owner    = domain.Identity{UserID: "owner-1", Role: domain.RoleOwner}
	student1 = domain.Identity{UserID: "student-1", Role: domain.RoleStudent}
	student2 = domain.Identity{UserID: "student-2", Role: domain.RoleStudent}
)

// Mock repositories
type mockStore struct {
	mu           sync.Mutex
	items        map[string]domain.StockItem
	reservations map[string]domain.Reservation
	faults       []domain.ReconciliationFault

	decrementErr error
	markPaidErr  error
	faultErr     error

	decrementCalls atomic.Int32
	markPaidCalls  atomic.Int32

	// When set, ListStockItems signals listStarted and blocks until listGate
	// is closed or ctx is done.
	listStarted chan struct{}
	listGate    chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		items:        make(map[string]domain.StockItem),
		reservations: make(map[string]domain.Reservation),
	}
}

func (m *mockStore) addItem(id string, qty int, price string, block domain.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = domain.StockItem{
		ID:        id,
		Name:      "item " + id,
		UnitPrice: decimal.RequireFromString(price),
		Quantity:  qty,
		Block:     block,
		Date:      domain.Day(time.Now()),
	}
}

func (m *mockStore) addReservation(id, userID, itemID string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[id] = domain.Reservation{
		ID:            id,
		UserID:        userID,
		ItemID:        itemID,
		Quantity:      qty,
		Block:         domain.BlockA,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     time.Now(),
	}
}

func (m *mockStore) quantity(itemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[itemID].Quantity
}

func (m *mockStore) status(id string) domain.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservations[id].PaymentStatus
}

func (m *mockStore) faultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.faults)
}

func (m *mockStore) CreateStockItem(ctx context.Context, item domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (m *mockStore) GetStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, domain.ErrStockItemNotFound
	}
	return &item, nil
}

func (m *mockStore) ListStockItems(ctx context.Context, block domain.Block, day time.Time) ([]domain.StockItem, error) {
	if err := waitGate(ctx, m.listStarted, m.listGate); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockItem
	for _, item := range m.items {
		if item.Block == block && domain.SameDay(item.Date, day) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DecrementStock(ctx context.Context, itemID string, quantity int) (int, error) {
	m.decrementCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.decrementErr != nil {
		return 0, m.decrementErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return 0, domain.ErrStockItemNotFound
	}
	if item.Quantity < quantity {
		return item.Quantity, domain.ErrInsufficientStock
	}
	item.Quantity -= quantity
	m.items[itemID] = item
	return item.Quantity, nil
}

func (m *mockStore) CreateReservation(ctx context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
	return nil
}

func (m *mockStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return &r, nil
}

func (m *mockStore) ListReservations(ctx context.Context, userID string, block domain.Block) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.UserID == userID && r.Block == block {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	m.markPaidCalls.Add(1)
	if m.markPaidErr != nil {
		return false, m.markPaidErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return false, domain.ErrReservationNotFound
	}
	if r.PaymentStatus == domain.PaymentStatusPaid {
		return false, nil
	}
	r.PaymentStatus = domain.PaymentStatusPaid
	r.PaidAt = &paidAt
	r.StockSettled = false
	m.reservations[id] = r
	return true, nil
}

func (m *mockStore) MarkStockSettled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return domain.ErrReservationNotFound
	}
	if r.IsPaid() {
		r.StockSettled = true
		m.reservations[id] = r
	}
	return nil
}

func (m *mockStore) ListUnsettledPaid(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.IsPaid() && !r.StockSettled && r.PaidAt != nil && r.PaidAt.Before(paidBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(*out[j].PaidAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) settled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservations[id].StockSettled
}

func (m *mockStore) RecordFault(ctx context.Context, fault domain.ReconciliationFault) error {
	if m.faultErr != nil {
		return m.faultErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault)
	return nil
}

func (m *mockStore) ListFaults(ctx context.Context, limit int) ([]domain.ReconciliationFault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ReconciliationFault, 0, len(m.faults))
	for i := len(m.faults) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.faults[i])
	}
	return out, nil
}

// Mock CacheRepository
type mockCache struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	lists          map[string][]domain.StockItem
	invalidations  atomic.Int32
	hasErr         error
}

func newMockCache() *mockCache {
	return &mockCache{
		idempotencySet: make(map[string]bool),
		lists:          make(map[string][]domain.StockItem),
	}
}

func listKey(block domain.Block, day time.Time) string {
	return string(block) + "|" + day.Format(time.DateOnly)
}

func (m *mockCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCache) HasIdempotency(ctx context.Context, key string) (bool, error) {
	if m.hasErr != nil {
		return false, m.hasErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idempotencySet[key], nil
}

func (m *mockCache) GetStockList(ctx context.Context, block domain.Block, day time.Time) ([]domain.StockItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.lists[listKey(block, day)]
	return items, ok, nil
}

func (m *mockCache) SetStockList(ctx context.Context, block domain.Block, day time.Time, items []domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[listKey(block, day)] = items
	return nil
}

func (m *mockCache) InvalidateStockList(ctx context.Context, block domain.Block, day time.Time) error {
	m.invalidations.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, listKey(block, day))
	return nil
}

// Mock PaymentGateway
type mockGateway struct {
	mu           sync.Mutex
	sessions     map[string]domain.SessionStatus
	requests     []domain.SessionRequest
	notification domain.PaymentNotification
	verifyErr    error
	createErr    error
	getCalls     atomic.Int32

	getStarted chan struct{}
	getGate    chan struct{}
}

func newMockGateway() *mockGateway {
	return &mockGateway{sessions: make(map[string]domain.SessionStatus)}
}

func (g *mockGateway) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.PaymentSession, error) {
	if g.createErr != nil {
		return domain.PaymentSession{}, g.createErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	id := "cs_test_" + req.ReservationIDs[0]
	g.sessions[id] = domain.SessionStatus{ID: id, ReservationIDs: req.ReservationIDs}
	return domain.PaymentSession{ID: id, URL: "https://pay.example/" + id}, nil
}

func (g *mockGateway) GetSession(ctx context.Context, sessionID string) (domain.SessionStatus, error) {
	g.getCalls.Add(1)
	if err := waitGate(ctx, g.getStarted, g.getGate); err != nil {
		return domain.SessionStatus{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return domain.SessionStatus{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (g *mockGateway) VerifyNotification(payload []byte, signature string) (domain.PaymentNotification, error) {
	if g.verifyErr != nil {
		return domain.PaymentNotification{}, g.verifyErr
	}
	return g.notification, nil
}

func (g *mockGateway) setSession(id string, paid bool, ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id] = domain.SessionStatus{ID: id, ReservationIDs: ids, Paid: paid}
}

func waitGate(ctx context.Context, started, gate chan struct{}) error {
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mock EventPublisher
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.ConfirmationEvent
}

func (p *mockPublisher) Publish(ctx context.Context, event domain.ConfirmationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) ofType(t string) []domain.ConfirmationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ConfirmationEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fixture wires the confirmation stack over a single mock store.
type fixture struct {
	store        *mockStore
	cache        *mockCache
	gateway      *mockGateway
	events       *mockPublisher
	ledger       *StockLedger
	reservations *ReservationStore
	confirmer    *PaymentConfirmer
	dispatcher   *ConfirmationDispatcher
}

func newFixture() *fixture {
	f := &fixture{
		store:   newMockStore(),
		cache:   newMockCache(),
		gateway: newMockGateway(),
		events:  &mockPublisher{},
	}
	log := testLogger()
	f.ledger = NewStockLedger(log, f.store, f.cache)
	f.reservations = NewReservationStore(log, f.store, f.ledger)
	f.confirmer = NewPaymentConfirmer(log, f.reservations, f.ledger, f.store, f.events, time.Second)
	f.dispatcher = NewConfirmationDispatcher(log, f.confirmer, f.reservations, f.gateway, f.cache)
	return f
}
