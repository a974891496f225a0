package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

// MemoryAdapter keeps stock, reservations and faults in process memory.
// The map lock only guards membership; every mutation takes the lock of the
// single item or reservation it touches.
type MemoryAdapter struct {
	mu           sync.RWMutex
	items        map[string]*memoryItem
	reservations map[string]*memoryReservation

	faultsMu sync.Mutex
	faults   []domain.ReconciliationFault
}

type memoryItem struct {
	mu   sync.Mutex
	item domain.StockItem
}

type memoryReservation struct {
	mu sync.Mutex
	r  domain.Reservation
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:        make(map[string]*memoryItem),
		reservations: make(map[string]*memoryReservation),
	}
}

func (m *MemoryAdapter) CreateStockItem(ctx context.Context, item domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; exists {
		return fmt.Errorf("stock item %s already exists", item.ID)
	}
	m.items[item.ID] = &memoryItem{item: item}
	return nil
}

func (m *MemoryAdapter) GetStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	e, ok := m.lookupItem(itemID)
	if !ok {
		return nil, domain.ErrStockItemNotFound
	}

	e.mu.Lock()
	item := e.item
	e.mu.Unlock()
	return &item, nil
}

func (m *MemoryAdapter) ListStockItems(ctx context.Context, block domain.Block, day time.Time) ([]domain.StockItem, error) {
	m.mu.RLock()
	entries := make([]*memoryItem, 0, len(m.items))
	for _, e := range m.items {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []domain.StockItem
	for _, e := range entries {
		e.mu.Lock()
		item := e.item
		e.mu.Unlock()
		if item.Block == block && domain.SameDay(item.Date, day) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) DecrementStock(ctx context.Context, itemID string, quantity int) (int, error) {
	e, ok := m.lookupItem(itemID)
	if !ok {
		return 0, domain.ErrStockItemNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.item.Quantity < quantity {
		return e.item.Quantity, domain.ErrInsufficientStock
	}
	e.item.Quantity -= quantity
	e.item.UpdatedAt = time.Now().UTC()
	return e.item.Quantity, nil
}

func (m *MemoryAdapter) CreateReservation(ctx context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	m.reservations[r.ID] = &memoryReservation{r: r}
	return nil
}

func (m *MemoryAdapter) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	e, ok := m.lookupReservation(id)
	if !ok {
		return nil, domain.ErrReservationNotFound
	}

	e.mu.Lock()
	r := e.r
	e.mu.Unlock()
	return &r, nil
}

func (m *MemoryAdapter) ListReservations(ctx context.Context, userID string, block domain.Block) ([]domain.Reservation, error) {
	m.mu.RLock()
	entries := make([]*memoryReservation, 0, len(m.reservations))
	for _, e := range m.reservations {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []domain.Reservation
	for _, e := range entries {
		e.mu.Lock()
		r := e.r
		e.mu.Unlock()
		if r.UserID == userID && r.Block == block {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	e, ok := m.lookupReservation(id)
	if !ok {
		return false, domain.ErrReservationNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.r.PaymentStatus == domain.PaymentStatusPaid {
		return false, nil
	}
	e.r.PaymentStatus = domain.PaymentStatusPaid
	e.r.PaidAt = &paidAt
	e.r.StockSettled = false
	return true, nil
}

func (m *MemoryAdapter) MarkStockSettled(ctx context.Context, id string) error {
	e, ok := m.lookupReservation(id)
	if !ok {
		return domain.ErrReservationNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.PaymentStatus == domain.PaymentStatusPaid {
		e.r.StockSettled = true
	}
	return nil
}

func (m *MemoryAdapter) ListUnsettledPaid(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.RLock()
	entries := make([]*memoryReservation, 0, len(m.reservations))
	for _, e := range m.reservations {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []domain.Reservation
	for _, e := range entries {
		e.mu.Lock()
		r := e.r
		e.mu.Unlock()
		if r.IsPaid() && !r.StockSettled && r.PaidAt != nil && r.PaidAt.Before(paidBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PaidAt.Before(*out[j].PaidAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) RecordFault(ctx context.Context, fault domain.ReconciliationFault) error {
	m.faultsMu.Lock()
	defer m.faultsMu.Unlock()
	m.faults = append(m.faults, fault)
	return nil
}

func (m *MemoryAdapter) ListFaults(ctx context.Context, limit int) ([]domain.ReconciliationFault, error) {
	m.faultsMu.Lock()
	defer m.faultsMu.Unlock()

	out := make([]domain.ReconciliationFault, 0, min(limit, len(m.faults)))
	for i := len(m.faults) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.faults[i])
	}
	return out, nil
}

func (m *MemoryAdapter) lookupItem(id string) (*memoryItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[id]
	return e, ok
}

func (m *MemoryAdapter) lookupReservation(id string) (*memoryReservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.reservations[id]
	return e, ok
}
