package port

import (
	"context"
	"time"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

type StockRepository interface {
	CreateStockItem(ctx context.Context, item domain.StockItem) error

	// GetStockItem returns domain.ErrStockItemNotFound when the item is absent
	GetStockItem(ctx context.Context, itemID string) (*domain.StockItem, error)

	// ListStockItems returns items of a block offered on the calendar day of day
	ListStockItems(ctx context.Context, block domain.Block, day time.Time) ([]domain.StockItem, error)

	// DecrementStock atomically subtracts quantity only if enough stock remains.
	// Returns the remaining quantity, domain.ErrInsufficientStock or domain.ErrStockItemNotFound.
	DecrementStock(ctx context.Context, itemID string, quantity int) (int, error)
}

type ReservationRepository interface {
	CreateReservation(ctx context.Context, r domain.Reservation) error

	// GetReservation returns domain.ErrReservationNotFound when the reservation is absent
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)

	// ListReservations returns the user's reservations in a block, newest first
	ListReservations(ctx context.Context, userID string, block domain.Block) ([]domain.Reservation, error)

	// MarkPaid is a compare-and-set from pending to paid. It reports true only
	// for the single caller that performed the transition.
	MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)

	// MarkStockSettled records that the stock outcome of a paid reservation
	// (decrement or fault) has been persisted.
	MarkStockSettled(ctx context.Context, id string) error

	// ListUnsettledPaid returns paid reservations with no recorded stock
	// outcome, paid before paidBefore, oldest first.
	ListUnsettledPaid(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Reservation, error)
}

type FaultRepository interface {
	RecordFault(ctx context.Context, fault domain.ReconciliationFault) error
	ListFaults(ctx context.Context, limit int) ([]domain.ReconciliationFault, error)
}
