package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/port"
)

// StockLedger owns per-item available quantity.
type StockLedger struct {
	repo  port.StockRepository
	cache port.CacheRepository
	log   *slog.Logger
}

// NewStockLedger builds a ledger over repo. cache may be nil.
func NewStockLedger(log *slog.Logger, repo port.StockRepository, cache port.CacheRepository) *StockLedger {
	return &StockLedger{repo: repo, cache: cache, log: log}
}

// CheckAvailability is an advisory read. It does not hold the quantity, so a
// later Decrement may still fail.
func (l *StockLedger) CheckAvailability(ctx context.Context, itemID string, quantity int) (*domain.StockItem, error) {
	item, err := l.repo.GetStockItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("load stock item %s: %w", itemID, err)
	}
	if item.Quantity < quantity {
		return item, fmt.Errorf("item %s has %d, requested %d: %w", itemID, item.Quantity, quantity, domain.ErrInsufficientStock)
	}
	return item, nil
}

// Decrement subtracts quantity from the item only if enough remains. Two
// concurrent decrements that together exceed the stock never both succeed.
func (l *StockLedger) Decrement(ctx context.Context, itemID string, quantity int) (int, error) {
	if quantity < 1 {
		return 0, fmt.Errorf("%w: decrement quantity must be positive", domain.ErrValidation)
	}

	remaining, err := l.repo.DecrementStock(ctx, itemID, quantity)
	if err != nil {
		return 0, fmt.Errorf("decrement stock %s: %w", itemID, err)
	}

	l.invalidateListing(ctx, itemID)
	return remaining, nil
}

func (l *StockLedger) invalidateListing(ctx context.Context, itemID string) {
	if l.cache == nil {
		return
	}
	item, err := l.repo.GetStockItem(ctx, itemID)
	if err != nil {
		l.log.Warn("stock listing invalidation skipped", "item_id", itemID, "err", err)
		return
	}
	if err := l.cache.InvalidateStockList(ctx, item.Block, item.Date); err != nil {
		l.log.Warn("stock listing invalidation failed", "item_id", itemID, "err", err)
	}
}
