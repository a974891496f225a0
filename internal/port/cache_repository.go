package port

import (
	"context"
	"time"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// HasIdempotency reports whether the key was already set
	HasIdempotency(ctx context.Context, key string) (bool, error)

	// GetStockList returns a cached listing; found is false on a miss
	GetStockList(ctx context.Context, block domain.Block, day time.Time) (items []domain.StockItem, found bool, err error)

	SetStockList(ctx context.Context, block domain.Block, day time.Time, items []domain.StockItem) error

	// InvalidateStockList drops the cached listing after stock changes
	InvalidateStockList(ctx context.Context, block domain.Block, day time.Time) error
}
