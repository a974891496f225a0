package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/port"
)

const (
	defaultFaultLimit  = 100
	listingLoadTimeout = 5 * time.Second
)

type CreateItemInput struct {
	Name     string
	Price    decimal.Decimal
	Quantity int
	Block    string
	Date     time.Time
}

// StockCatalog is the operator and browsing side of stock: creating items,
// listing them per block and day, and reviewing reconciliation faults.
type StockCatalog struct {
	repo   port.StockRepository
	faults port.FaultRepository
	cache  port.CacheRepository
	log    *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewStockCatalog wires a catalog. cache may be nil.
func NewStockCatalog(log *slog.Logger, repo port.StockRepository, faults port.FaultRepository, cache port.CacheRepository) *StockCatalog {
	return &StockCatalog{
		repo:   repo,
		faults: faults,
		cache:  cache,
		log:    log,
		now:    time.Now,
	}
}

func (c *StockCatalog) CreateItem(ctx context.Context, who domain.Identity, in CreateItemInput) (*domain.StockItem, error) {
	if !who.IsOwner() {
		return nil, fmt.Errorf("%w: only owners manage stock", domain.ErrForbidden)
	}

	now := c.now().UTC()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	item := domain.StockItem{
		ID:        uuid.NewString(),
		Name:      in.Name,
		UnitPrice: in.Price,
		Quantity:  in.Quantity,
		Block:     domain.Block(in.Block),
		Date:      date.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if err := c.repo.CreateStockItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create stock item: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.InvalidateStockList(ctx, item.Block, item.Date); err != nil {
			c.log.Warn("stock listing invalidation failed", "item_id", item.ID, "err", err)
		}
	}
	c.log.Info("stock item created", "item_id", item.ID, "name", item.Name, "block", item.Block, "quantity", item.Quantity)
	return &item, nil
}

func (c *StockCatalog) Get(ctx context.Context, id string) (*domain.StockItem, error) {
	return c.repo.GetStockItem(ctx, id)
}

// ListByBlockAndDate serves the listing through the cache when available.
// Concurrent misses for the same key share one repository read.
func (c *StockCatalog) ListByBlockAndDate(ctx context.Context, block string, day time.Time) ([]domain.StockItem, error) {
	b, err := domain.ParseBlock(block)
	if err != nil {
		return nil, err
	}
	day = domain.Day(day)

	if c.cache == nil {
		return c.repo.ListStockItems(ctx, b, day)
	}

	if items, found, err := c.cache.GetStockList(ctx, b, day); err != nil {
		c.log.Warn("stock listing cache read failed", "block", b, "err", err)
	} else if found {
		return items, nil
	}

	key := fmt.Sprintf("%s|%s", b, day.Format(time.DateOnly))
	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), listingLoadTimeout)
		defer cancel()

		items, err := c.repo.ListStockItems(loadCtx, b, day)
		if err != nil {
			return nil, err
		}
		if err := c.cache.SetStockList(loadCtx, b, day, items); err != nil {
			c.log.Warn("stock listing cache write failed", "block", b, "err", err)
		}
		return items, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("list stock: %w", res.Err)
		}
		return res.Val.([]domain.StockItem), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListFaults returns the most recent reconciliation faults for operators.
func (c *StockCatalog) ListFaults(ctx context.Context, who domain.Identity, limit int) ([]domain.ReconciliationFault, error) {
	if !who.IsOwner() {
		return nil, fmt.Errorf("%w: only owners review faults", domain.ErrForbidden)
	}
	if limit <= 0 {
		limit = defaultFaultLimit
	}
	return c.faults.ListFaults(ctx, limit)
}
