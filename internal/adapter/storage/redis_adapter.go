package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

const (
	stockListKeyPrefix = "stocklist:"
	idempotencyKeyTTL  = 24 * time.Hour
	defaultListTTL     = 30 * time.Second
)

type RedisAdapter struct {
	client  *redis.Client
	listTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, listTTL time.Duration) *RedisAdapter {
	if listTTL <= 0 {
		listTTL = defaultListTTL
	}
	return &RedisAdapter{client: client, listTTL: listTTL}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) HasIdempotency(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisAdapter) GetStockList(ctx context.Context, block domain.Block, day time.Time) ([]domain.StockItem, bool, error) {
	raw, err := r.client.Get(ctx, stockListKey(block, day)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var items []domain.StockItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, fmt.Errorf("decode cached stock list: %w", err)
	}
	return items, true, nil
}

func (r *RedisAdapter) SetStockList(ctx context.Context, block domain.Block, day time.Time, items []domain.StockItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode stock list: %w", err)
	}
	return r.client.Set(ctx, stockListKey(block, day), raw, r.listTTL).Err()
}

func (r *RedisAdapter) InvalidateStockList(ctx context.Context, block domain.Block, day time.Time) error {
	return r.client.Del(ctx, stockListKey(block, day)).Err()
}

func stockListKey(block domain.Block, day time.Time) string {
	return stockListKeyPrefix + string(block) + ":" + day.Format(time.DateOnly)
}
