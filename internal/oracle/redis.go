package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// DefaultPricesKey is the Redis hash holding instrumentID → price.
const DefaultPricesKey = "prices:latest"

// RedisOracle keeps latest prices in a Redis hash so every replica, and
// any external price feed writing the same hash, agrees on the price.
type RedisOracle struct {
	rdb *redis.Client
	key string
}

// NewRedisOracle creates an oracle over the hash at key.
func NewRedisOracle(rdb *redis.Client, key string) *RedisOracle {
	if key == "" {
		key = DefaultPricesKey
	}
	return &RedisOracle{rdb: rdb, key: key}
}

func (o *RedisOracle) CurrentPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	raw, err := o.rdb.HGet(ctx, o.key, instrumentID).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, instrumentID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: hget %s: %w", instrumentID, err)
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: parse price %q: %w", raw, err)
	}
	return p, nil
}

func (o *RedisOracle) SetPrice(ctx context.Context, instrumentID string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	if err := o.rdb.HSet(ctx, o.key, instrumentID, price.String()).Err(); err != nil {
		return fmt.Errorf("oracle: hset %s: %w", instrumentID, err)
	}
	return nil
}
