// Package leaderboard ranks users by net worth: wallet balance plus the
// value of their positions marked at the price of their last fill.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trade-engine/internal/model"
	"github.com/papertrade/trade-engine/internal/store"
)

// DefaultKey is the sorted set RedisBoard mirrors net worth into.
const DefaultKey = "leaderboard:net_worth"

// Board ranks users.
type Board interface {
	// Top returns at most limit entries, highest net worth first.
	Top(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)

	// Record refreshes userID's standing after a settlement.
	Record(ctx context.Context, userID string) error
}

// StoreBoard computes the ranking from the ledger on every call.
type StoreBoard struct {
	st store.Store
}

func NewStoreBoard(st store.Store) *StoreBoard {
	return &StoreBoard{st: st}
}

func (b *StoreBoard) Top(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	return b.st.Leaderboard(ctx, limit)
}

// Record is a no-op; the ledger is always current.
func (b *StoreBoard) Record(context.Context, string) error { return nil }

// Standing computes one user's unranked entry from the ledger.
func Standing(ctx context.Context, st store.Store, userID string) (model.LeaderboardEntry, error) {
	u, err := st.GetUser(ctx, userID)
	if err != nil {
		return model.LeaderboardEntry{}, err
	}
	positions, err := st.ListPositions(ctx, userID)
	if err != nil {
		return model.LeaderboardEntry{}, err
	}
	hv := decimal.Zero
	for _, p := range positions {
		hv = hv.Add(p.CurrentValue)
	}
	return model.LeaderboardEntry{
		UserID:        u.ID,
		Name:          u.Name,
		WalletBalance: u.WalletBalance,
		HoldingsValue: hv,
		NetWorth:      u.WalletBalance.Add(hv),
	}, nil
}

// RedisBoard keeps net worth in a Redis sorted set so Top is
// O(log N + M) instead of a scan of every user. The set only orders
// users; returned figures are recomputed from the ledger.
type RedisBoard struct {
	rdb *redis.Client
	st  store.Store
	key string
}

func NewRedisBoard(rdb *redis.Client, st store.Store, key string) *RedisBoard {
	if key == "" {
		key = DefaultKey
	}
	return &RedisBoard{rdb: rdb, st: st, key: key}
}

// Record sets userID's score to their current net worth.
func (b *RedisBoard) Record(ctx context.Context, userID string) error {
	e, err := Standing(ctx, b.st, userID)
	if err != nil {
		return err
	}
	score, _ := e.NetWorth.Float64()
	if err := b.rdb.ZAdd(ctx, b.key, redis.Z{Score: score, Member: userID}).Err(); err != nil {
		return fmt.Errorf("failed to update score in redis: %w", err)
	}
	return nil
}

// Warm replaces the set with every user in the ledger.
func (b *RedisBoard) Warm(ctx context.Context) error {
	entries, err := b.st.Leaderboard(ctx, 0)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.key)
	for _, e := range entries {
		score, _ := e.NetWorth.Float64()
		pipe.ZAdd(ctx, b.key, redis.Z{Score: score, Member: e.UserID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to warm leaderboard: %w", err)
	}
	slog.InfoContext(ctx, "leaderboard warmed", "users", len(entries))
	return nil
}

func (b *RedisBoard) Top(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	results, err := b.rdb.ZRevRangeWithScores(ctx, b.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top N from redis: %w", err)
	}

	entries := make([]model.LeaderboardEntry, 0, len(results))
	for _, z := range results {
		userID, _ := z.Member.(string)
		e, err := Standing(ctx, b.st, userID)
		if errors.Is(err, store.ErrNotFound) {
			b.rdb.ZRem(ctx, b.key, userID)
			continue
		}
		if err != nil {
			return nil, err
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, nil
}
