package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/trade-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// instrument rows. Instruments never change once listed, so a cached copy
// can never go stale.
//
// Wallets and positions change on every settlement and are always read from
// the primary. A reader racing a commit could otherwise cache the
// pre-commit row after it had been evicted.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, populate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

// RunInTx always runs against the primary: row locks and balance checks
// never see cached data.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.primary.RunInTx(ctx, fn)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	if s.load(ctx, instrumentKey(id), &inst) {
		return &inst, nil
	}

	got, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, got)
	return got, nil
}

func (s *CachedStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	// Try cache via symbol→instrumentID mapping.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetInstrument(ctx, id)
	}

	// Cache miss.
	inst, err := s.primary.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, userID)
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, instrumentID)
}

func (s *CachedStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, userID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	return s.primary.Leaderboard(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	s.cache(ctx, instrumentKey(inst.ID), inst)
	s.rdb.Set(ctx, symbolKey(inst.Symbol), inst.ID, s.ttl)
}

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func symbolKey(sym string) string    { return fmt.Sprintf("symbol:%s", sym) }
