package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work take per-row locks (one per user, one per user×instrument)
// and buffer their writes; the buffer is applied under the store mutex on
// commit, so other readers never observe a partial unit.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	instruments  map[string]*model.Instrument
	positions    map[positionKey]*model.Position
	orders       []model.Order
	transactions []model.Transaction

	locks *rowLocks
}

type positionKey struct {
	userID       string
	instrumentID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		instruments: make(map[string]*model.Instrument),
		positions:   make(map[positionKey]*model.Position),
		locks:       newRowLocks(),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	for _, existing := range s.users {
		if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("email %s: %w", u.Email, ErrDuplicate)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instruments {
		if existing.ID == inst.ID || existing.Symbol == inst.Symbol {
			return fmt.Errorf("instrument %s: %w", inst.Symbol, ErrDuplicate)
		}
	}
	copy := *inst
	s.instruments[inst.ID] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getInstrumentLocked(id)
}

func (s *MemoryStore) getInstrumentLocked(id string) (*model.Instrument, error) {
	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) GetInstrumentBySymbol(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instruments {
		if inst.Symbol == symbol {
			copy := *inst
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{userID, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, instrumentID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPositionsLocked(userID), nil
}

func (s *MemoryStore) listPositionsLocked(userID string) []model.Position {
	var out []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].UserID == userID {
			out = append(out, s.orders[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == userID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

// Leaderboard ranks users by wallet + Σ position current value.
func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holdings := make(map[string]decimal.Decimal)
	for k, p := range s.positions {
		holdings[k.userID] = holdings[k.userID].Add(p.CurrentValue)
	}

	entries := make([]model.LeaderboardEntry, 0, len(s.users))
	for _, u := range s.users {
		hv := holdings[u.ID]
		entries = append(entries, model.LeaderboardEntry{
			UserID:        u.ID,
			Name:          u.Name,
			WalletBalance: u.WalletBalance,
			HoldingsValue: hv,
			NetWorth:      u.WalletBalance.Add(hv),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].NetWorth.Cmp(entries[j].NetWorth); c != 0 {
			return c > 0
		}
		return entries[i].UserID < entries[j].UserID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// RunInTx runs fn against a buffered transaction. Row locks are released
// after the buffer is applied or discarded.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		s:         s,
		held:      make(map[string]bool),
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[positionKey]model.Position),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", ErrUnavailable)
	}
	tx.commit()
	return nil
}

// memTx buffers writes until commit.
type memTx struct {
	s     *MemoryStore
	held  map[string]bool
	order []string // acquisition order, released in reverse

	balances     map[string]decimal.Decimal
	positions    map[positionKey]model.Position
	orders       []model.Order
	transactions []model.Transaction
}

func userLockKey(userID string) string { return "user:" + userID }
func positionLockKey(userID, instrumentID string) string {
	return "position:" + userID + ":" + instrumentID
}

func (t *memTx) acquire(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.lock(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.locks.unlock(t.order[i])
	}
	t.order = nil
	t.held = map[string]bool{}
}

func (t *memTx) LockUser(ctx context.Context, userID string) (*model.User, error) {
	if err := t.acquire(ctx, userLockKey(userID)); err != nil {
		return nil, err
	}
	u, err := t.s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal, ok := t.balances[userID]; ok {
		u.WalletBalance = bal
	}
	return u, nil
}

func (t *memTx) LockPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	if err := t.acquire(ctx, positionLockKey(userID, instrumentID)); err != nil {
		return nil, err
	}
	if p, ok := t.positions[positionKey{userID, instrumentID}]; ok {
		return &p, nil
	}
	return t.s.GetPosition(ctx, userID, instrumentID)
}

func (t *memTx) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return t.s.GetInstrument(ctx, id)
}

func (t *memTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	committed, err := t.s.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	out := make([]model.Position, 0, len(committed))
	for _, p := range committed {
		if pending, ok := t.positions[positionKey{userID, p.InstrumentID}]; ok {
			p = pending
		}
		seen[p.InstrumentID] = true
		out = append(out, p)
	}
	for k, p := range t.positions {
		if k.userID == userID && !seen[k.instrumentID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	t.orders = append(t.orders, *o)
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	t.transactions = append(t.transactions, *txn)
	return nil
}

func (t *memTx) SetWalletBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	if !t.held[userLockKey(userID)] {
		return fmt.Errorf("user %s: %w", userID, ErrNotLocked)
	}
	t.balances[userID] = balance
	return nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if !t.held[positionLockKey(p.UserID, p.InstrumentID)] {
		return fmt.Errorf("position %s/%s: %w", p.UserID, p.InstrumentID, ErrNotLocked)
	}
	t.positions[positionKey{p.UserID, p.InstrumentID}] = *p
	return nil
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, bal := range t.balances {
		if u, ok := s.users[id]; ok {
			u.WalletBalance = bal
		}
	}
	for k, p := range t.positions {
		copy := p
		s.positions[k] = &copy
	}
	s.orders = append(s.orders, t.orders...)
	s.transactions = append(s.transactions, t.transactions...)
}

// rowLocks hands out one exclusive, context-aware lock per key. A slot lives
// only while someone holds or waits on it.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]*lockSlot)}
}

func (l *rowLocks) acquire(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.slots[key]
	if !ok {
		sl = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = sl
	}
	sl.refs++
	return sl
}

// release drops one reference; l.mu must be held.
func (l *rowLocks) release(key string, sl *lockSlot) {
	sl.refs--
	if sl.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *rowLocks) lock(ctx context.Context, key string) error {
	sl := l.acquire(key)
	select {
	case sl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.release(key, sl)
		l.mu.Unlock()
		return fmt.Errorf("lock %s: %w", key, ErrUnavailable)
	}
}

func (l *rowLocks) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl := l.slots[key]
	<-sl.ch
	l.release(key, sl)
}

// size reports how many keys are held or awaited.
func (l *rowLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
