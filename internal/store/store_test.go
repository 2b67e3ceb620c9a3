package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// backends returns every store implementation available in this environment.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": newSQLiteTestStore,
	}
	if os.Getenv("TEST_DATABASE_URL") != "" {
		out["postgres"] = newPostgresTestStore
	}
	if os.Getenv("TEST_REDIS_URL") != "" {
		out["redis+memory"] = func(t *testing.T) Store {
			opts, err := redis.ParseURL(os.Getenv("TEST_REDIS_URL"))
			require.NoError(t, err)
			rdb := redis.NewClient(opts)
			t.Cleanup(func() { rdb.Close() })
			return NewCachedStore(NewMemoryStore(), rdb, time.Minute)
		}
	}
	return out
}

func newSQLiteTestStore(t *testing.T) Store {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newPostgresTestStore(t *testing.T) Store {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, os.Getenv("TEST_DATABASE_URL"))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool, time.Second)
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE transactions, orders, positions, instruments, users`)
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s Store) (*model.User, *model.Instrument) {
	t.Helper()
	ctx := context.Background()
	u := &model.User{
		ID:            uuid.NewString(),
		Name:          "Asha",
		Email:         uuid.NewString() + "@example.com",
		WalletBalance: d(100000),
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateUser(ctx, u))

	inst := &model.Instrument{
		ID:        uuid.NewString(),
		Symbol:    "RELIANCE",
		Name:      "Reliance Industries",
		Sector:    "Energy",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateInstrument(ctx, inst))
	return u, inst
}

// buyInTx writes the rows a BUY settlement would write.
func buyInTx(ctx context.Context, tx Tx, u *model.User, inst *model.Instrument, qty int64, price decimal.Decimal) error {
	locked, err := tx.LockUser(ctx, u.ID)
	if err != nil {
		return err
	}
	pos, err := tx.LockPosition(ctx, u.ID, inst.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if pos == nil {
		pos = &model.Position{UserID: u.ID, InstrumentID: inst.ID}
	}
	cost := price.Mul(decimal.NewFromInt(qty))
	pos.Quantity += qty
	pos.TotalInvested = pos.TotalInvested.Add(cost)
	pos.AvgCost = pos.TotalInvested.Div(decimal.NewFromInt(pos.Quantity))
	pos.CurrentValue = price.Mul(decimal.NewFromInt(pos.Quantity))
	pos.ProfitLoss = pos.CurrentValue.Sub(pos.TotalInvested)
	pos.UpdatedAt = time.Now().UTC()

	now := time.Now().UTC()
	order := &model.Order{
		ID: uuid.NewString(), UserID: u.ID, InstrumentID: inst.ID,
		Side: model.SideBuy, Quantity: qty, Price: &price,
		Status: model.OrderStatusExecuted, CreatedAt: now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return err
	}
	if err := tx.InsertTransaction(ctx, &model.Transaction{
		ID: uuid.NewString(), OrderID: order.ID, UserID: u.ID, InstrumentID: inst.ID,
		Action: model.SideBuy, Quantity: qty, Price: price, Timestamp: now,
	}); err != nil {
		return err
	}
	if err := tx.SetWalletBalance(ctx, u.ID, locked.WalletBalance.Sub(cost)); err != nil {
		return err
	}
	return tx.UpsertPosition(ctx, pos)
}

func TestStore_UsersAndInstruments(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			u, inst := seed(t, s)

			got, err := s.GetUser(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, u.Name, got.Name)
			assert.True(t, got.WalletBalance.Equal(d(100000)), "balance %s", got.WalletBalance)

			_, err = s.GetUser(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			bySym, err := s.GetInstrumentBySymbol(ctx, "RELIANCE")
			require.NoError(t, err)
			assert.Equal(t, inst.ID, bySym.ID)
			assert.Equal(t, "Energy", bySym.Sector)

			dup := *inst
			dup.ID = uuid.NewString()
			assert.ErrorIs(t, s.CreateInstrument(ctx, &dup), ErrDuplicate)

			list, err := s.ListInstruments(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestStore_DuplicateEmailIgnoresCase(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			first := &model.User{ID: uuid.NewString(), Name: "a", Email: "trader@example.com",
				WalletBalance: d(100000), CreatedAt: time.Now().UTC()}
			require.NoError(t, s.CreateUser(ctx, first))

			second := &model.User{ID: uuid.NewString(), Name: "b", Email: "TRADER@example.com",
				WalletBalance: d(100000), CreatedAt: time.Now().UTC()}
			assert.ErrorIs(t, s.CreateUser(ctx, second), ErrDuplicate)
		})
	}
}

func TestStore_RunInTxCommits(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			u, inst := seed(t, s)

			err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
				return buyInTx(ctx, tx, u, inst, 10, d(2500))
			})
			require.NoError(t, err)

			got, err := s.GetUser(ctx, u.ID)
			require.NoError(t, err)
			assert.True(t, got.WalletBalance.Equal(d(75000)), "balance %s", got.WalletBalance)

			pos, err := s.GetPosition(ctx, u.ID, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(10), pos.Quantity)
			assert.True(t, pos.AvgCost.Equal(d(2500)), "avg %s", pos.AvgCost)

			orders, err := s.ListOrders(ctx, u.ID)
			require.NoError(t, err)
			require.Len(t, orders, 1)
			assert.Equal(t, model.OrderStatusExecuted, orders[0].Status)
			require.NotNil(t, orders[0].Price)
			assert.True(t, orders[0].Price.Equal(d(2500)))

			txns, err := s.ListTransactions(ctx, u.ID)
			require.NoError(t, err)
			require.Len(t, txns, 1)
			assert.Equal(t, orders[0].ID, txns[0].OrderID)
		})
	}
}

func TestStore_RunInTxRollsBackOnError(t *testing.T) {
	boom := errors.New("boom")
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			u, inst := seed(t, s)

			err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
				if err := buyInTx(ctx, tx, u, inst, 10, d(2500)); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			got, err := s.GetUser(ctx, u.ID)
			require.NoError(t, err)
			assert.True(t, got.WalletBalance.Equal(d(100000)), "balance changed to %s", got.WalletBalance)

			_, err = s.GetPosition(ctx, u.ID, inst.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			orders, err := s.ListOrders(ctx, u.ID)
			require.NoError(t, err)
			assert.Empty(t, orders)

			txns, err := s.ListTransactions(ctx, u.ID)
			require.NoError(t, err)
			assert.Empty(t, txns)
		})
	}
}

func TestStore_LockUserMissing(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
				_, err := tx.LockUser(ctx, "nobody")
				return err
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_HistoryNewestFirst(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			u, inst := seed(t, s)

			for _, qty := range []int64{1, 2, 3} {
				require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
					return buyInTx(ctx, tx, u, inst, qty, d(100))
				}))
				time.Sleep(2 * time.Millisecond)
			}

			orders, err := s.ListOrders(ctx, u.ID)
			require.NoError(t, err)
			require.Len(t, orders, 3)
			assert.Equal(t, int64(3), orders[0].Quantity)
			assert.Equal(t, int64(1), orders[2].Quantity)

			txns, err := s.ListTransactions(ctx, u.ID)
			require.NoError(t, err)
			require.Len(t, txns, 3)
			assert.Equal(t, int64(3), txns[0].Quantity)
		})
	}
}

func TestStore_Leaderboard(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			trader, inst := seed(t, s)

			idle := &model.User{ID: uuid.NewString(), Name: "Idle", Email: "idle@example.com",
				WalletBalance: d(100000), CreatedAt: time.Now().UTC()}
			require.NoError(t, s.CreateUser(ctx, idle))

			// Buy at 100 and mark at 100: net worth unchanged. Then buy again
			// at 200, which marks the whole position at 200.
			require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
				return buyInTx(ctx, tx, trader, inst, 10, d(100))
			}))
			require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
				return buyInTx(ctx, tx, trader, inst, 10, d(200))
			}))

			board, err := s.Leaderboard(ctx, 10)
			require.NoError(t, err)
			require.Len(t, board, 2)
			assert.Equal(t, trader.ID, board[0].UserID)
			assert.Equal(t, 1, board[0].Rank)
			// 100000 - 1000 - 2000 + 20*200
			assert.True(t, board[0].NetWorth.Equal(d(101000)), "net worth %s", board[0].NetWorth)
			assert.Equal(t, idle.ID, board[1].UserID)

			top, err := s.Leaderboard(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, top, 1)

			// limit <= 0 returns every user, beyond any default page size.
			for i := range 11 {
				u := &model.User{ID: uuid.NewString(), Name: fmt.Sprintf("Extra %d", i),
					Email: uuid.NewString() + "@example.com", WalletBalance: d(float64(i)), CreatedAt: time.Now().UTC()}
				require.NoError(t, s.CreateUser(ctx, u))
			}
			all, err := s.Leaderboard(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 13)
			assert.Equal(t, 13, all[12].Rank)
		})
	}
}

func TestCachedStore_WalletReadsSeeCommittedSettlement(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	u, inst := seed(t, s)

	// A read before the settlement, plus a stale row left under the key an
	// older build cached users at, must not shadow the committed balance.
	before, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, before.WalletBalance.Equal(d(100000)))
	require.NoError(t, rdb.Set(ctx, "user:"+u.ID, `{"walletBalance":"100000"}`, time.Minute).Err())
	t.Cleanup(func() { rdb.Del(context.Background(), "user:"+u.ID) })

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return buyInTx(ctx, tx, u, inst, 10, d(100))
	}))

	after, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, after.WalletBalance.Equal(d(99000)), "balance %s", after.WalletBalance)

	positions, err := s.ListPositions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Quantity)

	// Instruments are still served from Redis.
	got, err := s.GetInstrumentBySymbol(ctx, inst.Symbol)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	cached, err := rdb.Get(ctx, symbolKey(inst.Symbol)).Result()
	require.NoError(t, err)
	assert.Equal(t, inst.ID, cached)
}

func TestMemoryStore_WriteWithoutLock(t *testing.T) {
	s := NewMemoryStore()
	u, inst := seed(t, s)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SetWalletBalance(ctx, u.ID, d(1))
	})
	assert.ErrorIs(t, err, ErrNotLocked)

	err = s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.UpsertPosition(ctx, &model.Position{UserID: u.ID, InstrumentID: inst.ID, Quantity: 1})
	})
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	s := NewMemoryStore()
	u, _ := seed(t, s)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockUser(ctx, u.ID); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockUser(ctx, u.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryStore_LocksReleasedAfterUse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, inst := seed(t, s)

	for i := range 50 {
		u := &model.User{ID: uuid.NewString(), Name: fmt.Sprintf("Trader %d", i),
			Email: uuid.NewString() + "@example.com", WalletBalance: d(1000), CreatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateUser(ctx, u))
		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			return buyInTx(ctx, tx, u, inst, 1, d(10))
		}))
		// A unit that fails still gives its locks back.
		err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockUser(ctx, u.ID); err != nil {
				return err
			}
			return errors.New("boom")
		})
		require.Error(t, err)
	}
	assert.Zero(t, s.locks.size())
}

func TestMemoryStore_LockWaiterTimeoutKeepsHolderSlot(t *testing.T) {
	s := NewMemoryStore()
	u, _ := seed(t, s)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockUser(ctx, u.ID); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockUser(ctx, u.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, s.locks.size())

	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, s.locks.size())
}

func TestMemoryStore_TxSeesOwnWrites(t *testing.T) {
	s := NewMemoryStore()
	u, inst := seed(t, s)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := buyInTx(ctx, tx, u, inst, 4, d(50)); err != nil {
			return err
		}
		locked, err := tx.LockUser(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, locked.WalletBalance.Equal(d(99800)))

		positions, err := tx.ListPositions(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, int64(4), positions[0].Quantity)

		// Not visible outside the unit until commit.
		_, err = s.GetPosition(ctx, u.ID, inst.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := NewSQLiteStore(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	u, _ := seed(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, time.Second)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Migrate(ctx))

	got, err := reopened.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.True(t, u.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", got.CreatedAt, u.CreatedAt)
}

func TestPgError(t *testing.T) {
	assert.ErrorIs(t, pgError(context.DeadlineExceeded), ErrUnavailable)
	assert.NoError(t, pgError(nil))
	other := errors.New("other")
	assert.Equal(t, other, pgError(other))
}
