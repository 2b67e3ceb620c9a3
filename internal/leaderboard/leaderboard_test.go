package leaderboard_test

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/trade-engine/internal/leaderboard"
	"github.com/papertrade/trade-engine/internal/model"
	"github.com/papertrade/trade-engine/internal/settlement"
	"github.com/papertrade/trade-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seed creates three users; bob buys 10 @ 200 and the price of the last fill
// marks his position, so all three differ only by trading.
func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []model.User{
		{ID: "alice", Name: "Alice", WalletBalance: d("100000")},
		{ID: "bob", Name: "Bob", WalletBalance: d("100000")},
		{ID: "carol", Name: "Carol", WalletBalance: d("50000")},
	} {
		u := u
		require.NoError(t, st.CreateUser(ctx, &u))
	}
	require.NoError(t, st.CreateInstrument(ctx, &model.Instrument{ID: "tcs", Symbol: "TCS", Name: "TCS"}))

	eng := settlement.NewEngine(st, settlement.Options{})
	_, err := eng.Settle(ctx, settlement.Request{UserID: "bob", InstrumentID: "tcs", Side: model.SideBuy, Quantity: 10, Price: d("200")})
	require.NoError(t, err)
	// Sell one at a higher price: the remaining 9 are marked at 300.
	_, err = eng.Settle(ctx, settlement.Request{UserID: "bob", InstrumentID: "tcs", Side: model.SideSell, Quantity: 1, Price: d("300")})
	require.NoError(t, err)
}

func TestStanding(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)

	e, err := leaderboard.Standing(context.Background(), st, "bob")
	require.NoError(t, err)
	// 100000 - 2000 + 300 = 98300 cash, 9 * 300 = 2700 held.
	assert.True(t, d("98300").Equal(e.WalletBalance), e.WalletBalance.String())
	assert.True(t, d("2700").Equal(e.HoldingsValue), e.HoldingsValue.String())
	assert.True(t, d("101000").Equal(e.NetWorth), e.NetWorth.String())

	_, err = leaderboard.Standing(context.Background(), st, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreBoard_Top(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	b := leaderboard.NewStoreBoard(st)

	top, err := b.Top(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "bob", top[0].UserID)
	assert.Equal(t, 1, top[0].Rank)
	assert.Equal(t, "alice", top[1].UserID)
	assert.Equal(t, 2, top[1].Rank)

	assert.NoError(t, b.Record(context.Background(), "bob"))
}

func TestRedisBoard(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	key := "test:" + t.Name()
	t.Cleanup(func() { rdb.Del(context.Background(), key) })

	st := store.NewMemoryStore()
	seed(t, st)
	b := leaderboard.NewRedisBoard(rdb, st, key)
	require.NoError(t, b.Warm(ctx))

	top, err := b.Top(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, []string{"bob", "alice", "carol"}, []string{top[0].UserID, top[1].UserID, top[2].UserID})
	assert.Equal(t, 3, top[2].Rank)

	// Carol overtakes once her wallet changes and she is recorded again.
	require.NoError(t, st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockUser(ctx, "carol"); err != nil {
			return err
		}
		return tx.SetWalletBalance(ctx, "carol", d("500000"))
	}))
	require.NoError(t, b.Record(ctx, "carol"))

	top, err = b.Top(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "carol", top[0].UserID)
	assert.True(t, d("500000").Equal(top[0].NetWorth))
}
