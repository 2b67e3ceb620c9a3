package oracle

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func oracles(t *testing.T) map[string]PriceOracle {
	out := map[string]PriceOracle{"memory": NewMemoryOracle()}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("parse TEST_REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		t.Cleanup(func() { rdb.Close() })
		key := "test:prices:" + uuid.NewString()
		t.Cleanup(func() { rdb.Del(context.Background(), key) })
		out["redis"] = NewRedisOracle(rdb, key)
	}
	return out
}

func TestOracle_SetAndGet(t *testing.T) {
	for name, o := range oracles(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := o.SetPrice(ctx, "reliance", d(2500)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := o.SetPrice(ctx, "reliance", d(2612.35)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			p, err := o.CurrentPrice(ctx, "reliance")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !p.Equal(d(2612.35)) {
				t.Errorf("expected latest price 2612.35, got %s", p)
			}
		})
	}
}

func TestOracle_UnknownInstrument(t *testing.T) {
	for name, o := range oracles(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := o.CurrentPrice(context.Background(), "nope"); !errors.Is(err, ErrNoPrice) {
				t.Errorf("expected ErrNoPrice, got %v", err)
			}
		})
	}
}

func TestOracle_RejectsNonPositive(t *testing.T) {
	for name, o := range oracles(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []decimal.Decimal{decimal.Zero, d(-1)} {
				if err := o.SetPrice(context.Background(), "x", p); !errors.Is(err, ErrInvalidPrice) {
					t.Errorf("SetPrice(%s): expected ErrInvalidPrice, got %v", p, err)
				}
			}
		})
	}
}
