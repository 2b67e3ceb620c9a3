package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/trade-engine/internal/config"
	"github.com/papertrade/trade-engine/internal/events"
	"github.com/papertrade/trade-engine/internal/instrument"
	"github.com/papertrade/trade-engine/internal/leaderboard"
	"github.com/papertrade/trade-engine/internal/metrics"
	"github.com/papertrade/trade-engine/internal/oracle"
	"github.com/papertrade/trade-engine/internal/risk"
	"github.com/papertrade/trade-engine/internal/settlement"
	"github.com/papertrade/trade-engine/internal/store"
	"github.com/papertrade/trade-engine/internal/telemetry"
	"github.com/papertrade/trade-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.Tracing.ServiceName, cfg.Logging.Level)

	if err := run(cfg, logger); err != nil {
		slog.Error("trade-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("trade-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Tracing ---
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("tracer shutdown error", "err", err)
		}
	})
	if cfg.Tracing.Endpoint != "" {
		slog.Info("OpenTelemetry tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Redis (cache, prices, leaderboard) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	}

	var prices oracle.PriceOracle = oracle.NewMemoryOracle()
	var board leaderboard.Board = leaderboard.NewStoreBoard(st)
	if rdb != nil {
		prices = oracle.NewRedisOracle(rdb, cfg.Redis.PricesKey)
		rb := leaderboard.NewRedisBoard(rdb, st, cfg.Redis.LeaderboardKey)
		if err := rb.Warm(ctx); err != nil {
			return err
		}
		board = rb
	}

	// --- Instruments ---
	if cfg.Instruments.Seed {
		if _, err := instrument.Seed(ctx, st, prices, instrument.DefaultCatalogue()); err != nil {
			return err
		}
	}
	dir, err := instrument.NewDirectory(st, cfg.Instruments.CacheSize, cfg.Instruments.CacheTTL)
	if err != nil {
		return fmt.Errorf("instrument cache: %w", err)
	}
	cleanup = append(cleanup, dir.Close)

	// --- Settlement engine ---
	perInstrument, perSector, err := cfg.RiskLimits()
	if err != nil {
		return err
	}
	var limiter *risk.ExposureLimiter
	if perInstrument.IsPositive() || perSector.IsPositive() {
		limiter = risk.NewExposureLimiter(perInstrument, perSector)
		slog.Info("exposure limits enabled",
			"max_per_instrument", perInstrument.String(),
			"max_per_sector", perSector.String(),
		)
	}
	engine := settlement.NewEngine(st, settlement.Options{
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		BaseBackoff:    cfg.Settlement.BaseBackoff,
		StorageTimeout: cfg.Settlement.StorageTimeout,
		Limiter:        limiter,
		Logger:         logger,
	})

	// --- Events ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	cleanup = append(cleanup, stopHub)
	hub := events.NewHub()
	go hub.Run(hubCtx)

	fanout := events.NewFanout()
	fanout.Add("ws", hub)
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { nc.Close() })
		fanout.Add("nats", nc)
		slog.Info("NATS publishing enabled", "subject", cfg.NATS.Subject)
	}

	// --- Trade service ---
	startingBalance, err := cfg.StartingBalance()
	if err != nil {
		return err
	}
	tradeSvc := trade.NewService(trade.Deps{
		Store:           st,
		Engine:          engine,
		Instruments:     dir,
		Prices:          prices,
		Publisher:       fanout,
		Board:           board,
		StartingBalance: startingBalance,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of executed trades. Outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			tradeSvc.Mount(r)
		})
	})

	// --- Server ---
	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("trade-engine listening", "addr", addr, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

// openStore connects the configured ledger backend and applies its schema
// when migrations are enabled.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping: %w", err)
		}
		pg := store.NewPostgresStore(pool, cfg.Storage.LockTimeout)
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		slog.Info("connected to PostgreSQL")
		return pg, pool.Close, nil

	case config.DriverSQLite:
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.Storage.LockTimeout)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Migrate {
			if err := lite.Migrate(ctx); err != nil {
				lite.Close()
				return nil, nil, err
			}
		}
		slog.Info("opened SQLite ledger", "path", cfg.Storage.SQLitePath)
		return lite, func() { lite.Close() }, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}
