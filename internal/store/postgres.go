package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Units of work run at READ COMMITTED with SELECT ... FOR UPDATE on the
// user row and then the position row; lock waits are bounded by
// lock_timeout.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	email          TEXT NOT NULL DEFAULT '',
	wallet_balance NUMERIC NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (lower(email)) WHERE email <> '';
CREATE TABLE IF NOT EXISTS instruments (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	sector     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	user_id        TEXT NOT NULL REFERENCES users(id),
	instrument_id  TEXT NOT NULL REFERENCES instruments(id),
	quantity       BIGINT NOT NULL CHECK (quantity >= 0),
	avg_cost       NUMERIC NOT NULL,
	current_value  NUMERIC NOT NULL,
	total_invested NUMERIC NOT NULL,
	profit_loss    NUMERIC NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, instrument_id)
);
CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	side          TEXT NOT NULL,
	quantity      BIGINT NOT NULL CHECK (quantity > 0),
	price         NUMERIC,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL UNIQUE REFERENCES orders(id),
	user_id       TEXT NOT NULL REFERENCES users(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	action        TEXT NOT NULL,
	quantity      BIGINT NOT NULL,
	price         NUMERIC NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, timestamp DESC);
`

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return pgError(err)
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, wallet_balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		u.ID, u.Name, u.Email, u.WalletBalance.String(), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, pgError(err))
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, email, wallet_balance::TEXT, created_at FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name, sector, created_at) VALUES ($1, $2, $3, $4, $5)`,
		inst.ID, inst.Symbol, inst.Name, inst.Sector, inst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create instrument %s: %w", inst.Symbol, pgError(err))
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, sector, created_at FROM instruments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, sector, created_at FROM instruments WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, fmt.Errorf("get instrument by symbol %s: %w", symbol, err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, sector, created_at FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, pgError(rows.Err())
}

const positionColumns = `user_id, instrument_id, quantity, avg_cost::TEXT, current_value::TEXT,
		        total_invested::TEXT, profit_loss::TEXT, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID))
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, instrumentID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPostgresPositions(ctx, s.pool, userID)
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, side, quantity, price::TEXT, status, created_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var o model.Order
		var price *string
		if err := rows.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Side, &o.Quantity,
			&price, &o.Status, &o.CreatedAt); err != nil {
			return nil, pgError(err)
		}
		if o.Price, err = parseOptionalDecimal(price); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, pgError(rows.Err())
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, user_id, instrument_id, action, quantity, price::TEXT, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var price string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.InstrumentID, &t.Action,
			&t.Quantity, &price, &t.Timestamp); err != nil {
			return nil, pgError(err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse transaction price: %w", err)
		}
		out = append(out, t)
	}
	return out, pgError(rows.Err())
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	// LIMIT NULL is LIMIT ALL.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.name, u.wallet_balance::TEXT,
		        COALESCE(SUM(p.current_value), 0)::TEXT AS holdings_value
		 FROM users u
		 LEFT JOIN positions p ON p.user_id = u.id
		 GROUP BY u.id, u.name, u.wallet_balance
		 ORDER BY u.wallet_balance + COALESCE(SUM(p.current_value), 0) DESC, u.id
		 LIMIT $1::BIGINT`, lim)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var out []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var wallet, holdings string
		if err := rows.Scan(&e.UserID, &e.Name, &wallet, &holdings); err != nil {
			return nil, pgError(err)
		}
		if e.WalletBalance, err = decimal.NewFromString(wallet); err != nil {
			return nil, fmt.Errorf("parse wallet balance: %w", err)
		}
		if e.HoldingsValue, err = decimal.NewFromString(holdings); err != nil {
			return nil, fmt.Errorf("parse holdings value: %w", err)
		}
		e.NetWorth = e.WalletBalance.Add(e.HoldingsValue)
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	return out, pgError(rows.Err())
}

// RunInTx runs fn inside a READ COMMITTED transaction with a bounded
// lock wait.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", pgError(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.Background())
		}
	}()

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return fmt.Errorf("set lock_timeout: %w", pgError(err))
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", pgError(err))
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUser(ctx context.Context, userID string) (*model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		`SELECT id, name, email, wallet_balance::TEXT, created_at
		 FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", userID, err)
	}
	return u, nil
}

func (t *pgTx) LockPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND instrument_id = $2 FOR UPDATE`,
		userID, instrumentID))
	if err != nil {
		return nil, fmt.Errorf("lock position %s/%s: %w", userID, instrumentID, err)
	}
	return p, nil
}

func (t *pgTx) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(t.tx.QueryRow(ctx,
		`SELECT id, symbol, name, sector, created_at FROM instruments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	return inst, nil
}

func (t *pgTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPostgresPositions(ctx, t.tx, userID)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	var price *string
	if o.Price != nil {
		s := o.Price.String()
		price = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, instrument_id, side, quantity, price, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		o.ID, o.UserID, o.InstrumentID, string(o.Side), o.Quantity, price, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", pgError(err))
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, order_id, user_id, instrument_id, action, quantity, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		txn.ID, txn.OrderID, txn.UserID, txn.InstrumentID, string(txn.Action),
		txn.Quantity, txn.Price.String(), txn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", pgError(err))
	}
	return nil
}

func (t *pgTx) SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET wallet_balance = $2::NUMERIC WHERE id = $1`, userID, balance.String())
	if err != nil {
		return fmt.Errorf("update wallet %s: %w", userID, pgError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update wallet %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, instrument_id, quantity, avg_cost, current_value,
		                        total_invested, profit_loss, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (user_id, instrument_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     avg_cost = EXCLUDED.avg_cost,
		     current_value = EXCLUDED.current_value,
		     total_invested = EXCLUDED.total_invested,
		     profit_loss = EXCLUDED.profit_loss,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.InstrumentID, p.Quantity,
		p.AvgCost.String(), p.CurrentValue.String(), p.TotalInvested.String(), p.ProfitLoss.String(),
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", pgError(err))
	}
	return nil
}

// --- Scanning helpers ---

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listPostgresPositions(ctx context.Context, q pgxQuerier, userID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY instrument_id`, userID)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, pgError(rows.Err())
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &balance, &u.CreatedAt); err != nil {
		return nil, scanError(err)
	}
	var err error
	if u.WalletBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse wallet balance: %w", err)
	}
	return &u, nil
}

func scanInstrument(row rowScanner) (*model.Instrument, error) {
	var inst model.Instrument
	if err := row.Scan(&inst.ID, &inst.Symbol, &inst.Name, &inst.Sector, &inst.CreatedAt); err != nil {
		return nil, scanError(err)
	}
	return &inst, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var avg, value, invested, pnl string
	if err := row.Scan(&p.UserID, &p.InstrumentID, &p.Quantity,
		&avg, &value, &invested, &pnl, &p.UpdatedAt); err != nil {
		return nil, scanError(err)
	}
	var err error
	if p.AvgCost, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("parse avg cost: %w", err)
	}
	if p.CurrentValue, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("parse current value: %w", err)
	}
	if p.TotalInvested, err = decimal.NewFromString(invested); err != nil {
		return nil, fmt.Errorf("parse total invested: %w", err)
	}
	if p.ProfitLoss, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("parse profit/loss: %w", err)
	}
	return &p, nil
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", *s, err)
	}
	return &v, nil
}

// scanError is shared by the PostgreSQL and SQLite scanners.
func scanError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return sqliteError(pgError(err))
}

// pgError maps PostgreSQL SQLSTATEs onto the store's error kinds.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "55P03", "57014", "57P01": // lock_not_available, query_canceled, admin_shutdown
			return fmt.Errorf("%w: %s", ErrUnavailable, pgErr.Message)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
