package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/papertrade/trade-engine/internal/model"
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
var _ Store = (*CachedStore)(nil)

// SQLiteStore implements Store backed by a single SQLite file. Every unit
// of work starts with BEGIN IMMEDIATE, so writers are serialized by the
// database lock and row locking reduces to reads inside that lock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. busyTimeout
// bounds how long a unit of work waits for the write lock.
func NewSQLiteStore(dbPath string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")

	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	email          TEXT NOT NULL DEFAULT '',
	wallet_balance TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (lower(email)) WHERE email <> '';
CREATE TABLE IF NOT EXISTS instruments (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	sector     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	user_id        TEXT NOT NULL REFERENCES users(id),
	instrument_id  TEXT NOT NULL REFERENCES instruments(id),
	quantity       INTEGER NOT NULL CHECK (quantity >= 0),
	avg_cost       TEXT NOT NULL,
	current_value  TEXT NOT NULL,
	total_invested TEXT NOT NULL,
	profit_loss    TEXT NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, instrument_id)
);
CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	side          TEXT NOT NULL,
	quantity      INTEGER NOT NULL CHECK (quantity > 0),
	price         TEXT,
	status        TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id);
CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL UNIQUE REFERENCES orders(id),
	user_id       TEXT NOT NULL REFERENCES users(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	action        TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	price         TEXT NOT NULL,
	timestamp     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id);
`

// Migrate creates the ledger tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return sqliteError(err)
}

// sqlQuerier is satisfied by *sql.DB and *sql.Conn.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, wallet_balance, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.WalletBalance.String(), u.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, sqliteError(err))
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return sqliteGetUser(ctx, s.db, id)
}

func (s *SQLiteStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instruments (id, symbol, name, sector, created_at) VALUES (?, ?, ?, ?, ?)`,
		inst.ID, inst.Symbol, inst.Name, inst.Sector, inst.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create instrument %s: %w", inst.Symbol, sqliteError(err))
	}
	return nil
}

func (s *SQLiteStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return sqliteGetInstrument(ctx, s.db, id)
}

func (s *SQLiteStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.db.QueryRowContext(ctx,
		`SELECT id, symbol, name, sector, created_at FROM instruments WHERE symbol = ?`, symbol))
	if err != nil {
		return nil, fmt.Errorf("get instrument by symbol %s: %w", symbol, err)
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, name, sector, created_at FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, sqliteError(err)
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
	return out, sqliteError(rows.Err())
}

const sqlitePositionColumns = `user_id, instrument_id, quantity, avg_cost, current_value,
		        total_invested, profit_loss, updated_at`

func (s *SQLiteStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	return sqliteGetPosition(ctx, s.db, userID, instrumentID)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return sqliteListPositions(ctx, s.db, userID)
}

func (s *SQLiteStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, instrument_id, side, quantity, price, status, created_at
		 FROM orders WHERE user_id = ? ORDER BY rowid DESC`, userID)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var o model.Order
		var price sql.NullString
		if err := rows.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Side, &o.Quantity,
			&price, &o.Status, &o.CreatedAt); err != nil {
			return nil, sqliteError(err)
		}
		if price.Valid {
			if o.Price, err = parseOptionalDecimal(&price.String); err != nil {
				return nil, err
			}
		}
		out = append(out, o)
	}
	return out, sqliteError(rows.Err())
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, user_id, instrument_id, action, quantity, price, timestamp
		 FROM transactions WHERE user_id = ? ORDER BY rowid DESC`, userID)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var price string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.InstrumentID, &t.Action,
			&t.Quantity, &price, &t.Timestamp); err != nil {
			return nil, sqliteError(err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse transaction price: %w", err)
		}
		out = append(out, t)
	}
	return out, sqliteError(rows.Err())
}

// Leaderboard sums holdings in Go; SQLite has no exact decimal type.
func (s *SQLiteStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	holdings := make(map[string]decimal.Decimal)
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, current_value FROM positions`)
	if err != nil {
		return nil, sqliteError(err)
	}
	for rows.Next() {
		var userID, value string
		if err := rows.Scan(&userID, &value); err != nil {
			rows.Close()
			return nil, sqliteError(err)
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse current value: %w", err)
		}
		holdings[userID] = holdings[userID].Add(v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sqliteError(err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, wallet_balance FROM users`)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var wallet string
		if err := rows.Scan(&e.UserID, &e.Name, &wallet); err != nil {
			return nil, sqliteError(err)
		}
		if e.WalletBalance, err = decimal.NewFromString(wallet); err != nil {
			return nil, fmt.Errorf("parse wallet balance: %w", err)
		}
		e.HoldingsValue = holdings[e.UserID]
		e.NetWorth = e.WalletBalance.Add(e.HoldingsValue)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError(err)
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

// RunInTx takes the database write lock with BEGIN IMMEDIATE and runs fn
// on a dedicated connection.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", sqliteError(err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", sqliteError(err))
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(ctx, &sqliteTx{conn: conn}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", sqliteError(err))
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", sqliteError(err))
	}
	committed = true
	return nil
}

type sqliteTx struct {
	conn *sql.Conn
}

func (t *sqliteTx) LockUser(ctx context.Context, userID string) (*model.User, error) {
	u, err := sqliteGetUser(ctx, t.conn, userID)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return u, nil
}

func (t *sqliteTx) LockPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	p, err := sqliteGetPosition(ctx, t.conn, userID, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("lock position: %w", err)
	}
	return p, nil
}

func (t *sqliteTx) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return sqliteGetInstrument(ctx, t.conn, id)
}

func (t *sqliteTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return sqliteListPositions(ctx, t.conn, userID)
}

func (t *sqliteTx) InsertOrder(ctx context.Context, o *model.Order) error {
	var price any
	if o.Price != nil {
		price = o.Price.String()
	}
	_, err := t.conn.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, instrument_id, side, quantity, price, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.InstrumentID, string(o.Side), o.Quantity, price, string(o.Status), o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", sqliteError(err))
	}
	return nil
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	_, err := t.conn.ExecContext(ctx,
		`INSERT INTO transactions (id, order_id, user_id, instrument_id, action, quantity, price, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.OrderID, txn.UserID, txn.InstrumentID, string(txn.Action),
		txn.Quantity, txn.Price.String(), txn.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", sqliteError(err))
	}
	return nil
}

func (t *sqliteTx) SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE users SET wallet_balance = ? WHERE id = ?`, balance.String(), userID)
	if err != nil {
		return fmt.Errorf("update wallet %s: %w", userID, sqliteError(err))
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("update wallet %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.conn.ExecContext(ctx,
		`INSERT INTO positions (user_id, instrument_id, quantity, avg_cost, current_value,
		                        total_invested, profit_loss, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, instrument_id) DO UPDATE
		 SET quantity = excluded.quantity,
		     avg_cost = excluded.avg_cost,
		     current_value = excluded.current_value,
		     total_invested = excluded.total_invested,
		     profit_loss = excluded.profit_loss,
		     updated_at = excluded.updated_at`,
		p.UserID, p.InstrumentID, p.Quantity,
		p.AvgCost.String(), p.CurrentValue.String(), p.TotalInvested.String(), p.ProfitLoss.String(),
		p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", sqliteError(err))
	}
	return nil
}

// --- Shared queries ---

func sqliteGetUser(ctx context.Context, q sqlQuerier, id string) (*model.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT id, name, email, wallet_balance, created_at FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func sqliteGetInstrument(ctx context.Context, q sqlQuerier, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(q.QueryRowContext(ctx,
		`SELECT id, symbol, name, sector, created_at FROM instruments WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	return inst, nil
}

func sqliteGetPosition(ctx context.Context, q sqlQuerier, userID, instrumentID string) (*model.Position, error) {
	p, err := scanPosition(q.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE user_id = ? AND instrument_id = ?`,
		userID, instrumentID))
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, instrumentID, err)
	}
	return p, nil
}

func sqliteListPositions(ctx context.Context, q sqlQuerier, userID string) ([]model.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE user_id = ? ORDER BY instrument_id`, userID)
	if err != nil {
		return nil, sqliteError(err)
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
	return out, sqliteError(rows.Err())
}

// sqliteError maps SQLite result codes onto the store's error kinds.
func sqliteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
