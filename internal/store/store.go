// Package store defines the Ledger Store: users, instruments, positions,
// orders and transactions. Implementations include PostgreSQL (source of
// truth), SQLite (single-node deployments), a Redis read-through cache and
// an in-memory store (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trade-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrConflict is returned when a unit of work lost a serialization race
	// or a deadlock check. The whole unit may be retried.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrUnavailable is returned when the backend could not be reached or a
	// lock/statement timeout expired. The whole unit may be retried.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrNotLocked is returned when a Tx writes a row it has not locked.
	ErrNotLocked = errors.New("store: row written without lock")
)

// Store is the persistence interface. Reads outside RunInTx see only
// committed state.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user with its opening wallet balance.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Instruments ---

	// CreateInstrument persists a new instrument. Symbols are unique.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// GetInstrumentBySymbol retrieves an instrument by its ticker symbol.
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns all instruments ordered by symbol.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// --- Ledger queries ---

	// GetPosition returns the position for (userID, instrumentID).
	GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error)

	// ListPositions returns every position row of a user, including flat ones.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListOrders returns a user's orders, newest first.
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)

	// ListTransactions returns a user's fills, newest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// Leaderboard ranks users by wallet balance plus the marked value of
	// their positions, highest first. limit <= 0 returns every user.
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)

	// --- Unit of work ---

	// RunInTx runs fn as one atomic unit. Everything written through tx is
	// committed if fn returns nil and discarded otherwise. Row locks taken
	// through tx are held until the unit ends.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the store inside a unit of work. Callers must lock the
// user row before the position row.
type Tx interface {
	// LockUser reads the user row and holds it exclusively.
	LockUser(ctx context.Context, userID string) (*model.User, error)

	// LockPosition reads the (user, instrument) position row and holds it
	// exclusively. Returns ErrNotFound when the user has no such position.
	LockPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error)

	// GetInstrument reads an instrument without locking (instruments are immutable).
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListPositions reads all positions of a user. The caller must hold the
	// user lock for the result to be stable.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// InsertOrder appends an order.
	InsertOrder(ctx context.Context, order *model.Order) error

	// InsertTransaction appends an immutable fill.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error

	// SetWalletBalance overwrites a locked user's wallet balance.
	SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// UpsertPosition inserts or replaces a locked position row.
	UpsertPosition(ctx context.Context, pos *model.Position) error
}
