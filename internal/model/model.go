// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StartingBalance is credited to every new user's wallet at signup.
var StartingBalance = decimal.NewFromInt(100000)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide normalizes a client-supplied side string.
func ParseSide(raw string) (Side, bool) {
	s := Side(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// OrderStatus is the lifecycle state of an order. Settlement is synchronous,
// so only PENDING → EXECUTED is driven today.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "PENDING"
	OrderStatusExecuted          OrderStatus = "EXECUTED"
	OrderStatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
)

// User is a trader with a virtual wallet.
type User struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Email         string          `json:"email" db:"email"`
	WalletBalance decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Instrument is a tradable stock. Immutable once created.
type Instrument struct {
	ID        string    `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Name      string    `json:"name" db:"name"`
	Sector    string    `json:"sector" db:"sector"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Order is the record of a submitted trade intent and its outcome.
// Price is nil only while an order has not been priced.
type Order struct {
	ID           string           `json:"id" db:"id"`
	UserID       string           `json:"user_id" db:"user_id"`
	InstrumentID string           `json:"instrument_id" db:"instrument_id"`
	Side         Side             `json:"side" db:"side"`
	Quantity     int64            `json:"quantity" db:"quantity"`
	Price        *decimal.Decimal `json:"price" db:"price"`
	Status       OrderStatus      `json:"status" db:"status"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// Transaction is an immutable fill. Once created, these are never modified
// or deleted; one per executed order.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	OrderID      string          `json:"order_id" db:"order_id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Action       Side            `json:"action" db:"action"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a user's holding in one instrument, unique per (user, instrument).
// CurrentValue and ProfitLoss are marked at the price of the last fill.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	InstrumentID  string          `json:"instrument_id" db:"instrument_id"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	CurrentValue  decimal.Decimal `json:"current_value" db:"current_value"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	ProfitLoss    decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is a position joined with its instrument and revalued at the
// oracle's current price for display.
type Holding struct {
	Position
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Sector       string          `json:"sector"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// Portfolio aggregates all positions for a user with P&L.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	Holdings      []Holding       `json:"holdings"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	NetWorth      decimal.Decimal `json:"net_worth"` // wallet + Σ value
}

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	NetWorth      decimal.Decimal `json:"net_worth"`
}
