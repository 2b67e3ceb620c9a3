// Package trade provides the HTTP handlers for users, instruments, trade
// execution and the read-side views (history, portfolio, leaderboard).
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trade-engine/internal/accounting"
	"github.com/papertrade/trade-engine/internal/events"
	"github.com/papertrade/trade-engine/internal/instrument"
	"github.com/papertrade/trade-engine/internal/leaderboard"
	"github.com/papertrade/trade-engine/internal/model"
	"github.com/papertrade/trade-engine/internal/oracle"
	"github.com/papertrade/trade-engine/internal/settlement"
	"github.com/papertrade/trade-engine/internal/store"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// Deps wires a Service. Publisher and Board are optional.
type Deps struct {
	Store       store.Store
	Engine      *settlement.Engine
	Instruments *instrument.Directory
	Prices      oracle.PriceOracle
	Publisher   events.Publisher
	Board       leaderboard.Board

	// StartingBalance is credited to new users. Zero selects
	// model.StartingBalance.
	StartingBalance decimal.Decimal
}

// Service handles the REST boundary. Settlement concurrency is owned by
// the engine and the store's row locks; handlers hold no locks.
type Service struct {
	store           store.Store
	engine          *settlement.Engine
	instruments     *instrument.Directory
	prices          oracle.PriceOracle
	publisher       events.Publisher
	board           leaderboard.Board
	startingBalance decimal.Decimal
}

// NewService creates a new trade service.
func NewService(d Deps) *Service {
	bal := d.StartingBalance
	if bal.IsZero() {
		bal = model.StartingBalance
	}
	board := d.Board
	if board == nil {
		board = leaderboard.NewStoreBoard(d.Store)
	}
	return &Service{
		store:           d.Store,
		engine:          d.Engine,
		instruments:     d.Instruments,
		prices:          d.Prices,
		publisher:       d.Publisher,
		board:           board,
		startingBalance: bal,
	}
}

// Mount registers the service's routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/wallet/{userID}", s.GetWallet)

	r.Get("/instruments", s.ListInstruments)
	r.Post("/instruments", s.CreateInstrument)
	r.Get("/instruments/{ref}", s.GetInstrument)

	r.Post("/trade", s.ExecuteTrade)

	r.Get("/orders/{userID}", s.ListOrders)
	r.Get("/transactions/{userID}", s.ListTransactions)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/leaderboard", s.Leaderboard)
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// WalletResponse is returned from GET /wallet/{userID}.
type WalletResponse struct {
	UserID        string          `json:"user_id"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
}

// CreateInstrumentRequest is the JSON body for POST /instruments. A
// positive Price is published to the oracle as the opening price.
type CreateInstrumentRequest struct {
	Symbol string           `json:"symbol"`
	Name   string           `json:"name"`
	Sector string           `json:"sector"`
	Price  *decimal.Decimal `json:"price,omitempty"`
}

// InstrumentResponse is an instrument with its current oracle price, null
// when the oracle has none.
type InstrumentResponse struct {
	model.Instrument
	CurrentPrice *decimal.Decimal `json:"current_price"`
}

// TradeRequest is the JSON body for POST /trade. The instrument is given
// by instrument_id or symbol; price defaults to the oracle's current price.
type TradeRequest struct {
	UserID       string           `json:"user_id"`
	InstrumentID string           `json:"instrument_id,omitempty"`
	Symbol       string           `json:"symbol,omitempty"`
	Side         string           `json:"side"`
	Quantity     json.Number      `json:"quantity"`
	Price        *decimal.Decimal `json:"price,omitempty"`
}

// TradeResponse is returned from a successful POST /trade.
type TradeResponse struct {
	Order         model.Order       `json:"order"`
	Transaction   model.Transaction `json:"transaction"`
	Position      model.Position    `json:"position"`
	Symbol        string            `json:"symbol"`
	WalletBalance decimal.Decimal   `json:"wallet_balance"`
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", codeInvalidRequest, http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, "name is required", codeInvalidRequest, http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			writeError(w, "invalid email address", codeInvalidRequest, http.StatusBadRequest)
			return
		}
	}

	user := &model.User{
		ID:            uuid.New().String(),
		Name:          name,
		Email:         email,
		WalletBalance: s.startingBalance,
		CreatedAt:     time.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, "email already registered", codeEmailTaken, http.StatusConflict)
			return
		}
		writeFailure(w, r, err)
		return
	}

	slog.InfoContext(ctx, "user created", "id", user.ID, "balance", user.WalletBalance.String())
	s.recordStanding(r, user.ID)

	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, r, userErr(err))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetWallet handles GET /api/v1/wallet/{userID}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, r, userErr(err))
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{UserID: user.ID, WalletBalance: user.WalletBalance})
}

// --- Instruments ---

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	insts, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if insts == nil {
		insts = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, insts)
}

// CreateInstrument handles POST /api/v1/instruments
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", codeInvalidRequest, http.StatusBadRequest)
		return
	}
	if req.Price != nil && !req.Price.IsPositive() {
		writeFailure(w, r, settlement.ErrInvalidPrice)
		return
	}

	ctx := r.Context()
	inst, err := instrument.Create(ctx, s.store, req.Symbol, req.Name, req.Sector)
	switch {
	case errors.Is(err, instrument.ErrInvalidSymbol), errors.Is(err, instrument.ErrInvalidName):
		writeError(w, err.Error(), codeInvalidRequest, http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, "symbol already listed", codeSymbolTaken, http.StatusConflict)
		return
	case err != nil:
		writeFailure(w, r, err)
		return
	}

	if req.Price != nil {
		if err := s.prices.SetPrice(ctx, inst.ID, *req.Price); err != nil {
			slog.WarnContext(ctx, "opening price not set", "symbol", inst.Symbol, "err", err)
		}
	}

	slog.InfoContext(ctx, "instrument listed",
		"id", inst.ID,
		"symbol", inst.Symbol,
		"sector", inst.Sector,
	)
	writeJSON(w, http.StatusCreated, s.instrumentResponse(r, inst))
}

// GetInstrument handles GET /api/v1/instruments/{ref}, where ref is an
// instrument ID or symbol.
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instruments.Resolve(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeFailure(w, r, instrumentErr(err))
		return
	}
	writeJSON(w, http.StatusOK, s.instrumentResponse(r, inst))
}

func (s *Service) instrumentResponse(r *http.Request, inst *model.Instrument) InstrumentResponse {
	resp := InstrumentResponse{Instrument: *inst}
	if p, err := s.prices.CurrentPrice(r.Context(), inst.ID); err == nil {
		resp.CurrentPrice = &p
	}
	return resp
}

// --- Trading ---

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// wholeQuantity accepts a positive integral share count. 2.0 is fine,
// 1.5 is not.
func wholeQuantity(n json.Number) (int64, bool) {
	q, err := decimal.NewFromString(string(n))
	if err != nil || !q.IsInteger() || !q.IsPositive() || q.GreaterThan(maxQuantity) {
		return 0, false
	}
	return q.IntPart(), true
}

// ExecuteTrade handles POST /api/v1/trade
// Settles the trade atomically and returns the executed order with the
// resulting position and wallet balance.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", codeInvalidRequest, http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" {
		writeError(w, "user_id is required", codeInvalidRequest, http.StatusBadRequest)
		return
	}
	side, ok := model.ParseSide(req.Side)
	if !ok {
		writeFailure(w, r, settlement.ErrInvalidSide)
		return
	}
	qty, ok := wholeQuantity(req.Quantity)
	if !ok {
		writeFailure(w, r, settlement.ErrInvalidQuantity)
		return
	}
	ref := req.InstrumentID
	if ref == "" {
		ref = req.Symbol
	}
	if ref == "" {
		writeError(w, "instrument_id or symbol is required", codeInvalidRequest, http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	inst, err := s.instruments.Resolve(ctx, ref)
	if err != nil {
		writeFailure(w, r, instrumentErr(err))
		return
	}

	var price decimal.Decimal
	if req.Price != nil {
		price = *req.Price
	} else {
		price, err = s.prices.CurrentPrice(ctx, inst.ID)
		if errors.Is(err, oracle.ErrNoPrice) {
			writeError(w, "no current price for "+inst.Symbol, codePriceUnavailable, http.StatusUnprocessableEntity)
			return
		}
		if err != nil {
			writeFailure(w, r, err)
			return
		}
	}

	exec, err := s.engine.Execute(ctx, settlement.Request{
		UserID:       req.UserID,
		InstrumentID: inst.ID,
		Side:         side,
		Quantity:     qty,
		Price:        price,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if s.publisher != nil {
		ev := events.NewTradeExecuted(exec.Transaction, exec.Instrument.Symbol)
		if err := s.publisher.Publish(ctx, ev); err != nil {
			slog.WarnContext(ctx, "trade event not published", "order_id", exec.Order.ID, "err", err)
		}
	}
	s.recordStanding(r, req.UserID)

	writeJSON(w, http.StatusOK, TradeResponse{
		Order:         exec.Order,
		Transaction:   exec.Transaction,
		Position:      exec.Position,
		Symbol:        exec.Instrument.Symbol,
		WalletBalance: exec.WalletBalance,
	})
}

// --- History ---

// ListOrders handles GET /api/v1/orders/{userID}, newest first.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		writeFailure(w, r, userErr(err))
		return
	}
	orders, err := s.store.ListOrders(ctx, userID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListTransactions handles GET /api/v1/transactions/{userID}, newest first.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		writeFailure(w, r, userErr(err))
		return
	}
	txns, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns open positions revalued at the oracle's current price. A
// position the oracle cannot price keeps the mark of its last fill.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeFailure(w, r, userErr(err))
		return
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	portfolio := model.Portfolio{
		UserID:        user.ID,
		WalletBalance: user.WalletBalance,
		Holdings:      []model.Holding{},
		TotalInvested: decimal.Zero,
		TotalValue:    decimal.Zero,
	}

	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		h := model.Holding{Position: p}
		if inst, err := s.instruments.ByID(ctx, p.InstrumentID); err == nil {
			h.Symbol, h.Name, h.Sector = inst.Symbol, inst.Name, inst.Sector
		}
		if price, err := s.prices.CurrentPrice(ctx, p.InstrumentID); err == nil {
			h.Position = accounting.Mark(p, price)
			h.CurrentPrice = price
		} else {
			h.CurrentPrice = p.CurrentValue.Div(decimal.NewFromInt(p.Quantity))
		}

		portfolio.Holdings = append(portfolio.Holdings, h)
		portfolio.TotalInvested = portfolio.TotalInvested.Add(h.TotalInvested)
		portfolio.TotalValue = portfolio.TotalValue.Add(h.CurrentValue)
	}

	portfolio.TotalPnL = portfolio.TotalValue.Sub(portfolio.TotalInvested)
	portfolio.NetWorth = portfolio.WalletBalance.Add(portfolio.TotalValue)

	writeJSON(w, http.StatusOK, portfolio)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", codeInvalidRequest, http.StatusBadRequest)
			return
		}
		limit = min(n, maxLeaderboardLimit)
	}

	entries, err := s.board.Top(r.Context(), limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// recordStanding refreshes the leaderboard. Failures are logged only; the
// ledger remains the source of truth.
func (s *Service) recordStanding(r *http.Request, userID string) {
	if err := s.board.Record(r.Context(), userID); err != nil {
		slog.WarnContext(r.Context(), "leaderboard not updated", "user", userID, "err", err)
	}
}
