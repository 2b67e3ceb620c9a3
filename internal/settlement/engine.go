// Package settlement turns a user's buy or sell intent into one atomic
// update of wallet balance, order, transaction and position.
//
// Each attempt runs inside a single store unit of work that locks the user
// row and then the (user, instrument) position row, so settlements for one
// user are serialized while unrelated users proceed in parallel. Transient
// storage faults retry the whole attempt with exponential backoff.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/papertrade/trade-engine/internal/accounting"
	"github.com/papertrade/trade-engine/internal/metrics"
	"github.com/papertrade/trade-engine/internal/model"
	"github.com/papertrade/trade-engine/internal/risk"
	"github.com/papertrade/trade-engine/internal/store"
)

const tracerName = "github.com/papertrade/trade-engine/internal/settlement"

// Request is one trade intent. Price is supplied by the caller; the engine
// never consults a price source.
type Request struct {
	UserID       string
	InstrumentID string
	Side         model.Side
	Quantity     int64
	Price        decimal.Decimal
}

func (r Request) validate() error {
	if r.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if !r.Side.Valid() {
		return ErrInvalidSide
	}
	if !r.Price.IsPositive() {
		return ErrInvalidPrice
	}
	return nil
}

// Execution is everything a successful settlement committed.
type Execution struct {
	Order         model.Order       `json:"order"`
	Transaction   model.Transaction `json:"transaction"`
	Position      model.Position    `json:"position"`
	Instrument    model.Instrument  `json:"instrument"`
	WalletBalance decimal.Decimal   `json:"wallet_balance"`
	Attempts      int               `json:"-"`
}

// Options tune the engine. Zero values select the defaults.
type Options struct {
	// MaxAttempts bounds how many times a transient fault is retried,
	// counting the first try. Default 3.
	MaxAttempts int

	// BaseBackoff is the sleep before the second attempt; it doubles after
	// each retry. Default 25ms.
	BaseBackoff time.Duration

	// StorageTimeout bounds one attempt's unit of work. Default 5s.
	StorageTimeout time.Duration

	// Limiter, when set, caps the cost basis a BUY may leave behind.
	Limiter *risk.ExposureLimiter

	Now    func() time.Time
	Logger *slog.Logger
}

// Engine settles trades against a Store.
type Engine struct {
	store  store.Store
	opts   Options
	tracer trace.Tracer
	logger *slog.Logger
}

// NewEngine creates a settlement engine over st.
func NewEngine(st store.Store, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 25 * time.Millisecond
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		opts:   opts,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

// Settle executes req and returns the persisted order.
func (e *Engine) Settle(ctx context.Context, req Request) (*model.Order, error) {
	exec, err := e.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return &exec.Order, nil
}

// Execute is Settle returning the full committed state.
func (e *Engine) Execute(ctx context.Context, req Request) (*Execution, error) {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "settlement.Settle",
		trace.WithAttributes(
			attribute.String("user_id", req.UserID),
			attribute.String("instrument_id", req.InstrumentID),
			attribute.String("side", string(req.Side)),
			attribute.Int64("quantity", req.Quantity),
			attribute.String("price", req.Price.String()),
		),
	)
	defer span.End()

	exec, err := e.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		e.recordFailure(ctx, req, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order_id", exec.Order.ID),
		attribute.Int("attempts", exec.Attempts),
	)

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.TradeVolume.WithLabelValues(req.InstrumentID, string(req.Side)).Add(float64(req.Quantity))
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	e.logger.InfoContext(ctx, "trade settled",
		"order_id", exec.Order.ID,
		"user", req.UserID,
		"instrument", req.InstrumentID,
		"symbol", exec.Instrument.Symbol,
		"side", string(req.Side),
		"qty", req.Quantity,
		"price", req.Price.String(),
		"balance", exec.WalletBalance.String(),
		"position_qty", exec.Position.Quantity,
		"attempts", exec.Attempts,
	)
	return exec, nil
}

func (e *Engine) execute(ctx context.Context, req Request) (*Execution, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	delay := e.opts.BaseBackoff
	for attempt := 1; ; attempt++ {
		exec, err := e.attempt(ctx, req)
		if err == nil {
			exec.Attempts = attempt
			return exec, nil
		}
		if !IsRetryable(err) || attempt >= e.opts.MaxAttempts {
			return nil, err
		}

		metrics.SettlementRetries.WithLabelValues(Code(err)).Inc()
		e.logger.WarnContext(ctx, "settlement retry",
			"user", req.UserID,
			"instrument", req.InstrumentID,
			"attempt", attempt,
			"backoff", delay.String(),
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// attempt runs one unit of work. The unit is detached from the caller's
// cancellation and bounded by StorageTimeout instead, so it always ends in
// a full commit or a full rollback.
func (e *Engine) attempt(parent context.Context, req Request) (*Execution, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.opts.StorageTimeout)
	defer cancel()

	var exec *Execution
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		exec, err = e.settleInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return exec, nil
}

func (e *Engine) settleInTx(ctx context.Context, tx store.Tx, req Request) (*Execution, error) {
	// 1. Lock the wallet row first, then the position row.
	user, err := tx.LockUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, req.UserID)
	}
	if err != nil {
		return nil, err
	}

	inst, err := tx.GetInstrument(ctx, req.InstrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, req.InstrumentID)
	}
	if err != nil {
		return nil, err
	}

	// 2-3. Funds check.
	fill := accounting.Fill{Side: req.Side, Quantity: req.Quantity, Price: req.Price}
	totalCost := fill.Cost()
	if req.Side == model.SideBuy && user.WalletBalance.LessThan(totalCost) {
		return nil, fmt.Errorf("%w: balance %s, cost %s",
			ErrInsufficientFunds, user.WalletBalance.StringFixed(2), totalCost.StringFixed(2))
	}

	pos, err := tx.LockPosition(ctx, req.UserID, req.InstrumentID)
	var prev *accounting.State
	switch {
	case err == nil:
		prev = &accounting.State{Quantity: pos.Quantity, AvgCost: pos.AvgCost, TotalInvested: pos.TotalInvested}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	// 4. Position accounting.
	res, err := accounting.Apply(prev, fill)
	switch {
	case errors.Is(err, accounting.ErrNoPosition):
		return nil, fmt.Errorf("%w in %s", ErrNoPosition, inst.Symbol)
	case errors.Is(err, accounting.ErrInsufficientHoldings):
		return nil, fmt.Errorf("%w: hold %d %s, selling %d",
			ErrInsufficientHoldings, prev.Quantity, inst.Symbol, req.Quantity)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	if req.Side == model.SideBuy && e.opts.Limiter.Enabled() {
		if err := e.checkExposure(ctx, tx, req.UserID, inst, res.TotalInvested); err != nil {
			return nil, err
		}
	}

	// 5. Balance delta.
	balance := user.WalletBalance.Add(accounting.BalanceDelta(fill))
	if balance.IsNegative() || res.Quantity < 0 || res.TotalInvested.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, quantity %d, invested %s",
			ErrInvariantViolation, balance, res.Quantity, res.TotalInvested)
	}

	// 6. Persist all four writes in the same unit.
	now := e.opts.Now().UTC()
	price := req.Price
	order := model.Order{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        &price,
		Status:       model.OrderStatusExecuted,
		CreatedAt:    now,
	}
	txn := model.Transaction{
		ID:           uuid.New().String(),
		OrderID:      order.ID,
		UserID:       req.UserID,
		InstrumentID: req.InstrumentID,
		Action:       req.Side,
		Quantity:     req.Quantity,
		Price:        req.Price,
		Timestamp:    now,
	}
	position := model.Position{
		UserID:        req.UserID,
		InstrumentID:  req.InstrumentID,
		Quantity:      res.Quantity,
		AvgCost:       res.AvgCost,
		CurrentValue:  res.CurrentValue,
		TotalInvested: res.TotalInvested,
		ProfitLoss:    res.ProfitLoss,
		UpdatedAt:     now,
	}

	if err := tx.InsertOrder(ctx, &order); err != nil {
		return nil, err
	}
	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, err
	}
	if err := tx.SetWalletBalance(ctx, req.UserID, balance); err != nil {
		return nil, err
	}
	if err := tx.UpsertPosition(ctx, &position); err != nil {
		return nil, err
	}

	// 7.
	return &Execution{
		Order:         order,
		Transaction:   txn,
		Position:      position,
		Instrument:    *inst,
		WalletBalance: balance,
	}, nil
}

// checkExposure evaluates the limiter against the user's other positions.
// The user row is locked, so the positions cannot move underneath it.
func (e *Engine) checkExposure(ctx context.Context, tx store.Tx, userID string, inst *model.Instrument, costBasis decimal.Decimal) error {
	positions, err := tx.ListPositions(ctx, userID)
	if err != nil {
		return err
	}

	existing := make([]risk.Exposure, 0, len(positions))
	for _, p := range positions {
		if p.InstrumentID == inst.ID || p.Quantity == 0 {
			continue
		}
		other, err := tx.GetInstrument(ctx, p.InstrumentID)
		if err != nil {
			return err
		}
		existing = append(existing, risk.Exposure{
			InstrumentID: p.InstrumentID,
			Sector:       other.Sector,
			CostBasis:    p.TotalInvested,
		})
	}

	target := risk.Exposure{InstrumentID: inst.ID, Sector: inst.Sector, CostBasis: costBasis}
	if err := e.opts.Limiter.CheckLimit(target, existing); err != nil {
		return fmt.Errorf("%w: %v", ErrPositionLimitExceeded, err)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, req Request, err error) {
	switch {
	case IsRejected(err):
		metrics.TradeRejections.WithLabelValues(Code(err)).Inc()
		e.logger.InfoContext(ctx, "trade rejected",
			"user", req.UserID,
			"instrument", req.InstrumentID,
			"side", string(req.Side),
			"qty", req.Quantity,
			"reason", Code(err),
			"err", err,
		)
	case errors.Is(err, ErrInvariantViolation):
		e.logger.ErrorContext(ctx, "settlement aborted on invariant violation",
			"user", req.UserID,
			"instrument", req.InstrumentID,
			"err", err,
		)
	default:
		e.logger.ErrorContext(ctx, "settlement failed",
			"user", req.UserID,
			"instrument", req.InstrumentID,
			"code", Code(err),
			"err", err,
		)
	}
}

// classify maps store failures onto the settlement taxonomy. Errors that
// already carry a settlement kind pass through.
func classify(err error) error {
	switch {
	case IsRejected(err), IsRetryable(err), errors.Is(err, ErrInvariantViolation):
		return err
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	case errors.Is(err, store.ErrNotLocked):
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	default:
		return fmt.Errorf("settle: %w", err)
	}
}
