// Package accounting implements average-cost position accounting for
// long-only equity positions.
//
// The functions here are pure: no I/O, no clocks, no randomness. Given a
// prior position state and a fill they deterministically produce the next
// state, which makes them the natural place to pin down the ledger's
// arithmetic:
//
//   - BUY adds shares and adds qty*price to the cost basis; the average cost
//     is re-derived as totalInvested / quantity.
//   - SELL removes shares and removes avgCost*qty (the old average, not the
//     sale price) from the cost basis; the average cost does not move.
//   - Both sides mark the position at the fill price:
//     currentValue = quantity*price, profitLoss = currentValue - totalInvested.
//
// All monetary values use shopspring/decimal — never float64 for money.
package accounting

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trade-engine/internal/model"
)

var (
	// ErrInsufficientHoldings is returned when a SELL exceeds the held quantity.
	ErrInsufficientHoldings = errors.New("accounting: sell quantity exceeds holdings")

	// ErrNoPosition is returned when a SELL is applied with no prior position.
	ErrNoPosition = errors.New("accounting: no position to sell from")

	// ErrInvalidFill is returned for a fill with a non-positive quantity,
	// a negative price, or an unknown side.
	ErrInvalidFill = errors.New("accounting: invalid fill")

	// AvgCostScale is the number of decimal places kept for the average
	// cost per share when it is re-derived on BUY.
	AvgCostScale int32 = 10
)

// State is the persisted part of a position that accounting depends on.
type State struct {
	Quantity      int64
	AvgCost       decimal.Decimal
	TotalInvested decimal.Decimal
}

// Fill is one execution against a position.
type Fill struct {
	Side     model.Side
	Quantity int64
	Price    decimal.Decimal
}

// Cost returns quantity*price.
func (f Fill) Cost() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// Result is the position state after a fill, marked at the fill price.
type Result struct {
	Quantity      int64
	AvgCost       decimal.Decimal
	TotalInvested decimal.Decimal
	CurrentValue  decimal.Decimal
	ProfitLoss    decimal.Decimal
}

// State returns the persisted subset of r, suitable as input to the next Apply.
func (r Result) State() State {
	return State{Quantity: r.Quantity, AvgCost: r.AvgCost, TotalInvested: r.TotalInvested}
}

// Apply computes the position that results from applying fill to prev.
// prev == nil means the user holds no position in the instrument.
func Apply(prev *State, fill Fill) (Result, error) {
	if fill.Quantity <= 0 || fill.Price.IsNegative() || !fill.Side.Valid() {
		return Result{}, ErrInvalidFill
	}

	if prev == nil {
		if fill.Side == model.SideSell {
			return Result{}, ErrNoPosition
		}
		cost := fill.Cost()
		return Result{
			Quantity:      fill.Quantity,
			AvgCost:       fill.Price,
			TotalInvested: cost,
			CurrentValue:  cost,
			ProfitLoss:    decimal.Zero,
		}, nil
	}

	qty := decimal.NewFromInt(fill.Quantity)
	var res Result

	switch fill.Side {
	case model.SideBuy:
		res.Quantity = prev.Quantity + fill.Quantity
		res.TotalInvested = prev.TotalInvested.Add(fill.Cost())
		res.AvgCost = res.TotalInvested.DivRound(decimal.NewFromInt(res.Quantity), AvgCostScale)

	case model.SideSell:
		res.Quantity = prev.Quantity - fill.Quantity
		if res.Quantity < 0 {
			return Result{}, ErrInsufficientHoldings
		}
		if res.Quantity == 0 {
			// A flat position carries no cost basis, so rounding residue in
			// avgCost*qty never survives a full exit.
			res.AvgCost = decimal.Zero
			res.TotalInvested = decimal.Zero
		} else {
			res.AvgCost = prev.AvgCost
			res.TotalInvested = prev.TotalInvested.Sub(prev.AvgCost.Mul(qty))
			// avgCost is rounded, so avgCost*qty can exceed what is left.
			if res.TotalInvested.IsNegative() {
				res.TotalInvested = decimal.Zero
			}
		}
	}

	res.CurrentValue = fill.Price.Mul(decimal.NewFromInt(res.Quantity))
	res.ProfitLoss = res.CurrentValue.Sub(res.TotalInvested)
	return res, nil
}

// Mark revalues a position at price without changing its cost basis.
func Mark(pos model.Position, price decimal.Decimal) model.Position {
	pos.CurrentValue = price.Mul(decimal.NewFromInt(pos.Quantity))
	pos.ProfitLoss = pos.CurrentValue.Sub(pos.TotalInvested)
	return pos
}

// BalanceDelta is the signed change to the wallet for a fill: negative cost
// for BUY, positive proceeds for SELL.
func BalanceDelta(fill Fill) decimal.Decimal {
	if fill.Side == model.SideBuy {
		return fill.Cost().Neg()
	}
	return fill.Cost()
}
