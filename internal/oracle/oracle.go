// Package oracle supplies the current tradable price of an instrument.
// Settlement never calls it; request handlers use it to fill in a price
// the client omitted and to revalue portfolios.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice is returned for an instrument the oracle has never priced.
	ErrNoPrice = errors.New("oracle: no price for instrument")

	// ErrInvalidPrice is returned when setting a non-positive price.
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// PriceOracle returns the latest price for an instrument.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error)
	SetPrice(ctx context.Context, instrumentID string, price decimal.Decimal) error
}

// MemoryOracle keeps the latest price per instrument in process memory.
type MemoryOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewMemoryOracle creates an empty oracle.
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{prices: make(map[string]decimal.Decimal)}
}

func (o *MemoryOracle) CurrentPrice(_ context.Context, instrumentID string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.prices[instrumentID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, instrumentID)
	}
	return p, nil
}

func (o *MemoryOracle) SetPrice(_ context.Context, instrumentID string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[instrumentID] = price
	return nil
}
