// Package instrument handles ticker symbol validation, the default listing
// catalogue, and an in-process lookup cache for instrument rows.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade/trade-engine/internal/model"
	"github.com/papertrade/trade-engine/internal/store"
)

// symbolRegex matches NSE-style tickers: RELIANCE, M&M, BAJAJ-AUTO, 3MINDIA.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9&.-]{0,19}$`)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol")
	ErrInvalidName   = errors.New("instrument: name is required")
)

// ParseSymbol normalizes and validates a ticker symbol.
func ParseSymbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q (expected 1-20 of A-Z 0-9 & . -)", ErrInvalidSymbol, raw)
	}
	return sym, nil
}

// New validates the fields and builds an instrument with a fresh ID.
func New(symbol, name, sector string) (*model.Instrument, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	return &model.Instrument{
		ID:        uuid.New().String(),
		Symbol:    sym,
		Name:      name,
		Sector:    strings.TrimSpace(sector),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Create validates and persists a new instrument. Returns store.ErrDuplicate
// when the symbol is taken.
func Create(ctx context.Context, st store.Store, symbol, name, sector string) (*model.Instrument, error) {
	inst, err := New(symbol, name, sector)
	if err != nil {
		return nil, err
	}
	if err := st.CreateInstrument(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}
