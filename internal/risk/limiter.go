// Package risk implements optional exposure limits on a user's cost basis,
// per instrument and across instruments of the same sector.
//
// Instruments in one sector tend to move together, so a user who spreads
// purchases over every bank still carries one concentrated bet. The limiter
// treats the sector as the correlated group and caps the aggregate cost
// basis across it.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInstrumentLimitExceeded is returned when a trade would push a single
	// instrument's cost basis beyond the per-instrument maximum.
	ErrInstrumentLimitExceeded = errors.New("risk: per-instrument exposure limit exceeded")

	// ErrSectorLimitExceeded is returned when a trade would push the
	// aggregate cost basis across one sector beyond the sector maximum.
	ErrSectorLimitExceeded = errors.New("risk: sector exposure limit exceeded")
)

// Exposure is a user's cost basis in one instrument.
type Exposure struct {
	InstrumentID string
	Sector       string
	CostBasis    decimal.Decimal
}

// ExposureLimiter enforces exposure limits. A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerInstrument caps the cost basis held in any single instrument.
	MaxPerInstrument decimal.Decimal

	// MaxPerSector caps the aggregate cost basis across all instruments
	// sharing the target's sector.
	MaxPerSector decimal.Decimal
}

// NewExposureLimiter creates a limiter. Pass decimal.Zero to disable a limit.
func NewExposureLimiter(maxPerInstrument, maxPerSector decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxPerSector:     maxPerSector,
	}
}

// Enabled reports whether any limit is set.
func (l *ExposureLimiter) Enabled() bool {
	return l != nil && (l.MaxPerInstrument.IsPositive() || l.MaxPerSector.IsPositive())
}

// CheckLimit validates the cost basis a trade would leave behind.
//
// Parameters:
//   - target: the instrument being traded, with CostBasis set to its
//     cost basis after the trade
//   - existing: the user's other exposures; an entry for the target's
//     instrument is ignored
//
// Returns nil if the trade is within limits.
func (l *ExposureLimiter) CheckLimit(target Exposure, existing []Exposure) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-instrument limit.
	if l.MaxPerInstrument.IsPositive() && target.CostBasis.GreaterThan(l.MaxPerInstrument) {
		return ErrInstrumentLimitExceeded
	}

	// 2. Sector exposure: sum cost basis across the target's sector.
	if !l.MaxPerSector.IsPositive() || target.Sector == "" {
		return nil
	}
	total := target.CostBasis
	for _, e := range existing {
		if e.InstrumentID == target.InstrumentID {
			continue // already counted via target above
		}
		if e.Sector == target.Sector {
			total = total.Add(e.CostBasis)
		}
	}
	if total.GreaterThan(l.MaxPerSector) {
		return ErrSectorLimitExceeded
	}
	return nil
}
