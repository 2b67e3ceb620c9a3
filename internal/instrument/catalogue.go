package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trade-engine/internal/model"
	"github.com/papertrade/trade-engine/internal/store"
)

// Listing is a catalogue entry with its opening price.
type Listing struct {
	Symbol    string
	Name      string
	Sector    string
	BasePrice decimal.Decimal
}

// DefaultCatalogue returns the instruments listed on a fresh deployment.
func DefaultCatalogue() []Listing {
	return []Listing{
		{"RELIANCE", "Reliance Industries", "Energy", decimal.NewFromInt(2500)},
		{"TCS", "Tata Consultancy Services", "Technology", decimal.NewFromInt(3500)},
		{"HDFCBANK", "HDFC Bank", "Banking", decimal.NewFromInt(1500)},
		{"INFY", "Infosys", "Technology", decimal.NewFromInt(1800)},
		{"ICICIBANK", "ICICI Bank", "Banking", decimal.NewFromInt(900)},
		{"KOTAKBANK", "Kotak Mahindra Bank", "Banking", decimal.NewFromInt(1800)},
		{"HINDUNILVR", "Hindustan Unilever", "FMCG", decimal.NewFromInt(2400)},
		{"ITC", "ITC", "FMCG", decimal.NewFromInt(400)},
		{"BHARTIARTL", "Bharti Airtel", "Telecom", decimal.NewFromInt(800)},
		{"SBIN", "State Bank of India", "Banking", decimal.NewFromInt(600)},
	}
}

// PriceSetter receives the opening price of each seeded instrument.
type PriceSetter interface {
	SetPrice(ctx context.Context, instrumentID string, price decimal.Decimal) error
}

// Seed lists every catalogue entry not yet in st and publishes its base
// price to prices (which may be nil). Existing instruments keep their ID.
// Returns the seeded rows in catalogue order.
func Seed(ctx context.Context, st store.Store, prices PriceSetter, listings []Listing) ([]model.Instrument, error) {
	out := make([]model.Instrument, 0, len(listings))
	for _, l := range listings {
		inst, err := st.GetInstrumentBySymbol(ctx, l.Symbol)
		if errors.Is(err, store.ErrNotFound) {
			inst, err = Create(ctx, st, l.Symbol, l.Name, l.Sector)
			if err == nil {
				slog.InfoContext(ctx, "instrument listed", "symbol", inst.Symbol, "id", inst.ID, "sector", inst.Sector)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", l.Symbol, err)
		}
		if prices != nil {
			if err := prices.SetPrice(ctx, inst.ID, l.BasePrice); err != nil {
				return nil, fmt.Errorf("seed price %s: %w", l.Symbol, err)
			}
		}
		out = append(out, *inst)
	}
	return out, nil
}
