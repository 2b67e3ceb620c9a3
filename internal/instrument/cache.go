package instrument

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/papertrade/trade-engine/internal/model"
	"github.com/papertrade/trade-engine/internal/store"
)

// Directory resolves instruments by ID or symbol through an in-process
// cache. Instruments are immutable once created, so entries are never
// invalidated, only expired.
type Directory struct {
	st  store.Store
	c   *ristretto.Cache
	ttl time.Duration
}

// NewDirectory creates a directory over st holding up to maxItems rows.
func NewDirectory(st store.Store, maxItems int64, ttl time.Duration) (*Directory, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Directory{st: st, c: c, ttl: ttl}, nil
}

// ByID returns the instrument with the given ID.
func (d *Directory) ByID(ctx context.Context, id string) (*model.Instrument, error) {
	if v, ok := d.c.Get(idKey(id)); ok {
		inst := v.(model.Instrument)
		return &inst, nil
	}
	inst, err := d.st.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	d.put(inst)
	return inst, nil
}

// BySymbol returns the instrument listed under symbol. The symbol is
// normalized first.
func (d *Directory) BySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if v, ok := d.c.Get(symbolKey(sym)); ok {
		inst := v.(model.Instrument)
		return &inst, nil
	}
	inst, err := d.st.GetInstrumentBySymbol(ctx, sym)
	if err != nil {
		return nil, err
	}
	d.put(inst)
	return inst, nil
}

// Resolve accepts either an instrument ID or a symbol.
func (d *Directory) Resolve(ctx context.Context, ref string) (*model.Instrument, error) {
	inst, err := d.ByID(ctx, ref)
	if err == nil {
		return inst, nil
	}
	if _, perr := ParseSymbol(ref); perr != nil {
		return nil, err
	}
	return d.BySymbol(ctx, ref)
}

func (d *Directory) put(inst *model.Instrument) {
	d.c.SetWithTTL(idKey(inst.ID), *inst, 1, d.ttl)
	d.c.SetWithTTL(symbolKey(inst.Symbol), *inst, 1, d.ttl)
	d.c.Wait()
}

// Close stops the cache's background goroutines.
func (d *Directory) Close() {
	d.c.Close()
}

func idKey(id string) string      { return "id:" + id }
func symbolKey(sym string) string { return "sym:" + sym }
