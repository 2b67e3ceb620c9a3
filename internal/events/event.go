// Package events fans executed trades out to subscribers: websocket
// clients connected to this process and, when configured, a NATS subject.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/papertrade/trade-engine/internal/metrics"
	"github.com/papertrade/trade-engine/internal/model"
)

// TypeTradeExecuted tags TradeExecuted messages on the wire.
const TypeTradeExecuted = "trade_executed"

// TradeExecuted is published once per committed order.
type TradeExecuted struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	InstrumentID  string    `json:"instrument_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      int64     `json:"quantity"`
	Price         string    `json:"price"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewTradeExecuted builds the event for a committed fill.
func NewTradeExecuted(txn model.Transaction, symbol string) TradeExecuted {
	return TradeExecuted{
		Type:          TypeTradeExecuted,
		OrderID:       txn.OrderID,
		TransactionID: txn.ID,
		UserID:        txn.UserID,
		InstrumentID:  txn.InstrumentID,
		Symbol:        symbol,
		Side:          string(txn.Action),
		Quantity:      txn.Quantity,
		Price:         txn.Price.String(),
		Timestamp:     txn.Timestamp,
	}
}

// Publisher delivers trade events. Implementations must not block settlement
// for long; delivery is best effort and happens after commit.
type Publisher interface {
	Publish(ctx context.Context, ev TradeExecuted) error
}

// Fanout publishes to every sink, logging failures instead of returning them.
type Fanout struct {
	sinks map[string]Publisher
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{sinks: make(map[string]Publisher)}
}

// Add registers a named sink. Not safe to call concurrently with Publish.
func (f *Fanout) Add(name string, p Publisher) {
	f.sinks[name] = p
}

func (f *Fanout) Publish(ctx context.Context, ev TradeExecuted) error {
	for name, p := range f.sinks {
		if err := p.Publish(ctx, ev); err != nil {
			metrics.EventsDropped.WithLabelValues(name).Inc()
			slog.WarnContext(ctx, "trade event not delivered",
				"sink", name,
				"order_id", ev.OrderID,
				"err", err,
			)
		}
	}
	return nil
}
