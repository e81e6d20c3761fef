package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSummary is the record handed to the trade ledger after an executed order.
type TradeSummary struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Action     Action          `json:"action"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	OrderID    OrderID         `json:"order_id"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Providers  []string        `json:"providers,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// String returns a human-readable string representation.
func (t *TradeSummary) String() string {
	return fmt.Sprintf("%s action: %s qty: %s price: %s", t.Instrument, t.Action, t.Quantity, t.Price)
}
