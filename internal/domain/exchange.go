package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderID is an exchange-assigned order identifier.
type OrderID string

// OpenRequest describes an order growing a position.
type OpenRequest struct {
	Instrument Pair
	Side       PositionSide
	Quantity   decimal.Decimal
	Leverage   int
	MarginMode MarginMode
}

// ProtectionRequest describes a reduce-only trigger order guarding a position.
type ProtectionRequest struct {
	Instrument   Pair
	Side         PositionSide
	Quantity     decimal.Decimal
	TriggerPrice decimal.Decimal
}

// Exchange is the authoritative order and position API.
// Every method fails with *ExchangeError.
type Exchange interface {
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	Open(ctx context.Context, req OpenRequest) (OrderID, error)
	Close(ctx context.Context, instrument Pair, side PositionSide, qty decimal.Decimal) (OrderID, error)
	SetStopLoss(ctx context.Context, req ProtectionRequest) (OrderID, error)
	SetTakeProfit(ctx context.Context, req ProtectionRequest) (OrderID, error)
	Cancel(ctx context.Context, instrument Pair, id OrderID) error
}

// TradeLedger persists executed trades. Best-effort for the caller.
type TradeLedger interface {
	Record(ctx context.Context, trade TradeSummary) error
}
