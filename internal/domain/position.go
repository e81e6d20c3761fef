package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PositionSide represents the direction of a trading position
type PositionSide int

const (
	// PositionSideLong represents a long position (buy to open)
	PositionSideLong PositionSide = iota
	// PositionSideShort represents a short position (sell to open)
	PositionSideShort
)

// String returns the string representation.
func (s PositionSide) String() string {
	if s == PositionSideShort {
		return "short"
	}
	return "long"
}

// Opposite returns the other side.
func (s PositionSide) Opposite() PositionSide {
	if s == PositionSideShort {
		return PositionSideLong
	}
	return PositionSideShort
}

// OpenDirection is the order direction that grows a position of this side.
func (s PositionSide) OpenDirection() Direction {
	if s == PositionSideShort {
		return DirectionSell
	}
	return DirectionBuy
}

// CloseDirection is the order direction that reduces a position of this side.
func (s PositionSide) CloseDirection() Direction {
	return s.Opposite().OpenDirection()
}

// SideForAction maps an entry action to the side it opens.
func SideForAction(a Action) (PositionSide, bool) {
	switch a {
	case ActionEnterLong:
		return PositionSideLong, true
	case ActionEnterShort:
		return PositionSideShort, true
	default:
		return PositionSideLong, false
	}
}

// Tracker is the local belief about one open position.
type Tracker struct {
	Instrument     Pair
	Side           PositionSide
	Quantity       decimal.Decimal
	EntryPrice     decimal.Decimal
	EntryTime      time.Time
	LastVerifiedAt time.Time

	StopLoss          decimal.Decimal
	TakeProfit        decimal.Decimal
	StopLossOrderID   OrderID
	TakeProfitOrderID OrderID
}

// NewTracker constructs a tracker for a confirmed entry.
func NewTracker(instrument Pair, side PositionSide, qty, entryPrice decimal.Decimal, at time.Time) (*Tracker, error) {
	if instrument.IsZero() {
		return nil, errors.New("tracker instrument must be set")
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("position quantity must be greater than zero")
	}
	if entryPrice.IsNegative() {
		return nil, errors.New("entry price must not be negative")
	}

	return &Tracker{
		Instrument:     instrument,
		Side:           side,
		Quantity:       qty,
		EntryPrice:     entryPrice,
		EntryTime:      at,
		LastVerifiedAt: at,
	}, nil
}

// Clone returns a copy safe to hand out of the owning component.
func (t *Tracker) Clone() *Tracker {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// SyncQuantity overwrites the quantity when it differs from qty by more than epsilon.
// Returns true when quantity changed.
func (t *Tracker) SyncQuantity(qty, epsilon decimal.Decimal) bool {
	if t == nil {
		return false
	}
	if t.Quantity.Sub(qty).Abs().LessThanOrEqual(epsilon) {
		return false
	}

	t.Quantity = qty
	return true
}

// HasProtection reports whether any protective order is attached.
func (t *Tracker) HasProtection() bool {
	return t != nil && (t.StopLossOrderID != "" || t.TakeProfitOrderID != "")
}

// ProtectionOrders lists the attached protective order ids.
func (t *Tracker) ProtectionOrders() []OrderID {
	if t == nil {
		return nil
	}
	var ids []OrderID
	if t.StopLossOrderID != "" {
		ids = append(ids, t.StopLossOrderID)
	}
	if t.TakeProfitOrderID != "" {
		ids = append(ids, t.TakeProfitOrderID)
	}
	return ids
}

// PnL calculates profit and loss for the given market price.
func (t *Tracker) PnL(currentPrice decimal.Decimal) decimal.Decimal {
	if t == nil {
		return decimal.Zero
	}

	if t.Side == PositionSideShort {
		return t.EntryPrice.Sub(currentPrice).Mul(t.Quantity)
	}
	return currentPrice.Sub(t.EntryPrice).Mul(t.Quantity)
}

// ExchangePosition is one open position as reported by the exchange.
type ExchangePosition struct {
	Instrument Pair
	Side       PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
}
