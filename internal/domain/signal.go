package domain

import "time"

// Direction of a trading signal.
type Direction int

const (
	DirectionHold Direction = iota
	DirectionBuy
	DirectionSell
)

// String returns the string representation.
func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "buy"
	case DirectionSell:
		return "sell"
	default:
		return "hold"
	}
}

// Signal is a consensus decision viewed as a directional intent.
type Signal struct {
	Instrument Pair
	Action     Action
	Direction  Direction
	Confidence Confidence
	At         time.Time
}

// NewSignal derives the direction of a consensus action given the current position.
// Closing a long sells, closing a short buys, adding follows the position side.
func NewSignal(result ConsensusResult, current *Tracker, at time.Time) Signal {
	s := Signal{
		Instrument: result.Instrument,
		Action:     result.Action,
		Confidence: result.Confidence,
		At:         at,
	}

	switch result.Action {
	case ActionEnterLong:
		s.Direction = DirectionBuy
	case ActionEnterShort:
		s.Direction = DirectionSell
	case ActionAdd:
		if current != nil {
			s.Direction = current.Side.OpenDirection()
		}
	case ActionClose, ActionPartialClose:
		if current != nil {
			s.Direction = current.Side.CloseDirection()
		}
	}

	return s
}

// IsReversalOf reports whether the signal opens against the given position.
func (s Signal) IsReversalOf(current *Tracker) bool {
	if current == nil || !s.Action.IsEntry() {
		return false
	}
	return s.Direction != current.Side.OpenDirection()
}
