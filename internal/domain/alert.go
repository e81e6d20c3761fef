package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Alert is the structured value produced by an alert source.
type Alert struct {
	Instrument Pair
	AlertType  string
	Price      decimal.Decimal
	Change24h  decimal.Decimal
	RawText    string
	ReceivedAt time.Time
}

// TrackedAlert is the bounded record the risk controller keeps per instrument.
type TrackedAlert struct {
	Instrument Pair
	AlertType  string
	Price      decimal.Decimal
	Change24h  decimal.Decimal
	ReceivedAt time.Time
}

// Track converts an alert into its tracked form.
func (a Alert) Track() TrackedAlert {
	return TrackedAlert{
		Instrument: a.Instrument,
		AlertType:  a.AlertType,
		Price:      a.Price,
		Change24h:  a.Change24h,
		ReceivedAt: a.ReceivedAt,
	}
}
