package domain

import "github.com/shopspring/decimal"

// MarketSnapshot market data for a single decision cycle.
type MarketSnapshot struct {
	// Price latest mark price.
	Price decimal.Decimal
	// Change24h percentage change over the last 24 hours.
	Change24h decimal.Decimal
	// AlertType kind of alert that triggered the cycle.
	AlertType string
	// Note free text attached to the alert.
	Note string
}

// SnapshotFromAlert builds the snapshot handed to advisory providers.
func SnapshotFromAlert(a Alert) MarketSnapshot {
	return MarketSnapshot{
		Price:     a.Price,
		Change24h: a.Change24h,
		AlertType: a.AlertType,
		Note:      a.RawText,
	}
}
