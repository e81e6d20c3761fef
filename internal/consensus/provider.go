// Package consensus fans a trading question out to advisory providers and reduces the answers.
package consensus

import (
	"context"

	"github.com/vadiminshakov/tradecore/internal/domain"
)

// Provider is an advisory provider. Must be safe for concurrent use.
type Provider interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (domain.AdvisoryDecision, error)
}

// Request is the question put to every provider.
type Request struct {
	Instrument domain.Pair
	Kind       domain.DecisionKind
	Market     domain.MarketSnapshot
	// Position is the tracked position for position-management requests, nil for entries.
	Position *domain.Tracker
}

// Vote is one successful provider answer.
type Vote struct {
	Provider string
	// Priority is the provider's configuration order, lower wins ties.
	Priority int
	Decision domain.AdvisoryDecision
}
