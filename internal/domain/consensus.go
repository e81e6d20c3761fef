package domain

import "github.com/shopspring/decimal"

// DecisionKind selects the question asked of the providers.
type DecisionKind string

const (
	DecisionKindEntry    DecisionKind = "entry"
	DecisionKindPosition DecisionKind = "position"
)

// ConsensusResult is the reduction of the successful advisory decisions.
// Never produced from zero responses.
type ConsensusResult struct {
	Instrument   Pair
	Kind         DecisionKind
	Action       Action
	Confidence   Confidence
	SizeFraction float64
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	Reason       string
	// TriggeredBy names the provider whose price levels were taken.
	TriggeredBy string
	// AlertType of the alert the decision was asked for.
	AlertType string
	Votes     map[Action]int
	Responded []string
	Failed    []string
}

// Agreement returns how many providers voted for the winning action.
func (r ConsensusResult) Agreement() int {
	return r.Votes[r.Action]
}
