package domain

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AdvisoryDecision is one provider's opinion. Immutable once produced.
type AdvisoryDecision struct {
	Action       Action
	Confidence   Confidence
	SizeFraction float64
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	Reason       string
}

// advisoryPayload is the JSON shape providers answer with.
type advisoryPayload struct {
	Action       string  `json:"action"`
	Confidence   string  `json:"confidence"`
	SizeFraction float64 `json:"size_fraction"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	Reason       string  `json:"reason"`
}

// ParseAdvisoryDecision builds a validated decision from a raw provider answer.
func ParseAdvisoryDecision(raw string) (AdvisoryDecision, error) {
	response := sanitizeDecisionPayload(raw)

	if !json.Valid([]byte(response)) {
		return AdvisoryDecision{}, errors.New("invalid JSON structure")
	}

	var payload advisoryPayload
	if err := json.Unmarshal([]byte(response), &payload); err != nil {
		return AdvisoryDecision{}, errors.Wrap(err, "JSON unmarshal error")
	}

	action, err := ParseAction(payload.Action)
	if err != nil {
		return AdvisoryDecision{}, err
	}
	confidence, err := ParseConfidence(payload.Confidence)
	if err != nil {
		return AdvisoryDecision{}, err
	}

	decision := AdvisoryDecision{
		Action:       action,
		Confidence:   confidence,
		SizeFraction: payload.SizeFraction,
		StopLoss:     decimal.NewFromFloat(payload.StopLoss),
		TakeProfit:   decimal.NewFromFloat(payload.TakeProfit),
		Reason:       strings.TrimSpace(payload.Reason),
	}
	if err := decision.Validate(); err != nil {
		return AdvisoryDecision{}, err
	}

	return decision, nil
}

func sanitizeDecisionPayload(raw string) string {
	response := strings.TrimSpace(raw)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// Validate validates the decision.
func (d AdvisoryDecision) Validate() error {
	if !d.Action.IsValid() {
		return errors.Errorf("invalid action: %s", d.Action)
	}
	if d.Confidence.Score() == 0 {
		return errors.Errorf("invalid confidence: %d", d.Confidence)
	}
	if d.SizeFraction < 0 || d.SizeFraction > 1 {
		return errors.Errorf("invalid size_fraction: %f (must be 0.0-1.0)", d.SizeFraction)
	}
	if d.StopLoss.IsNegative() || d.TakeProfit.IsNegative() {
		return errors.New("protection prices must not be negative")
	}

	if d.StopLoss.IsPositive() && d.TakeProfit.IsPositive() {
		switch d.Action {
		case ActionEnterLong:
			if d.StopLoss.GreaterThanOrEqual(d.TakeProfit) {
				return errors.New("stop_loss must be less than take_profit for long entries")
			}
		case ActionEnterShort:
			if d.StopLoss.LessThanOrEqual(d.TakeProfit) {
				return errors.New("stop_loss must be greater than take_profit for short entries")
			}
		}
	}

	return nil
}
