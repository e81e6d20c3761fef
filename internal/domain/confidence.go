package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// Confidence is the provider's self-reported certainty.
type Confidence int

const (
	ConfidenceUnknown Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

// ParseConfidence parses low/medium/high.
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow, nil
	case "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	default:
		return ConfidenceUnknown, errors.Errorf("invalid confidence: %s", s)
	}
}

// Score is the vote weight used by the reducer: high=3, medium=2, low=1.
func (c Confidence) Score() int {
	if c < ConfidenceLow || c > ConfidenceHigh {
		return 0
	}
	return int(c)
}

// String returns the string representation.
func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "unknown"
	}
}
