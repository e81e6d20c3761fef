package domain

// MarginMode margin mode used when opening a leveraged position.
type MarginMode string

const (
	// MarginModeIsolated isolated margin per position.
	MarginModeIsolated MarginMode = "isolated"
	// MarginModeCross cross margin shared across positions.
	MarginModeCross MarginMode = "cross"
)

// String returns the string representation.
func (m MarginMode) String() string {
	return string(m)
}

// IsValid checks if the MarginMode value is valid.
func (m MarginMode) IsValid() bool {
	return m == MarginModeIsolated || m == MarginModeCross
}
