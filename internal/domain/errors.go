package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoConsensus is matched by every *NoConsensusError.
	ErrNoConsensus = errors.New("no consensus")
	// ErrBusy is returned when the trading lease for a key is held by someone else.
	ErrBusy = errors.New("trading lease is busy")
	// ErrRejected is returned when the risk controller vetoes a signal.
	ErrRejected = errors.New("signal rejected by risk controller")
	// ErrPositionNotFound is returned when an action needs a tracked position and there is none.
	ErrPositionNotFound = errors.New("position not found")
)

// ProviderError is a failure of one advisory provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NoConsensusError reports that not enough providers answered.
type NoConsensusError struct {
	Succeeded int
	Failures  []*ProviderError
}

func (e *NoConsensusError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("no consensus: %d responses", e.Succeeded)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("no consensus: %d responses, failures: %s", e.Succeeded, strings.Join(parts, "; "))
}

func (e *NoConsensusError) Is(target error) bool {
	return target == ErrNoConsensus
}

// ExchangeError is a failed exchange call.
type ExchangeError struct {
	Op         string
	Instrument string
	Retryable  bool
	Err        error
}

func (e *ExchangeError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Instrument == "" {
		return fmt.Sprintf("exchange %s (%s): %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("exchange %s %s (%s): %v", e.Op, e.Instrument, kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewExchangeError wraps err as an exchange failure.
func NewExchangeError(op string, instrument Pair, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	return &ExchangeError{Op: op, Instrument: instrument.String(), Retryable: retryable, Err: err}
}

// IsRetryable reports whether err carries a retryable exchange failure.
func IsRetryable(err error) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Retryable
	}
	return false
}

// DriftDetected is an informational record of a corrected tracker.
type DriftDetected struct {
	Instrument Pair
	Was        decimal.Decimal
	Now        decimal.Decimal
	SideWas    PositionSide
	SideNow    PositionSide
}

// OrphanRemoved is an informational record of a removed tracker.
type OrphanRemoved struct {
	Instrument Pair
	Quantity   decimal.Decimal
	Reason     string
}
