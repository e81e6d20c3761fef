package domain

import "time"

// Operation is the kind of mutation a lease serializes.
type Operation string

const (
	OperationOpen    Operation = "open"
	OperationClose   Operation = "close"
	OperationProtect Operation = "protect"
)

// String returns the string representation.
func (o Operation) String() string {
	return string(o)
}

// Lease is a time-bounded mutual-exclusion record for (instrument, operation).
type Lease struct {
	Instrument Pair
	Operation  Operation
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease is past its expiry at now.
// An expired lease is treated as absent.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
