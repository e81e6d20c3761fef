// Package lease serializes mutating operations on an instrument across cooperating processes.
package lease

import (
	"context"
	"strings"
	"time"

	"github.com/vadiminshakov/tradecore/internal/domain"
)

// Store persists leases somewhere every cooperating process can see.
// TryAcquire never blocks waiting for a held lease.
type Store interface {
	TryAcquire(ctx context.Context, instrument domain.Pair, op domain.Operation, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, instrument domain.Pair, op domain.Operation, holder string) (bool, error)
	CleanupExpired(ctx context.Context) (int, error)
}

func sanitizeKey(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func leaseKey(instrument domain.Pair, op domain.Operation) string {
	return sanitizeKey(instrument.String()) + "." + sanitizeKey(op.String())
}
