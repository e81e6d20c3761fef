package lease

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultTTL            = 60 * time.Second
	defaultReleaseTimeout = 5 * time.Second
	defaultCallTimeout    = 5 * time.Second
)

// Identity returns a holder identity unique to this process instance.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Option configures a Locker.
type Option func(*Locker)

// WithHolder overrides the generated holder identity.
func WithHolder(holder string) Option {
	return func(l *Locker) {
		l.holder = holder
	}
}

// WithReleaseTimeout bounds the detached release call.
func WithReleaseTimeout(d time.Duration) Option {
	return func(l *Locker) {
		l.releaseTimeout = d
	}
}

// WithCallTimeout bounds every acquire and cleanup call to the store.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.callTimeout = d
		}
	}
}

// Locker hands out scoped leases from a Store under one holder identity.
type Locker struct {
	store          Store
	holder         string
	ttl            time.Duration
	releaseTimeout time.Duration
	callTimeout    time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// NewLocker creates a locker. A non-positive ttl falls back to the default.
func NewLocker(logger *zap.Logger, store Store, ttl time.Duration, opts ...Option) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	l := &Locker{
		store:          store,
		holder:         Identity(),
		ttl:            ttl,
		releaseTimeout: defaultReleaseTimeout,
		callTimeout:    defaultCallTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.With(zap.String("component", "lease"), zap.String("holder", l.holder))
	return l
}

// Holder returns the identity written into acquired leases.
func (l *Locker) Holder() string {
	return l.holder
}

// Handle is an acquired lease. Release is idempotent.
type Handle struct {
	domain.Lease

	locker *Locker
	once   sync.Once
	err    error
}

// Acquire takes the lease for (instrument, op) or fails with domain.ErrBusy.
func (l *Locker) Acquire(ctx context.Context, instrument domain.Pair, op domain.Operation) (*Handle, error) {
	now := l.now()
	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	ok, err := l.store.TryAcquire(callCtx, instrument, op, l.holder, l.ttl)
	if err != nil {
		metrics.LeaseAttempts.WithLabelValues(op.String(), "error").Inc()
		return nil, errors.Wrapf(err, "acquire lease %s/%s", instrument, op)
	}
	if !ok {
		metrics.LeaseAttempts.WithLabelValues(op.String(), "busy").Inc()
		l.logger.Info("lease busy", zap.String("instrument", instrument.String()), zap.String("operation", op.String()))
		return nil, errors.Wrapf(domain.ErrBusy, "%s/%s", instrument, op)
	}

	metrics.LeaseAttempts.WithLabelValues(op.String(), "acquired").Inc()
	return &Handle{
		Lease: domain.Lease{
			Instrument: instrument,
			Operation:  op,
			Holder:     l.holder,
			AcquiredAt: now,
			ExpiresAt:  now.Add(l.ttl),
		},
		locker: l,
	}, nil
}

// Release gives the lease back. It runs detached from ctx cancellation so a
// cancelled caller never leaves the lease held until expiry.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		l := h.locker
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout)
		defer cancel()

		released, err := l.store.Release(releaseCtx, h.Instrument, h.Operation, h.Holder)
		if err != nil {
			h.err = errors.Wrapf(err, "release lease %s/%s", h.Instrument, h.Operation)
			l.logger.Error("failed to release lease",
				zap.String("instrument", h.Instrument.String()),
				zap.String("operation", h.Operation.String()),
				zap.Error(err))
			return
		}
		if !released {
			l.logger.Warn("lease was no longer held at release",
				zap.String("instrument", h.Instrument.String()),
				zap.String("operation", h.Operation.String()))
		}
	})
	return h.err
}

// WithLease runs fn while holding the lease and releases it on every exit path.
func (l *Locker) WithLease(ctx context.Context, instrument domain.Pair, op domain.Operation, fn func(ctx context.Context) error) (err error) {
	h, err := l.Acquire(ctx, instrument, op)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := h.Release(ctx); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return fn(ctx)
}

// RunCleanup removes expired leases on every tick until ctx is done.
func (l *Locker) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := l.cleanup(ctx)
			if err != nil {
				l.logger.Error("lease cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				l.logger.Info("removed expired leases", zap.Int("count", removed))
			}
		}
	}
}

func (l *Locker) cleanup(ctx context.Context) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	return l.store.CleanupExpired(callCtx)
}
