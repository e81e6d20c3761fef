// Package tracker keeps the local position ledger and reconciles it against the exchange.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultStaleness   = 24 * time.Hour
	defaultCallTimeout = 15 * time.Second
)

var defaultEpsilon = decimal.RequireFromString("0.0001")

type positionSource interface {
	GetPositions(ctx context.Context) ([]domain.ExchangePosition, error)
}

// Config reconciliation tolerances.
type Config struct {
	// Epsilon quantity difference tolerated without correction.
	Epsilon decimal.Decimal
	// Staleness how long a tracker may stay unverifiable before cleanup removes it.
	Staleness time.Duration
	// AdoptUntracked creates trackers for exchange positions nobody tracks.
	AdoptUntracked bool
	// CallTimeout bounds a single exchange position query.
	CallTimeout time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Report summarizes one reconciliation or cleanup pass.
type Report struct {
	Corrected int
	Removed   int
	Adopted   int
	Drift     []domain.DriftDetected
	Orphans   []domain.OrphanRemoved
	Untracked []domain.ExchangePosition
	// Degraded is set when the exchange could not be queried and only stale trackers were removed.
	Degraded bool
}

// Changed reports whether the pass mutated the ledger.
func (r Report) Changed() bool {
	return r.Corrected+r.Removed+r.Adopted > 0
}

// Reconciler owns the position tracker map.
type Reconciler struct {
	exchange positionSource
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.RWMutex
	trackers map[domain.Pair]*domain.Tracker

	// serializes reconcile and cleanup passes
	passMu sync.Mutex
}

// NewReconciler creates a reconciler with an empty ledger.
func NewReconciler(logger *zap.Logger, exchange positionSource, cfg Config, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Epsilon.LessThanOrEqual(decimal.Zero) {
		cfg.Epsilon = defaultEpsilon
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = defaultStaleness
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	r := &Reconciler{
		exchange: exchange,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "tracker")),
		trackers: make(map[domain.Pair]*domain.Tracker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open stores a tracker for a confirmed entry, replacing any previous one for the instrument.
func (r *Reconciler) Open(t *domain.Tracker) error {
	if t == nil || t.Instrument.IsZero() {
		return errors.New("tracker with instrument is required")
	}

	r.mu.Lock()
	r.trackers[t.Instrument] = t.Clone()
	metrics.OpenPositions.Set(float64(len(r.trackers)))
	r.mu.Unlock()

	return nil
}

// Reduce subtracts qty from the tracked quantity. The tracker is removed once nothing is left.
// Returns the remaining tracker, nil when removed.
func (r *Reconciler) Reduce(instrument domain.Pair, qty decimal.Decimal) (*domain.Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[instrument]
	if !ok {
		return nil, errors.Wrapf(domain.ErrPositionNotFound, "reduce %s", instrument)
	}

	remaining := t.Quantity.Sub(qty)
	if remaining.LessThanOrEqual(r.cfg.Epsilon) {
		delete(r.trackers, instrument)
		metrics.OpenPositions.Set(float64(len(r.trackers)))
		return nil, nil
	}

	t.Quantity = remaining
	return t.Clone(), nil
}

// Remove deletes the tracker. Returns false when none existed.
func (r *Reconciler) Remove(instrument domain.Pair) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.trackers[instrument]
	delete(r.trackers, instrument)
	metrics.OpenPositions.Set(float64(len(r.trackers)))
	return ok
}

// Get returns a copy of the tracker.
func (r *Reconciler) Get(instrument domain.Pair) (*domain.Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.trackers[instrument]
	return t.Clone(), ok
}

// Snapshot returns copies of all trackers ordered by instrument.
func (r *Reconciler) Snapshot() []*domain.Tracker {
	r.mu.RLock()
	out := make([]*domain.Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.String() < out[j].Instrument.String() })
	return out
}

// SetProtection records the protective orders and price levels attached to the position.
func (r *Reconciler) SetProtection(instrument domain.Pair, stopLoss, takeProfit decimal.Decimal, slID, tpID domain.OrderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[instrument]
	if !ok {
		return errors.Wrapf(domain.ErrPositionNotFound, "set protection %s", instrument)
	}

	t.StopLoss = stopLoss
	t.TakeProfit = takeProfit
	t.StopLossOrderID = slID
	t.TakeProfitOrderID = tpID
	return nil
}

// Reconcile corrects trackers against the exchange positions and removes orphans.
// An exchange failure changes nothing and is returned.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	started := r.now()
	positions, err := r.fetch(ctx)
	if err != nil {
		metrics.ReconcileFailures.Inc()
		return Report{}, errors.Wrap(err, "failed to fetch exchange positions")
	}

	report := r.apply(started, positions, true)
	r.logReport("reconciliation finished", report)
	return report, nil
}

func (r *Reconciler) fetch(ctx context.Context) ([]domain.ExchangePosition, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.exchange.GetPositions(callCtx)
}

// CleanupOrphaned removes trackers without an exchange position. When the exchange
// cannot be queried only trackers unverified for longer than the staleness window are removed.
func (r *Reconciler) CleanupOrphaned(ctx context.Context) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	started := r.now()
	positions, err := r.fetch(ctx)
	if err == nil {
		report := r.apply(started, positions, false)
		r.logReport("orphan cleanup finished", report)
		return report, nil
	}

	metrics.ReconcileFailures.Inc()
	r.logger.Warn("exchange unavailable, removing only stale trackers", zap.Error(err))

	report := Report{Degraded: true}
	r.mu.Lock()
	for instrument, t := range r.trackers {
		if started.Sub(t.LastVerifiedAt) <= r.cfg.Staleness {
			continue
		}
		delete(r.trackers, instrument)
		report.Removed++
		report.Orphans = append(report.Orphans, domain.OrphanRemoved{
			Instrument: instrument,
			Quantity:   t.Quantity,
			Reason:     "unverified beyond staleness window",
		})
	}
	metrics.OpenPositions.Set(float64(len(r.trackers)))
	r.mu.Unlock()

	metrics.ReconcileChanges.WithLabelValues("removed").Add(float64(report.Removed))
	r.logReport("degraded orphan cleanup finished", report)
	return report, nil
}

// apply merges authoritative positions into the ledger. correct enables quantity and side repair.
func (r *Reconciler) apply(started time.Time, positions []domain.ExchangePosition, correct bool) Report {
	authoritative := make(map[domain.Pair]domain.ExchangePosition, len(positions))
	for _, p := range positions {
		if p.Quantity.IsPositive() {
			authoritative[p.Instrument] = p
		}
	}

	var report Report
	now := r.now()

	r.mu.Lock()
	for instrument, t := range r.trackers {
		// opened while the exchange query was in flight, the exchange view may predate it
		if t.EntryTime.After(started) {
			continue
		}

		pos, ok := authoritative[instrument]
		if !ok {
			delete(r.trackers, instrument)
			report.Removed++
			report.Orphans = append(report.Orphans, domain.OrphanRemoved{
				Instrument: instrument,
				Quantity:   t.Quantity,
				Reason:     "no exchange position",
			})
			continue
		}

		t.LastVerifiedAt = now
		if !correct {
			continue
		}

		drift := domain.DriftDetected{Instrument: instrument, Was: t.Quantity, SideWas: t.Side, SideNow: pos.Side}
		sideChanged := t.Side != pos.Side
		if sideChanged {
			t.Side = pos.Side
			t.Quantity = pos.Quantity
			t.EntryPrice = pos.EntryPrice
		}
		if t.SyncQuantity(pos.Quantity, r.cfg.Epsilon) || sideChanged {
			drift.Now = t.Quantity
			report.Corrected++
			report.Drift = append(report.Drift, drift)
		}
	}

	for instrument, pos := range authoritative {
		if _, ok := r.trackers[instrument]; ok {
			continue
		}
		report.Untracked = append(report.Untracked, pos)
		if !correct || !r.cfg.AdoptUntracked {
			continue
		}
		t, err := domain.NewTracker(instrument, pos.Side, pos.Quantity, pos.EntryPrice, now)
		if err != nil {
			r.logger.Warn("cannot adopt exchange position", zap.String("instrument", instrument.String()), zap.Error(err))
			continue
		}
		r.trackers[instrument] = t
		report.Adopted++
	}
	metrics.OpenPositions.Set(float64(len(r.trackers)))
	r.mu.Unlock()

	sort.Slice(report.Untracked, func(i, j int) bool {
		return report.Untracked[i].Instrument.String() < report.Untracked[j].Instrument.String()
	})

	metrics.ReconcileChanges.WithLabelValues("corrected").Add(float64(report.Corrected))
	metrics.ReconcileChanges.WithLabelValues("removed").Add(float64(report.Removed))
	metrics.ReconcileChanges.WithLabelValues("adopted").Add(float64(report.Adopted))

	return report
}

func (r *Reconciler) logReport(msg string, report Report) {
	for _, d := range report.Drift {
		r.logger.Info("tracker corrected",
			zap.String("instrument", d.Instrument.String()),
			zap.String("was", d.Was.String()),
			zap.String("now", d.Now.String()),
			zap.String("side_was", d.SideWas.String()),
			zap.String("side_now", d.SideNow.String()))
	}
	for _, o := range report.Orphans {
		r.logger.Info("tracker removed",
			zap.String("instrument", o.Instrument.String()),
			zap.String("quantity", o.Quantity.String()),
			zap.String("reason", o.Reason))
	}
	for _, p := range report.Untracked {
		r.logger.Info("untracked exchange position",
			zap.String("instrument", p.Instrument.String()),
			zap.String("side", p.Side.String()),
			zap.String("quantity", p.Quantity.String()),
			zap.Bool("adopted", r.cfg.AdoptUntracked))
	}

	if report.Changed() || report.Degraded {
		r.logger.Info(msg,
			zap.Int("corrected", report.Corrected),
			zap.Int("removed", report.Removed),
			zap.Int("adopted", report.Adopted),
			zap.Bool("degraded", report.Degraded))
	}
}

// Run reconciles and cleans up on their own intervals until ctx is done.
func (r *Reconciler) Run(ctx context.Context, reconcileInterval, cleanupInterval time.Duration) error {
	reconcileTicker := time.NewTicker(reconcileInterval)
	defer reconcileTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconcileTicker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation failed", zap.Error(err))
			}
		case <-cleanupTicker.C:
			if _, err := r.CleanupOrphaned(ctx); err != nil {
				r.logger.Error("orphan cleanup failed", zap.Error(err))
			}
		}
	}
}
