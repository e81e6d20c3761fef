// Package risk vetoes unsafe or repetitive trading signals.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultAlertTTL          = 24 * time.Hour
	defaultCapacity          = 100
	defaultReversalWindow    = 3
	defaultReversalThreshold = 2
	defaultAlertCooldown     = 15 * time.Minute
	defaultHistoryCap        = 10
)

// Config risk policy thresholds.
type Config struct {
	AlertTTL          time.Duration
	Capacity          int
	ReversalWindow    int
	ReversalThreshold int
	// AlertCooldown repeated alerts of the same type inside this window are vetoed; negative disables.
	AlertCooldown time.Duration
	HistoryCap    int
}

func (c Config) withDefaults() Config {
	if c.AlertTTL <= 0 {
		c.AlertTTL = defaultAlertTTL
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.ReversalWindow <= 0 {
		c.ReversalWindow = defaultReversalWindow
	}
	if c.ReversalThreshold <= 0 {
		c.ReversalThreshold = defaultReversalThreshold
	}
	if c.AlertCooldown == 0 {
		c.AlertCooldown = defaultAlertCooldown
	}
	if c.HistoryCap < c.ReversalWindow {
		c.HistoryCap = max(defaultHistoryCap, c.ReversalWindow)
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

type alertKey struct {
	instrument domain.Pair
	alertType  string
}

// Controller owns the tracked alert registry and the signal history.
type Controller struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu       sync.RWMutex
	alerts   map[domain.Pair]domain.TrackedAlert
	lastSeen map[alertKey]time.Time
	history  []domain.Signal
}

// NewController creates a risk controller.
func NewController(logger *zap.Logger, cfg Config, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "risk")),
		alerts:   make(map[domain.Pair]domain.TrackedAlert),
		lastSeen: make(map[alertKey]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit decides whether the signal may proceed given the current position and
// records it into the signal history. Hold is always admitted. A reversal needs
// high confidence and must not repeat a direction already dominant in the recent
// history of the instrument.
func (c *Controller) Admit(signal domain.Signal, current *domain.Tracker) bool {
	if isHold(signal) {
		metrics.RiskDecisions.WithLabelValues("admitted", "hold").Inc()
		return true
	}

	c.mu.Lock()
	c.record(signal)
	agreeing := c.agreeing(signal)
	c.mu.Unlock()

	ok, reason := c.evaluate(signal, current, agreeing)
	if !ok {
		metrics.RiskDecisions.WithLabelValues("rejected", reason).Inc()
		c.logger.Info("signal rejected",
			zap.String("instrument", signal.Instrument.String()),
			zap.String("direction", signal.Direction.String()),
			zap.String("confidence", signal.Confidence.String()),
			zap.String("position_side", current.Side.String()),
			zap.String("reason", reason),
			zap.Int("agreeing", agreeing),
			zap.Int("window", c.cfg.ReversalWindow))
		return false
	}

	metrics.RiskDecisions.WithLabelValues("admitted", reason).Inc()
	return true
}

// Permits re-evaluates an already admitted signal against a fresh position
// without recording it again.
func (c *Controller) Permits(signal domain.Signal, current *domain.Tracker) bool {
	if isHold(signal) {
		return true
	}

	c.mu.RLock()
	agreeing := c.agreeing(signal)
	c.mu.RUnlock()

	ok, _ := c.evaluate(signal, current, agreeing)
	return ok
}

func isHold(signal domain.Signal) bool {
	return signal.Action == domain.ActionHold || signal.Direction == domain.DirectionHold
}

func (c *Controller) evaluate(signal domain.Signal, current *domain.Tracker, agreeing int) (bool, string) {
	if !signal.IsReversalOf(current) {
		return true, "no_reversal"
	}
	if signal.Confidence != domain.ConfidenceHigh {
		return false, "reversal_confidence"
	}
	if agreeing >= c.cfg.ReversalThreshold {
		return false, "whipsaw"
	}
	return true, "reversal"
}

// record appends to the history, dropping the oldest beyond the cap. Caller holds mu.
func (c *Controller) record(signal domain.Signal) {
	c.history = append(c.history, signal)
	if over := len(c.history) - c.cfg.HistoryCap; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
}

// agreeing counts signals of the instrument in the reversal window sharing the direction. Caller holds mu.
func (c *Controller) agreeing(signal domain.Signal) int {
	seen, count := 0, 0
	for i := len(c.history) - 1; i >= 0 && seen < c.cfg.ReversalWindow; i-- {
		h := c.history[i]
		if h.Instrument != signal.Instrument {
			continue
		}
		seen++
		if h.Direction == signal.Direction {
			count++
		}
	}
	return count
}

// RecentSignals returns a copy of the signal history, oldest first.
func (c *Controller) RecentSignals() []domain.Signal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Signal, len(c.history))
	copy(out, c.history)
	return out
}

// ObserveAlert tracks the alert, replacing any previous one for the instrument.
// Returns false when the same alert type for the instrument was accepted within the
// cooldown. A vetoed alert still replaces the tracked one; the cooldown keeps counting
// from the accepted alert.
func (c *Controller) ObserveAlert(alert domain.Alert) bool {
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = c.now()
	}
	key := alertKey{instrument: alert.Instrument, alertType: alert.AlertType}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.AlertCooldown > 0 {
		if last, ok := c.lastSeen[key]; ok && alert.ReceivedAt.Sub(last) < c.cfg.AlertCooldown {
			metrics.RiskDecisions.WithLabelValues("rejected", "duplicate_alert").Inc()
			c.logger.Info("duplicate alert inside cooldown",
				zap.String("instrument", alert.Instrument.String()),
				zap.String("alert_type", alert.AlertType),
				zap.Time("last_seen", last))
			c.alerts[alert.Instrument] = alert.Track()
			metrics.TrackedAlerts.Set(float64(len(c.alerts)))
			return false
		}
	}

	c.lastSeen[key] = alert.ReceivedAt
	c.alerts[alert.Instrument] = alert.Track()
	metrics.TrackedAlerts.Set(float64(len(c.alerts)))
	return true
}

// TrackedAlert returns the tracked alert for the instrument.
func (c *Controller) TrackedAlert(instrument domain.Pair) (domain.TrackedAlert, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.alerts[instrument]
	return a, ok
}

// TrackedAlerts returns a snapshot of all tracked alerts ordered by received time.
func (c *Controller) TrackedAlerts() []domain.TrackedAlert {
	c.mu.RLock()
	out := make([]domain.TrackedAlert, 0, len(c.alerts))
	for _, a := range c.alerts {
		out = append(out, a)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Evict removes alerts older than the TTL, then the oldest ones above capacity.
// Returns the number of removed alerts.
func (c *Controller) Evict() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for instrument, a := range c.alerts {
		if now.Sub(a.ReceivedAt) > c.cfg.AlertTTL {
			delete(c.alerts, instrument)
			expired++
		}
	}
	for key, seen := range c.lastSeen {
		if now.Sub(seen) > max(c.cfg.AlertTTL, c.cfg.AlertCooldown) {
			delete(c.lastSeen, key)
		}
	}

	overflow := 0
	if excess := len(c.alerts) - c.cfg.Capacity; excess > 0 {
		oldest := make([]domain.TrackedAlert, 0, len(c.alerts))
		for _, a := range c.alerts {
			oldest = append(oldest, a)
		}
		sort.Slice(oldest, func(i, j int) bool { return oldest[i].ReceivedAt.Before(oldest[j].ReceivedAt) })
		for _, a := range oldest[:excess] {
			delete(c.alerts, a.Instrument)
			overflow++
		}
	}

	metrics.TrackedAlerts.Set(float64(len(c.alerts)))
	if expired+overflow > 0 {
		metrics.AlertEvictions.WithLabelValues("ttl").Add(float64(expired))
		metrics.AlertEvictions.WithLabelValues("capacity").Add(float64(overflow))
		c.logger.Debug("evicted tracked alerts",
			zap.Int("expired", expired),
			zap.Int("overflow", overflow),
			zap.Int("remaining", len(c.alerts)))
	}

	return expired + overflow
}

// Run evicts on every tick until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Evict()
		}
	}
}
