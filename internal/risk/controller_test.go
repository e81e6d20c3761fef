package risk

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

var (
	btc  = domain.Pair{From: "BTC", To: "USDT"}
	base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func signal(action domain.Action, dir domain.Direction, c domain.Confidence) domain.Signal {
	return domain.Signal{Instrument: btc, Action: action, Direction: dir, Confidence: c, At: base}
}

func longPosition() *domain.Tracker {
	return &domain.Tracker{Instrument: btc, Side: domain.PositionSideLong, Quantity: decimal.NewFromInt(1)}
}

func TestAdmitHoldAlwaysAdmitted(t *testing.T) {
	c := NewController(nil, Config{})

	assert.True(t, c.Admit(signal(domain.ActionHold, domain.DirectionHold, domain.ConfidenceLow), longPosition()))
	assert.Empty(t, c.RecentSignals())
}

func TestAdmitReversalNeedsHighConfidence(t *testing.T) {
	for _, conf := range []domain.Confidence{domain.ConfidenceLow, domain.ConfidenceMedium} {
		t.Run(conf.String(), func(t *testing.T) {
			c := NewController(nil, Config{})
			assert.False(t, c.Admit(signal(domain.ActionEnterShort, domain.DirectionSell, conf), longPosition()))
		})
	}

	c := NewController(nil, Config{})
	assert.True(t, c.Admit(signal(domain.ActionEnterShort, domain.DirectionSell, domain.ConfidenceHigh), longPosition()))
}

func TestAdmitAntiWhipsaw(t *testing.T) {
	c := NewController(nil, Config{})

	flat := (*domain.Tracker)(nil)
	require.True(t, c.Admit(signal(domain.ActionEnterLong, domain.DirectionBuy, domain.ConfidenceLow), flat))
	require.True(t, c.Admit(signal(domain.ActionEnterLong, domain.DirectionBuy, domain.ConfidenceLow), flat))
	require.True(t, c.Admit(signal(domain.ActionEnterShort, domain.DirectionSell, domain.ConfidenceLow), flat))

	assert.False(t, c.Admit(signal(domain.ActionEnterShort, domain.DirectionSell, domain.ConfidenceHigh), longPosition()))
}

func TestAdmitNonReversalAlwaysAdmitted(t *testing.T) {
	c := NewController(nil, Config{})

	assert.True(t, c.Admit(signal(domain.ActionEnterLong, domain.DirectionBuy, domain.ConfidenceLow), nil))
	assert.True(t, c.Admit(signal(domain.ActionAdd, domain.DirectionBuy, domain.ConfidenceLow), longPosition()))
	assert.True(t, c.Admit(signal(domain.ActionClose, domain.DirectionSell, domain.ConfidenceLow), longPosition()))
}

func TestAdmitWhipsawIsPerInstrument(t *testing.T) {
	c := NewController(nil, Config{})
	eth := domain.Pair{From: "ETH", To: "USDT"}

	for i := 0; i < 3; i++ {
		s := signal(domain.ActionEnterShort, domain.DirectionSell, domain.ConfidenceLow)
		s.Instrument = eth
		c.Admit(s, nil)
	}

	assert.True(t, c.Admit(signal(domain.ActionEnterShort, domain.DirectionSell, domain.ConfidenceHigh), longPosition()))
}

func TestSignalHistoryIsCapped(t *testing.T) {
	c := NewController(nil, Config{HistoryCap: 4})

	for i := 0; i < 6; i++ {
		s := signal(domain.ActionEnterLong, domain.DirectionBuy, domain.ConfidenceLow)
		s.At = base.Add(time.Duration(i) * time.Second)
		c.Admit(s, nil)
	}

	history := c.RecentSignals()
	require.Len(t, history, 4)
	assert.Equal(t, base.Add(2*time.Second), history[0].At)
	assert.Equal(t, base.Add(5*time.Second), history[3].At)
}

func TestEvictCapacityRemovesOldest(t *testing.T) {
	clock := &fakeClock{now: base}
	c := NewController(nil, Config{Capacity: 100, AlertTTL: 24 * time.Hour}, WithClock(clock.Now))

	for i := 0; i < 101; i++ {
		ok := c.ObserveAlert(domain.Alert{
			Instrument: domain.Pair{From: fmt.Sprintf("C%d", i), To: "USDT"},
			AlertType:  "pump",
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.True(t, ok)
	}
	clock.Set(base.Add(2 * time.Minute))

	assert.Equal(t, 1, c.Evict())
	alerts := c.TrackedAlerts()
	assert.Len(t, alerts, 100)
	_, ok := c.TrackedAlert(domain.Pair{From: "C0", To: "USDT"})
	assert.False(t, ok)
	assert.Equal(t, base.Add(time.Second), alerts[0].ReceivedAt)

	assert.Equal(t, 0, c.Evict())
}

func TestEvictTTL(t *testing.T) {
	ttl := 24 * time.Hour
	clock := &fakeClock{now: base}
	c := NewController(nil, Config{AlertTTL: ttl}, WithClock(clock.Now))
	require.True(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "dump", ReceivedAt: base}))

	clock.Set(base.Add(ttl - time.Second))
	c.Evict()
	_, ok := c.TrackedAlert(btc)
	assert.True(t, ok)

	clock.Set(base.Add(ttl + time.Second))
	c.Evict()
	_, ok = c.TrackedAlert(btc)
	assert.False(t, ok)
}

func TestObserveAlertReplacesAndVetoesDuplicates(t *testing.T) {
	clock := &fakeClock{now: base}
	c := NewController(nil, Config{AlertCooldown: 15 * time.Minute}, WithClock(clock.Now))

	require.True(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "pump", Price: decimal.NewFromInt(100), ReceivedAt: base}))
	assert.False(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "pump", Price: decimal.NewFromInt(101), ReceivedAt: base.Add(time.Minute)}))

	a, ok := c.TrackedAlert(btc)
	require.True(t, ok)
	assert.True(t, a.Price.Equal(decimal.NewFromInt(101)))

	require.True(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "dump", Price: decimal.NewFromInt(90), ReceivedAt: base.Add(2 * time.Minute)}))
	require.True(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "pump", Price: decimal.NewFromInt(120), ReceivedAt: base.Add(20 * time.Minute)}))

	a, _ = c.TrackedAlert(btc)
	assert.True(t, a.Price.Equal(decimal.NewFromInt(120)))
	assert.Len(t, c.TrackedAlerts(), 1)
}

func TestVetoedAlertRefreshesTrackedAlert(t *testing.T) {
	clock := &fakeClock{now: base}
	c := NewController(nil, Config{AlertCooldown: 15 * time.Minute}, WithClock(clock.Now))

	require.True(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "pump", Price: decimal.NewFromInt(100), ReceivedAt: base}))
	assert.False(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "pump", Price: decimal.NewFromInt(105), ReceivedAt: base.Add(10 * time.Minute)}))

	a, ok := c.TrackedAlert(btc)
	require.True(t, ok)
	assert.True(t, a.Price.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, base.Add(10*time.Minute), a.ReceivedAt)

	// cooldown counts from the accepted alert, not the vetoed one
	require.True(t, c.ObserveAlert(domain.Alert{Instrument: btc, AlertType: "pump", Price: decimal.NewFromInt(107), ReceivedAt: base.Add(16 * time.Minute)}))
}

func TestEvictConcurrentWithLookups(t *testing.T) {
	c := NewController(nil, Config{Capacity: 10, AlertCooldown: -1})
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.ObserveAlert(domain.Alert{
					Instrument: domain.Pair{From: fmt.Sprintf("W%dC%d", w, i), To: "USDT"},
					ReceivedAt: start.Add(time.Duration(i) * time.Millisecond),
				})
				c.Evict()
				c.TrackedAlerts()
			}
		}(w)
	}
	wg.Wait()

	c.Evict()
	assert.Len(t, c.TrackedAlerts(), 10)
}

func TestPermitsDoesNotRecord(t *testing.T) {
	c := NewController(nil, Config{})
	s := signal(domain.ActionEnterShort, domain.DirectionSell, domain.ConfidenceHigh)

	require.True(t, c.Admit(s, longPosition()))
	require.Len(t, c.RecentSignals(), 1)

	assert.True(t, c.Permits(s, longPosition()))
	assert.True(t, c.Permits(s, nil))
	assert.Len(t, c.RecentSignals(), 1)

	s.Confidence = domain.ConfidenceMedium
	assert.False(t, c.Permits(s, longPosition()))
}
