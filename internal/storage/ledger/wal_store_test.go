package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

func trade(instrument string, action domain.Action) domain.TradeSummary {
	return domain.TradeSummary{
		ID:         "t-" + instrument,
		Instrument: instrument,
		Action:     action,
		Side:       "long",
		Quantity:   decimal.RequireFromString("0.01"),
		Price:      decimal.NewFromInt(50000),
		OrderID:    "42",
		StopLoss:   decimal.NewFromInt(48000),
		TakeProfit: decimal.NewFromInt(55000),
		Providers:  []string{"gpt-4o", "claude"},
		ExecutedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWALStore_RecordAndRead(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, trade("BTC_USDT", domain.ActionEnterLong)))
	require.NoError(t, store.Record(ctx, trade("ETH_USDT", domain.ActionClose)))
	assert.Equal(t, uint64(2), store.CurrentIndex())

	records, err := store.TradesAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Index)
	assert.Equal(t, "BTC_USDT", records[0].Trade.Instrument)
	assert.True(t, records[0].Trade.Quantity.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, domain.ActionClose, records[1].Trade.Action)

	records, err = store.TradesAfter(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ETH_USDT", records[0].Trade.Instrument)

	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.CurrentIndex())
}

func TestWALStore_RejectsInvalid(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Record(context.Background(), domain.TradeSummary{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Record(ctx, trade("BTC_USDT", domain.ActionEnterLong)), context.Canceled)
	assert.Equal(t, uint64(0), store.CurrentIndex())
}

func TestWALStore_Nil(t *testing.T) {
	var store *WALStore
	assert.Error(t, store.Record(context.Background(), trade("BTC_USDT", domain.ActionEnterLong)))
	assert.Equal(t, uint64(0), store.CurrentIndex())
}
