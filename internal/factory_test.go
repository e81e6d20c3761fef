package internal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradecore/config"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/services/exchange"
)

func paperConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Parse([]byte(`
exchange:
  platform: paper
  paper_balance: "5000"
  paper_state_dir: `+filepath.Join(dir, "paper")+`
providers:
  - name: gpt-4o
    url: http://127.0.0.1:1/v1/chat/completions
    model: gpt-4o
lease:
  dir: `+filepath.Join(dir, "leases")+`
storage:
  trades_dir: `+filepath.Join(dir, "trades")+`
  decisions_dir: `+filepath.Join(dir, "decisions")+`
instruments:
  - instrument: ETH_USDT
    qty_step: "0.01"
    leverage: 3
`), func(string) string { return "" })
	require.NoError(t, err)

	return cfg
}

func TestBuildPaper(t *testing.T) {
	app, err := Build(context.Background(), nil, paperConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, app.Close()) })

	require.NotNil(t, app.Bot)
	assert.NotNil(t, app.Bot.marks)
	assert.Empty(t, app.Positions.Snapshot())
}

func TestBuildRejectsUnknownPlatform(t *testing.T) {
	cfg := paperConfig(t)
	cfg.Exchange.Platform = "kraken"

	_, err := Build(context.Background(), nil, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported platform: kraken")
}

func TestNewExchangeUnknownPlatformCarriesStack(t *testing.T) {
	_, err := newExchange(nil, config.ExchangeConfig{Platform: "kraken"})
	require.Error(t, err)
	assert.Contains(t, fmt.Sprintf("%+v", err), "internal.newExchange")
}

func TestNewExchangePaper(t *testing.T) {
	cfg := paperConfig(t)

	ex, err := newExchange(nil, cfg.Exchange)
	require.NoError(t, err)

	paper, ok := ex.(*exchange.Paper)
	require.True(t, ok)
	assert.True(t, paper.Balance().Equal(decimal.NewFromInt(5000)))
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := paperConfig(t)

	out := coordinatorConfig(cfg)
	eth := domain.Pair{From: "ETH", To: "USDT"}

	require.Contains(t, out.Instruments, eth)
	assert.Equal(t, 3, out.Instruments[eth].Leverage)
	assert.True(t, out.Instruments[eth].QtyStep.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, out.MaxNotional.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, domain.MarginModeIsolated, out.MarginMode)
	assert.Equal(t, 10*time.Second, out.CallTimeout)
}

func TestAppCloseReportsFirstError(t *testing.T) {
	var order []int
	app := &App{closers: []func() error{
		func() error { order = append(order, 1); return assert.AnError },
		func() error { order = append(order, 2); return nil },
	}}

	assert.ErrorIs(t, app.Close(), assert.AnError)
	assert.Equal(t, []int{2, 1}, order)
}
