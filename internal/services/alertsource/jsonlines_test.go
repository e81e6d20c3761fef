package alertsource

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

func TestParse(t *testing.T) {
	received := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	alert, err := Parse([]byte(`{"instrument":"eth/usdt","alert_type":"Price_Spike","price":"3100.5","change_24h":7.2,"raw_text":"ETH +7%"}`), received)
	require.NoError(t, err)
	assert.Equal(t, domain.Pair{From: "ETH", To: "USDT"}, alert.Instrument)
	assert.Equal(t, "price_spike", alert.AlertType)
	assert.True(t, alert.Price.Equal(decimal.RequireFromString("3100.5")))
	assert.True(t, alert.Change24h.Equal(decimal.RequireFromString("7.2")))
	assert.Equal(t, received, alert.ReceivedAt)

	alert, err = Parse([]byte(`{"instrument":"BTC_USDT","price":1,"received_at":"2025-04-30T12:00:00Z"}`), received)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 30, 12, 0, 0, 0, time.UTC), alert.ReceivedAt)

	_, err = Parse([]byte(`{"instrument":"BTC","price":1}`), received)
	assert.Error(t, err)

	_, err = Parse([]byte(`{"instrument":"BTC_USDT","price":-1}`), received)
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`), received)
	assert.Error(t, err)
}

func TestJSONLines_StreamSkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		`{"instrument":"BTC_USDT","alert_type":"volume","price":50000}`,
		``,
		`# comment`,
		`garbage`,
		`{"instrument":"ETH_USDT","alert_type":"price_drop","price":3000}`,
	}, "\n")

	src := NewJSONLines(nil, strings.NewReader(input))
	out := make(chan domain.Alert, 10)

	require.NoError(t, src.Stream(context.Background(), out))
	close(out)

	var got []string
	for a := range out {
		got = append(got, a.Instrument.String())
	}
	assert.Equal(t, []string{"BTC_USDT", "ETH_USDT"}, got)
}

func TestJSONLines_StreamStopsOnCancel(t *testing.T) {
	src := NewJSONLines(nil, strings.NewReader(`{"instrument":"BTC_USDT","price":1}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := src.Stream(ctx, make(chan domain.Alert))
	assert.ErrorIs(t, err, context.Canceled)
}
