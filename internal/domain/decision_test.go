package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdvisoryDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    AdvisoryDecision
		wantErr bool
	}{
		{
			name: "plain json",
			raw:  `{"action":"enter_long","confidence":"high","size_fraction":0.5,"stop_loss":95,"take_profit":110,"reason":"breakout"}`,
			want: AdvisoryDecision{
				Action:       ActionEnterLong,
				Confidence:   ConfidenceHigh,
				SizeFraction: 0.5,
				StopLoss:     decimal.NewFromInt(95),
				TakeProfit:   decimal.NewFromInt(110),
				Reason:       "breakout",
			},
		},
		{
			name: "markdown fenced kebab case",
			raw:  "```json\n{\"action\":\"partial-close\",\"confidence\":\"Medium\",\"size_fraction\":0.25,\"reason\":\" trim \"}\n```",
			want: AdvisoryDecision{
				Action:       ActionPartialClose,
				Confidence:   ConfidenceMedium,
				SizeFraction: 0.25,
				StopLoss:     decimal.Zero,
				TakeProfit:   decimal.Zero,
				Reason:       "trim",
			},
		},
		{name: "not json", raw: "buy now", wantErr: true},
		{name: "unknown action", raw: `{"action":"moon","confidence":"high","size_fraction":0.1}`, wantErr: true},
		{name: "unknown confidence", raw: `{"action":"hold","confidence":"sure","size_fraction":0}`, wantErr: true},
		{name: "size out of range", raw: `{"action":"add","confidence":"low","size_fraction":1.5}`, wantErr: true},
		{name: "long with inverted levels", raw: `{"action":"enter_long","confidence":"low","size_fraction":0.1,"stop_loss":120,"take_profit":100}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAdvisoryDecision(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Action, got.Action)
			assert.Equal(t, tt.want.Confidence, got.Confidence)
			assert.InDelta(t, tt.want.SizeFraction, got.SizeFraction, 1e-9)
			assert.True(t, tt.want.StopLoss.Equal(got.StopLoss))
			assert.True(t, tt.want.TakeProfit.Equal(got.TakeProfit))
			assert.Equal(t, tt.want.Reason, got.Reason)
		})
	}
}

func TestAdvisoryDecisionValidateShortLevels(t *testing.T) {
	d := AdvisoryDecision{
		Action:     ActionEnterShort,
		Confidence: ConfidenceHigh,
		StopLoss:   decimal.NewFromInt(110),
		TakeProfit: decimal.NewFromInt(90),
	}
	require.NoError(t, d.Validate())

	d.StopLoss = decimal.NewFromInt(80)
	require.Error(t, d.Validate())
}

func TestConfidenceScore(t *testing.T) {
	assert.Equal(t, 3, ConfidenceHigh.Score())
	assert.Equal(t, 2, ConfidenceMedium.Score())
	assert.Equal(t, 1, ConfidenceLow.Score())
	assert.Equal(t, 0, ConfidenceUnknown.Score())
}

func TestParsePair(t *testing.T) {
	for _, in := range []string{"BTC_USDT", "btc/usdt", " BTC-USDT "} {
		p, err := ParsePair(in)
		require.NoError(t, err, in)
		assert.Equal(t, Pair{From: "BTC", To: "USDT"}, p)
		assert.Equal(t, "BTCUSDT", p.Symbol())
	}

	_, err := ParsePair("BTCUSDT")
	require.Error(t, err)
}
