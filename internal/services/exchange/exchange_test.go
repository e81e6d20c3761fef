package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", errors.Wrap(timeoutErr{}, "dial"), true},
		{"binance rate limit", &common.APIError{Code: -1003, Message: "Too many requests"}, true},
		{"binance margin", &common.APIError{Code: -2019, Message: "Margin is insufficient."}, false},
		{"bybit rate limit", errors.New("retCode=10006, retMsg=Too many visits"), true},
		{"rejection", errors.New("order would immediately trigger"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestPairFromSymbol(t *testing.T) {
	pair, ok := pairFromSymbol("ethusdt", "USDT")
	require.True(t, ok)
	assert.Equal(t, domain.Pair{From: "ETH", To: "USDT"}, pair)

	_, ok = pairFromSymbol("ETHBTC", "USDT")
	assert.False(t, ok)

	_, ok = pairFromSymbol("USDT", "USDT")
	assert.False(t, ok)
}

func TestSignedPosition(t *testing.T) {
	pos := signedPosition(btc, decimal.RequireFromString("-0.5"), decimal.NewFromInt(100), 3)
	assert.Equal(t, domain.PositionSideShort, pos.Side)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 3, pos.Leverage)

	pos = signedPosition(btc, decimal.NewFromInt(2), decimal.Zero, 0)
	assert.Equal(t, domain.PositionSideLong, pos.Side)
}

func TestClientOrderID(t *testing.T) {
	id := clientOrderID(binanceStopLossClientPrefix)
	assert.True(t, strings.HasPrefix(id, binanceStopLossClientPrefix))
	assert.LessOrEqual(t, len(id), 36)
	assert.NotEqual(t, id, clientOrderID(binanceStopLossClientPrefix))

	cloid := newCloid()
	assert.Len(t, cloid, 34)
	assert.True(t, strings.HasPrefix(cloid, "0x"))
}

func newBinanceTestServer(t *testing.T, handler http.HandlerFunc) *BinanceFutures {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := futures.NewClient("key", "secret")
	client.BaseURL = srv.URL

	b, err := NewBinanceFutures(nil, client, "USDT")
	require.NoError(t, err)
	return b
}

func TestBinanceFutures_GetPositions(t *testing.T) {
	b := newBinanceTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "positionRisk")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"50000.0","leverage":"5"},
			{"symbol":"ETHUSDT","positionAmt":"0.000","entryPrice":"0.0","leverage":"5"},
			{"symbol":"ETHBTC","positionAmt":"1","entryPrice":"0.05","leverage":"1"}
		]`))
	})

	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, btc, positions[0].Instrument)
	assert.Equal(t, domain.PositionSideShort, positions[0].Side)
	assert.True(t, positions[0].Quantity.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 5, positions[0].Leverage)
}

func TestBinanceFutures_OpenReturnsOrderID(t *testing.T) {
	b := newBinanceTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/order"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orderId":12345,"symbol":"BTCUSDT","status":"NEW"}`))
	})

	id, err := b.Open(context.Background(), domain.OpenRequest{Instrument: btc, Side: domain.PositionSideLong, Quantity: decimal.RequireFromString("0.01")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderID("12345"), id)
}

func TestBinanceFutures_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`, true},
		{"rejected", http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBinanceTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := b.Open(context.Background(), domain.OpenRequest{Instrument: btc, Side: domain.PositionSideShort, Quantity: decimal.RequireFromString("0.01")})
			require.Error(t, err)
			var exErr *domain.ExchangeError
			require.ErrorAs(t, err, &exErr)
			assert.Equal(t, "open", exErr.Op)
			assert.Equal(t, tt.retryable, exErr.Retryable)
		})
	}
}

func TestBinanceFutures_CancelUnknownOrder(t *testing.T) {
	b := newBinanceTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})

	assert.NoError(t, b.Cancel(context.Background(), btc, "42"))

	err := b.Cancel(context.Background(), btc, "not-a-number")
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}
