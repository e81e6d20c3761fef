package clients

import (
	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
)

// NewBinanceFuturesClient creates a USDⓈ-M futures client. testnet switches the base URL.
func NewBinanceFuturesClient(apiKey, apiSecret string, testnet bool) *futures.Client {
	futures.UseTestnet = testnet
	return binance.NewFuturesClient(apiKey, apiSecret)
}
