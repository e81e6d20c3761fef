package exchange

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/pkg/retrier"
)

func clientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + id[:24]
}

// pairFromSymbol splits BTCUSDT into BTC_USDT when the symbol ends with quote.
func pairFromSymbol(symbol, quote string) (domain.Pair, bool) {
	symbol = strings.ToUpper(symbol)
	if !strings.HasSuffix(symbol, quote) || len(symbol) == len(quote) {
		return domain.Pair{}, false
	}

	return domain.Pair{From: strings.TrimSuffix(symbol, quote), To: quote}, true
}

// signedPosition converts a signed exchange size into side plus absolute quantity.
func signedPosition(pair domain.Pair, size, entry decimal.Decimal, leverage int) domain.ExchangePosition {
	side := domain.PositionSideLong
	if size.IsNegative() {
		side = domain.PositionSideShort
	}

	return domain.ExchangePosition{
		Instrument: pair,
		Side:       side,
		Quantity:   size.Abs(),
		EntryPrice: entry,
		Leverage:   leverage,
	}
}

func readRetrier() *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxRetries(2),
		retrier.WithInitialInterval(200*time.Millisecond),
		retrier.WithRetryIf(isTransient),
	)
}
