// Package exchange adapts exchange SDKs to domain.Exchange.
package exchange

import (
	"context"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

// binance error codes worth another try: unknown/timeout, too many requests, backend timeout
var binanceRetryableCodes = map[int64]struct{}{
	-1001: {},
	-1003: {},
	-1007: {},
	-1008: {},
}

var retryableFragments = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"connection reset",
	"connection refused",
	"eof",
	"10006", // bybit: too many visits
	"10016", // bybit: server error
}

// isTransient reports whether err looks like a transport failure rather than a rejection.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		_, ok := binanceRetryableCodes[apiErr.Code]
		return ok
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

func wrapErr(op string, instrument domain.Pair, err error) error {
	return domain.NewExchangeError(op, instrument, isTransient(err), err)
}
