package exchange

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/pkg/retrier"
	"go.uber.org/zap"
)

const (
	binanceStopLossClientPrefix   = "tc-sl-"
	binanceTakeProfitClientPrefix = "tc-tp-"
	binanceEntryClientPrefix      = "tc-in-"
	binanceExitClientPrefix       = "tc-out-"

	// margin type already set to the requested value
	binanceNoMarginChange = -4046
	// order does not exist, or already filled/cancelled
	binanceUnknownOrder = -2011
)

// BinanceFutures trades USDⓈ-M perpetuals in one-way position mode.
type BinanceFutures struct {
	client  *futures.Client
	logger  *zap.Logger
	quote   string
	retrier *retrier.Retrier

	mu         sync.Mutex
	configured map[string]bool
}

// NewBinanceFutures creates the adapter. quote selects which symbols map back to instruments (e.g. USDT).
func NewBinanceFutures(logger *zap.Logger, client *futures.Client, quote string) (*BinanceFutures, error) {
	if client == nil {
		return nil, errors.New("binance futures client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if quote == "" {
		quote = "USDT"
	}

	return &BinanceFutures{
		client:     client,
		logger:     logger.With(zap.String("component", "binance_futures")),
		quote:      strings.ToUpper(quote),
		retrier:    readRetrier(),
		configured: make(map[string]bool),
	}, nil
}

func (b *BinanceFutures) GetPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	risks, err := retrier.DoWithData(b.retrier, ctx, func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return b.client.NewGetPositionRiskService().Do(ctx)
	})
	if err != nil {
		return nil, wrapErr("get_positions", domain.Pair{}, err)
	}

	positions := make([]domain.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		pair, ok := pairFromSymbol(r.Symbol, b.quote)
		if !ok {
			continue
		}
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		leverage, _ := strconv.Atoi(r.Leverage)

		positions = append(positions, signedPosition(pair, amt, entry, leverage))
	}

	return positions, nil
}

func (b *BinanceFutures) Open(ctx context.Context, req domain.OpenRequest) (domain.OrderID, error) {
	if err := b.configure(ctx, req); err != nil {
		return "", err
	}

	res, err := b.client.NewCreateOrderService().
		Symbol(req.Instrument.Symbol()).
		Side(binanceSide(req.Side.OpenDirection())).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		NewClientOrderID(clientOrderID(binanceEntryClientPrefix)).
		Do(ctx)
	if err != nil {
		return "", wrapErr("open", req.Instrument, err)
	}

	return domain.OrderID(strconv.FormatInt(res.OrderID, 10)), nil
}

func (b *BinanceFutures) Close(ctx context.Context, instrument domain.Pair, side domain.PositionSide, qty decimal.Decimal) (domain.OrderID, error) {
	res, err := b.client.NewCreateOrderService().
		Symbol(instrument.Symbol()).
		Side(binanceSide(side.CloseDirection())).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		ReduceOnly(true).
		NewClientOrderID(clientOrderID(binanceExitClientPrefix)).
		Do(ctx)
	if err != nil {
		return "", wrapErr("close", instrument, err)
	}

	return domain.OrderID(strconv.FormatInt(res.OrderID, 10)), nil
}

func (b *BinanceFutures) SetStopLoss(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	return b.placeProtection(ctx, "set_stop_loss", req, futures.OrderTypeStopMarket, binanceStopLossClientPrefix)
}

func (b *BinanceFutures) SetTakeProfit(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	return b.placeProtection(ctx, "set_take_profit", req, futures.OrderTypeTakeProfitMarket, binanceTakeProfitClientPrefix)
}

func (b *BinanceFutures) Cancel(ctx context.Context, instrument domain.Pair, id domain.OrderID) error {
	orderID, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return domain.NewExchangeError("cancel", instrument, false, errors.Wrapf(err, "invalid order id %q", id))
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(instrument.Symbol()).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceUnknownOrder {
			// already triggered or cancelled
			return nil
		}
		return wrapErr("cancel", instrument, err)
	}

	return nil
}

func (b *BinanceFutures) placeProtection(
	ctx context.Context,
	op string,
	req domain.ProtectionRequest,
	orderType futures.OrderType,
	prefix string,
) (domain.OrderID, error) {
	res, err := b.client.NewCreateOrderService().
		Symbol(req.Instrument.Symbol()).
		Side(binanceSide(req.Side.CloseDirection())).
		Type(orderType).
		Quantity(req.Quantity.String()).
		StopPrice(req.TriggerPrice.String()).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(clientOrderID(prefix)).
		Do(ctx)
	if err != nil {
		return "", wrapErr(op, req.Instrument, err)
	}

	return domain.OrderID(strconv.FormatInt(res.OrderID, 10)), nil
}

// configure applies leverage and margin mode once per symbol.
func (b *BinanceFutures) configure(ctx context.Context, req domain.OpenRequest) error {
	symbol := req.Instrument.Symbol()

	b.mu.Lock()
	done := b.configured[symbol]
	b.mu.Unlock()
	if done {
		return nil
	}

	if req.Leverage > 0 {
		if _, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(req.Leverage).Do(ctx); err != nil {
			return wrapErr("set_leverage", req.Instrument, err)
		}
	}

	if req.MarginMode.IsValid() {
		marginType := futures.MarginTypeCrossed
		if req.MarginMode == domain.MarginModeIsolated {
			marginType = futures.MarginTypeIsolated
		}
		err := b.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
		var apiErr *common.APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Code == binanceNoMarginChange) {
			return wrapErr("set_margin_mode", req.Instrument, err)
		}
	}

	b.mu.Lock()
	b.configured[symbol] = true
	b.mu.Unlock()

	b.logger.Info("configured symbol",
		zap.String("instrument", req.Instrument.String()),
		zap.Int("leverage", req.Leverage),
		zap.String("margin_mode", req.MarginMode.String()))

	return nil
}

func binanceSide(d domain.Direction) futures.SideType {
	if d == domain.DirectionSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}
