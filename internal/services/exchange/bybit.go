package exchange

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/pkg/retrier"
	"go.uber.org/zap"
)

const (
	bybitStopLossLinkPrefix   = "tc-sl-"
	bybitTakeProfitLinkPrefix = "tc-tp-"

	// leverage not modified
	bybitLeverageUnchanged = "110043"
	// order not exists or too late to cancel
	bybitUnknownOrder = "110001"
)

// Bybit trades linear (USDT settled) perpetuals through the V5 API.
type Bybit struct {
	client  *bybit.Client
	logger  *zap.Logger
	quote   string
	retrier *retrier.Retrier

	mu         sync.Mutex
	configured map[string]bool
}

// NewBybit creates the adapter. quote is the settle coin, e.g. USDT.
func NewBybit(logger *zap.Logger, client *bybit.Client, quote string) (*Bybit, error) {
	if client == nil {
		return nil, errors.New("bybit client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if quote == "" {
		quote = "USDT"
	}

	return &Bybit{
		client:     client,
		logger:     logger.With(zap.String("component", "bybit")),
		quote:      strings.ToUpper(quote),
		retrier:    readRetrier(),
		configured: make(map[string]bool),
	}, nil
}

func (b *Bybit) GetPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	settle := bybit.Coin(b.quote)
	res, err := retrier.DoWithData(b.retrier, ctx, func(ctx context.Context) (*bybit.V5GetPositionInfoResponse, error) {
		return b.client.V5().Position().GetPositionInfo(bybit.V5GetPositionInfoParam{
			Category:   bybit.CategoryV5Linear,
			SettleCoin: &settle,
		})
	})
	if err != nil {
		return nil, wrapErr("get_positions", domain.Pair{}, err)
	}

	positions := make([]domain.ExchangePosition, 0, len(res.Result.List))
	for _, item := range res.Result.List {
		pair, ok := pairFromSymbol(string(item.Symbol), b.quote)
		if !ok {
			continue
		}
		size, err := decimal.NewFromString(item.Size)
		if err != nil || size.IsZero() {
			continue
		}
		if item.Side == bybit.SideSell {
			size = size.Neg()
		}
		entry, _ := decimal.NewFromString(item.AvgPrice)
		leverage, _ := strconv.Atoi(strings.Split(item.Leverage, ".")[0])

		positions = append(positions, signedPosition(pair, size, entry, leverage))
	}

	return positions, nil
}

func (b *Bybit) Open(ctx context.Context, req domain.OpenRequest) (domain.OrderID, error) {
	if err := b.configure(ctx, req); err != nil {
		return "", err
	}

	res, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:  bybit.CategoryV5Linear,
		Symbol:    bybit.SymbolV5(req.Instrument.Symbol()),
		Side:      bybitSide(req.Side.OpenDirection()),
		OrderType: bybit.OrderTypeMarket,
		Qty:       req.Quantity.String(),
	})
	if err != nil {
		return "", wrapErr("open", req.Instrument, err)
	}

	return domain.OrderID(res.Result.OrderID), nil
}

func (b *Bybit) Close(ctx context.Context, instrument domain.Pair, side domain.PositionSide, qty decimal.Decimal) (domain.OrderID, error) {
	reduceOnly := true
	res, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:   bybit.CategoryV5Linear,
		Symbol:     bybit.SymbolV5(instrument.Symbol()),
		Side:       bybitSide(side.CloseDirection()),
		OrderType:  bybit.OrderTypeMarket,
		Qty:        qty.String(),
		ReduceOnly: &reduceOnly,
	})
	if err != nil {
		return "", wrapErr("close", instrument, err)
	}

	return domain.OrderID(res.Result.OrderID), nil
}

func (b *Bybit) SetStopLoss(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	// stop fires when price moves against the position
	direction := bybit.TriggerDirectionFall
	if req.Side == domain.PositionSideShort {
		direction = bybit.TriggerDirectionRise
	}

	return b.placeProtection(ctx, "set_stop_loss", req, direction, bybitStopLossLinkPrefix)
}

func (b *Bybit) SetTakeProfit(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	direction := bybit.TriggerDirectionRise
	if req.Side == domain.PositionSideShort {
		direction = bybit.TriggerDirectionFall
	}

	return b.placeProtection(ctx, "set_take_profit", req, direction, bybitTakeProfitLinkPrefix)
}

func (b *Bybit) Cancel(ctx context.Context, instrument domain.Pair, id domain.OrderID) error {
	orderID := string(id)
	_, err := b.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category: bybit.CategoryV5Linear,
		Symbol:   bybit.SymbolV5(instrument.Symbol()),
		OrderID:  &orderID,
	})
	if err != nil {
		if strings.Contains(err.Error(), bybitUnknownOrder) {
			return nil
		}
		return wrapErr("cancel", instrument, err)
	}

	return nil
}

func (b *Bybit) placeProtection(
	ctx context.Context,
	op string,
	req domain.ProtectionRequest,
	direction bybit.TriggerDirection,
	prefix string,
) (domain.OrderID, error) {
	reduceOnly := true
	closeOnTrigger := true
	trigger := req.TriggerPrice.String()
	link := clientOrderID(prefix)

	res, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:         bybit.CategoryV5Linear,
		Symbol:           bybit.SymbolV5(req.Instrument.Symbol()),
		Side:             bybitSide(req.Side.CloseDirection()),
		OrderType:        bybit.OrderTypeMarket,
		Qty:              req.Quantity.String(),
		TriggerPrice:     &trigger,
		TriggerDirection: &direction,
		ReduceOnly:       &reduceOnly,
		CloseOnTrigger:   &closeOnTrigger,
		OrderLinkID:      &link,
	})
	if err != nil {
		return "", wrapErr(op, req.Instrument, err)
	}

	return domain.OrderID(res.Result.OrderID), nil
}

func (b *Bybit) configure(ctx context.Context, req domain.OpenRequest) error {
	symbol := req.Instrument.Symbol()

	b.mu.Lock()
	done := b.configured[symbol]
	b.mu.Unlock()
	if done || req.Leverage <= 0 {
		return nil
	}

	leverage := strconv.Itoa(req.Leverage)
	_, err := b.client.V5().Position().SetLeverage(bybit.V5SetLeverageParam{
		Category:     bybit.CategoryV5Linear,
		Symbol:       bybit.SymbolV5(symbol),
		BuyLeverage:  leverage,
		SellLeverage: leverage,
	})
	if err != nil && !strings.Contains(err.Error(), bybitLeverageUnchanged) {
		return wrapErr("set_leverage", req.Instrument, err)
	}

	b.mu.Lock()
	b.configured[symbol] = true
	b.mu.Unlock()

	b.logger.Info("configured symbol",
		zap.String("instrument", req.Instrument.String()),
		zap.Int("leverage", req.Leverage))

	return nil
}

func bybitSide(d domain.Direction) bybit.Side {
	if d == domain.DirectionSell {
		return bybit.SideSell
	}
	return bybit.SideBuy
}
