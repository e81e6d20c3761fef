package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/pkg/retrier"
	"go.uber.org/zap"
)

const hyperliquidSlippage = 0.005

// Hyperliquid trades perpetuals. Order ids are client ids (cloid); the numeric
// exchange id is looked up when cancelling.
type Hyperliquid struct {
	ex          *hyperliquid.Exchange
	info        *hyperliquid.Info
	accountAddr string
	logger      *zap.Logger
	retrier     *retrier.Retrier

	mu         sync.Mutex
	configured map[string]bool
}

// NewHyperliquid creates the adapter for the account derived from the client key.
func NewHyperliquid(logger *zap.Logger, ex *hyperliquid.Exchange, accountAddr string) (*Hyperliquid, error) {
	if ex == nil {
		return nil, errors.New("hyperliquid exchange is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hyperliquid{
		ex:          ex,
		info:        ex.Info(),
		accountAddr: accountAddr,
		logger:      logger.With(zap.String("component", "hyperliquid")),
		retrier:     readRetrier(),
		configured:  make(map[string]bool),
	}, nil
}

// GetPositions lists perp positions. Hyperliquid quotes every perp in USD, so
// instruments are reported as COIN_USD.
func (h *Hyperliquid) GetPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var positions []domain.ExchangePosition
	err := h.retrier.Do(ctx, func(ctx context.Context) error {
		st, err := h.info.UserState(ctx, h.accountAddr)
		if err != nil {
			return err
		}

		positions = positions[:0]
		for _, ap := range st.AssetPositions {
			size, err := decimal.NewFromString(strings.TrimSpace(ap.Position.Szi))
			if err != nil || size.IsZero() {
				continue
			}
			var entry decimal.Decimal
			if ap.Position.EntryPx != nil {
				entry, _ = decimal.NewFromString(*ap.Position.EntryPx)
			}
			pair := domain.Pair{From: strings.ToUpper(ap.Position.Coin), To: "USD"}

			positions = append(positions, signedPosition(pair, size, entry, 0))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("get_positions", domain.Pair{}, err)
	}

	return positions, nil
}

func (h *Hyperliquid) Open(ctx context.Context, req domain.OpenRequest) (domain.OrderID, error) {
	if err := h.configure(ctx, req); err != nil {
		return "", err
	}

	cloid, err := h.marketOrder(ctx, req.Instrument, req.Side.OpenDirection() == domain.DirectionBuy, req.Quantity, false)
	if err != nil {
		return "", wrapErr("open", req.Instrument, err)
	}

	return domain.OrderID(cloid), nil
}

func (h *Hyperliquid) Close(ctx context.Context, instrument domain.Pair, side domain.PositionSide, qty decimal.Decimal) (domain.OrderID, error) {
	cloid, err := h.marketOrder(ctx, instrument, side.CloseDirection() == domain.DirectionBuy, qty, true)
	if err != nil {
		return "", wrapErr("close", instrument, err)
	}

	return domain.OrderID(cloid), nil
}

func (h *Hyperliquid) SetStopLoss(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	cloid, err := h.triggerOrder(ctx, req, hyperliquid.StopLoss)
	if err != nil {
		return "", wrapErr("set_stop_loss", req.Instrument, err)
	}

	return domain.OrderID(cloid), nil
}

func (h *Hyperliquid) SetTakeProfit(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	cloid, err := h.triggerOrder(ctx, req, hyperliquid.TakeProfit)
	if err != nil {
		return "", wrapErr("set_take_profit", req.Instrument, err)
	}

	return domain.OrderID(cloid), nil
}

func (h *Hyperliquid) Cancel(ctx context.Context, instrument domain.Pair, id domain.OrderID) error {
	res, err := h.info.QueryOrderByCloid(ctx, h.accountAddr, string(id))
	if err != nil {
		return wrapErr("cancel", instrument, errors.Wrap(err, "query order by cloid"))
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		// unknown to the exchange: nothing rests
		return nil
	}
	if res.Order.Status != hyperliquid.OrderStatusValueOpen {
		return nil
	}

	_, err = h.ex.BulkCancel(ctx, []hyperliquid.CancelOrderRequest{
		{Coin: instrument.From, OrderID: res.Order.Order.Oid},
	})
	if err != nil {
		return wrapErr("cancel", instrument, err)
	}

	return nil
}

func (h *Hyperliquid) marketOrder(ctx context.Context, instrument domain.Pair, isBuy bool, qty decimal.Decimal, reduceOnly bool) (string, error) {
	size, _ := qty.Round(8).Float64()

	// IOC limit with slippage emulates a market order
	px, err := h.ex.SlippagePrice(ctx, instrument.From, isBuy, hyperliquidSlippage, nil)
	if err != nil {
		return "", errors.Wrap(err, "slippage price")
	}

	cloid := newCloid()
	_, err = h.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          instrument.From,
		IsBuy:         isBuy,
		Price:         px,
		Size:          size,
		ReduceOnly:    reduceOnly,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		},
	}, nil)
	if err != nil {
		return "", err
	}

	return cloid, nil
}

func (h *Hyperliquid) triggerOrder(ctx context.Context, req domain.ProtectionRequest, tpsl hyperliquid.Tpsl) (string, error) {
	size, _ := req.Quantity.Round(8).Float64()
	trigger, _ := req.TriggerPrice.Round(8).Float64()

	cloid := newCloid()
	_, err := h.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          req.Instrument.From,
		IsBuy:         req.Side.CloseDirection() == domain.DirectionBuy,
		Price:         trigger,
		Size:          size,
		ReduceOnly:    true,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Trigger: &hyperliquid.TriggerOrderType{
				TriggerPx: trigger,
				IsMarket:  true,
				Tpsl:      tpsl,
			},
		},
	}, nil)
	if err != nil {
		return "", err
	}

	return cloid, nil
}

func (h *Hyperliquid) configure(ctx context.Context, req domain.OpenRequest) error {
	coin := req.Instrument.From

	h.mu.Lock()
	done := h.configured[coin]
	h.mu.Unlock()
	if done || req.Leverage <= 0 {
		return nil
	}

	isCross := req.MarginMode != domain.MarginModeIsolated
	if _, err := h.ex.UpdateLeverage(ctx, req.Leverage, coin, isCross); err != nil {
		return wrapErr("set_leverage", req.Instrument, err)
	}

	h.mu.Lock()
	h.configured[coin] = true
	h.mu.Unlock()

	h.logger.Info("configured coin",
		zap.String("instrument", req.Instrument.String()),
		zap.Int("leverage", req.Leverage),
		zap.Bool("cross", isCross))

	return nil
}

// newCloid returns a valid Hyperliquid client order id: 0x + 32 hex chars.
func newCloid() string {
	sum := sha256.Sum256([]byte(clientOrderID("hl-")))
	return "0x" + hex.EncodeToString(sum[:16])
}
