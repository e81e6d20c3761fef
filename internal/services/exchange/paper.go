package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/storage/paperstate"
	"go.uber.org/zap"
)

var (
	errNoMark              = errors.New("no mark price for instrument")
	errInsufficientBalance = errors.New("insufficient balance")
	errNoPosition          = errors.New("no position for instrument and side")
)

type paperPosition struct {
	side     domain.PositionSide
	quantity decimal.Decimal
	entry    decimal.Decimal
	margin   decimal.Decimal
	leverage int
}

type paperOrder struct {
	id         domain.OrderID
	instrument domain.Pair
	side       domain.PositionSide
	quantity   decimal.Decimal
	trigger    decimal.Decimal
	stopLoss   bool
}

// Paper is an in-memory exchange for dry runs. Market orders fill at the last
// mark price; protective orders fire when UpdateMark crosses their trigger.
type Paper struct {
	mu        sync.Mutex
	logger    *zap.Logger
	store     *paperstate.Store
	balance   decimal.Decimal
	nextID    int64
	marks     map[domain.Pair]decimal.Decimal
	positions map[domain.Pair]*paperPosition
	orders    map[domain.OrderID]*paperOrder
}

// NewPaper creates a paper exchange with the starting quote balance.
// store may be nil; otherwise saved state replaces the starting balance.
func NewPaper(logger *zap.Logger, balance decimal.Decimal, store *paperstate.Store) (*Paper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Paper{
		logger:    logger.With(zap.String("component", "paper_exchange")),
		store:     store,
		balance:   balance,
		marks:     make(map[domain.Pair]decimal.Decimal),
		positions: make(map[domain.Pair]*paperPosition),
		orders:    make(map[domain.OrderID]*paperOrder),
	}
	if err := p.restore(); err != nil {
		return nil, err
	}

	p.logger.Info("paper exchange init",
		zap.String("balance", p.balance.String()),
		zap.Int("positions", len(p.positions)),
		zap.Int("orders", len(p.orders)))

	return p, nil
}

// Balance returns free quote balance.
func (p *Paper) Balance() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// UpdateMark records the latest price and fires crossed protective orders.
// Returns the ids of orders that fired.
func (p *Paper) UpdateMark(instrument domain.Pair, price decimal.Decimal) []domain.OrderID {
	if !price.IsPositive() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.marks[instrument] = price

	var fired []domain.OrderID
	for _, o := range p.sortedOrders(instrument) {
		if !triggered(o, price) {
			continue
		}
		delete(p.orders, o.id)
		if _, err := p.reduce(instrument, o.side, o.quantity, price); err != nil {
			continue
		}
		fired = append(fired, o.id)
		p.logger.Info("protective order fired",
			zap.String("instrument", instrument.String()),
			zap.String("order_id", string(o.id)),
			zap.Bool("stop_loss", o.stopLoss),
			zap.String("price", price.String()))
	}

	if len(fired) > 0 {
		p.cancelDangling(instrument)
		p.persist()
	}

	return fired
}

func (p *Paper) GetPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.ExchangePosition, 0, len(p.positions))
	for instrument, pos := range p.positions {
		out = append(out, domain.ExchangePosition{
			Instrument: instrument,
			Side:       pos.side,
			Quantity:   pos.quantity,
			EntryPrice: pos.entry,
			Leverage:   pos.leverage,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instrument.String() < out[j].Instrument.String()
	})

	return out, nil
}

func (p *Paper) Open(ctx context.Context, req domain.OpenRequest) (domain.OrderID, error) {
	if !req.Quantity.IsPositive() {
		return "", domain.NewExchangeError("open", req.Instrument, false, errors.New("quantity must be positive"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.marks[req.Instrument]
	if !ok {
		return "", domain.NewExchangeError("open", req.Instrument, true, errNoMark)
	}

	leverage := max(req.Leverage, 1)
	margin := req.Quantity.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
	if p.balance.LessThan(margin) {
		return "", domain.NewExchangeError("open", req.Instrument, false,
			errors.Wrapf(errInsufficientBalance, "have %s need %s", p.balance, margin))
	}

	pos, exists := p.positions[req.Instrument]
	switch {
	case !exists:
		p.positions[req.Instrument] = &paperPosition{
			side:     req.Side,
			quantity: req.Quantity,
			entry:    price,
			margin:   margin,
			leverage: leverage,
		}
	case pos.side != req.Side:
		return "", domain.NewExchangeError("open", req.Instrument, false,
			errors.Errorf("cannot open %s while %s position is active", req.Side, pos.side))
	default:
		total := pos.quantity.Add(req.Quantity)
		pos.entry = pos.entry.Mul(pos.quantity).Add(price.Mul(req.Quantity)).Div(total)
		pos.quantity = total
		pos.margin = pos.margin.Add(margin)
	}
	p.balance = p.balance.Sub(margin)

	id := p.newOrderID()
	p.persist()

	p.logger.Info("paper order filled",
		zap.String("instrument", req.Instrument.String()),
		zap.String("side", req.Side.String()),
		zap.String("quantity", req.Quantity.String()),
		zap.String("price", price.String()),
		zap.String("order_id", string(id)))

	return id, nil
}

func (p *Paper) Close(ctx context.Context, instrument domain.Pair, side domain.PositionSide, qty decimal.Decimal) (domain.OrderID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.marks[instrument]
	if !ok {
		return "", domain.NewExchangeError("close", instrument, true, errNoMark)
	}

	closed, err := p.reduce(instrument, side, qty, price)
	if err != nil {
		return "", domain.NewExchangeError("close", instrument, false, err)
	}

	id := p.newOrderID()
	p.cancelDangling(instrument)
	p.persist()

	p.logger.Info("paper position reduced",
		zap.String("instrument", instrument.String()),
		zap.String("side", side.String()),
		zap.String("quantity", closed.String()),
		zap.String("price", price.String()),
		zap.String("order_id", string(id)))

	return id, nil
}

func (p *Paper) SetStopLoss(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	return p.rest("set_stop_loss", req, true)
}

func (p *Paper) SetTakeProfit(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	return p.rest("set_take_profit", req, false)
}

// Cancel removes a resting order. Unknown ids are already gone and succeed.
func (p *Paper) Cancel(ctx context.Context, instrument domain.Pair, id domain.OrderID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.orders[id]; ok && o.instrument == instrument {
		delete(p.orders, id)
		p.persist()
	}

	return nil
}

// RestingOrders returns the number of resting protective orders for instrument.
func (p *Paper) RestingOrders(instrument domain.Pair) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sortedOrders(instrument))
}

func (p *Paper) rest(op string, req domain.ProtectionRequest, stopLoss bool) (domain.OrderID, error) {
	if !req.TriggerPrice.IsPositive() || !req.Quantity.IsPositive() {
		return "", domain.NewExchangeError(op, req.Instrument, false, errors.New("trigger price and quantity must be positive"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[req.Instrument]
	if !ok || pos.side != req.Side {
		return "", domain.NewExchangeError(op, req.Instrument, false, errNoPosition)
	}

	id := p.newOrderID()
	p.orders[id] = &paperOrder{
		id:         id,
		instrument: req.Instrument,
		side:       req.Side,
		quantity:   req.Quantity,
		trigger:    req.TriggerPrice,
		stopLoss:   stopLoss,
	}
	p.persist()

	return id, nil
}

// reduce closes up to qty of the position, realising PnL and releasing margin pro rata.
func (p *Paper) reduce(instrument domain.Pair, side domain.PositionSide, qty, price decimal.Decimal) (decimal.Decimal, error) {
	pos, ok := p.positions[instrument]
	if !ok || pos.side != side {
		return decimal.Zero, errNoPosition
	}
	if !qty.IsPositive() {
		return decimal.Zero, errors.New("quantity must be positive")
	}

	closeQty := decimal.Min(qty, pos.quantity)
	fraction := closeQty.Div(pos.quantity)
	released := pos.margin.Mul(fraction)

	pnl := price.Sub(pos.entry).Mul(closeQty)
	if side == domain.PositionSideShort {
		pnl = pnl.Neg()
	}

	p.balance = p.balance.Add(released).Add(pnl)
	pos.margin = pos.margin.Sub(released)
	pos.quantity = pos.quantity.Sub(closeQty)
	if !pos.quantity.IsPositive() {
		delete(p.positions, instrument)
	}

	return closeQty, nil
}

// cancelDangling drops resting orders whose position is gone, like reduce-only orders on a real venue.
func (p *Paper) cancelDangling(instrument domain.Pair) {
	pos, ok := p.positions[instrument]
	for id, o := range p.orders {
		if o.instrument != instrument {
			continue
		}
		if !ok || pos.side != o.side {
			delete(p.orders, id)
		}
	}
}

func (p *Paper) sortedOrders(instrument domain.Pair) []*paperOrder {
	var out []*paperOrder
	for _, o := range p.orders {
		if o.instrument == instrument {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func triggered(o *paperOrder, price decimal.Decimal) bool {
	long := o.side == domain.PositionSideLong
	if o.stopLoss == long {
		// long stop or short take-profit: fires on the way down
		return price.LessThanOrEqual(o.trigger)
	}
	return price.GreaterThanOrEqual(o.trigger)
}

func (p *Paper) newOrderID() domain.OrderID {
	p.nextID++
	return domain.OrderID(fmt.Sprintf("paper-%08d", p.nextID))
}

func (p *Paper) persist() {
	if p.store == nil {
		return
	}

	state := paperstate.State{
		Balance: p.balance.String(),
		NextID:  p.nextID,
		SavedAt: time.Now().UTC(),
	}
	for instrument, pos := range p.positions {
		state.Positions = append(state.Positions, paperstate.StoredPosition{
			Instrument: instrument.String(),
			Side:       pos.side,
			Quantity:   pos.quantity.String(),
			EntryPrice: pos.entry.String(),
			Margin:     pos.margin.String(),
			Leverage:   pos.leverage,
		})
	}
	for _, o := range p.orders {
		state.Orders = append(state.Orders, paperstate.StoredOrder{
			ID:           string(o.id),
			Instrument:   o.instrument.String(),
			Side:         o.side,
			Quantity:     o.quantity.String(),
			TriggerPrice: o.trigger.String(),
			StopLoss:     o.stopLoss,
		})
	}

	if err := p.store.Save(state); err != nil {
		p.logger.Warn("failed to persist paper state", zap.Error(err))
	}
}

func (p *Paper) restore() error {
	state, err := p.store.Load()
	if err != nil {
		return errors.Wrap(err, "load paper state")
	}
	if state == nil {
		return nil
	}

	if p.balance, err = paperstate.Decimal(state.Balance); err != nil {
		return err
	}
	p.nextID = state.NextID

	for _, sp := range state.Positions {
		instrument, err := domain.ParsePair(sp.Instrument)
		if err != nil {
			return errors.Wrap(err, "restore paper position")
		}
		pos := &paperPosition{side: sp.Side, leverage: sp.Leverage}
		if pos.quantity, err = paperstate.Decimal(sp.Quantity); err != nil {
			return err
		}
		if pos.entry, err = paperstate.Decimal(sp.EntryPrice); err != nil {
			return err
		}
		if pos.margin, err = paperstate.Decimal(sp.Margin); err != nil {
			return err
		}
		p.positions[instrument] = pos
	}

	for _, so := range state.Orders {
		instrument, err := domain.ParsePair(so.Instrument)
		if err != nil {
			return errors.Wrap(err, "restore paper order")
		}
		o := &paperOrder{id: domain.OrderID(so.ID), instrument: instrument, side: so.Side, stopLoss: so.StopLoss}
		if o.quantity, err = paperstate.Decimal(so.Quantity); err != nil {
			return err
		}
		if o.trigger, err = paperstate.Decimal(so.TriggerPrice); err != nil {
			return err
		}
		p.orders[o.id] = o
	}

	return nil
}
