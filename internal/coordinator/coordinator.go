// Package coordinator turns admitted consensus decisions into exchange orders
// and keeps protective orders attached to open positions.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/lease"
	"github.com/vadiminshakov/tradecore/internal/metrics"
	"go.uber.org/zap"
)

const defaultCallTimeout = 10 * time.Second

type leaser interface {
	Acquire(ctx context.Context, instrument domain.Pair, op domain.Operation) (*lease.Handle, error)
}

type riskChecker interface {
	Permits(signal domain.Signal, current *domain.Tracker) bool
}

type positionLedger interface {
	Get(instrument domain.Pair) (*domain.Tracker, bool)
	Open(t *domain.Tracker) error
	Reduce(instrument domain.Pair, qty decimal.Decimal) (*domain.Tracker, error)
	Remove(instrument domain.Pair) bool
	SetProtection(instrument domain.Pair, stopLoss, takeProfit decimal.Decimal, slID, tpID domain.OrderID) error
}

// InstrumentSpec per-instrument sizing overrides.
type InstrumentSpec struct {
	QtyStep     decimal.Decimal
	MaxNotional decimal.Decimal
	Leverage    int
}

// Config sizing defaults.
type Config struct {
	// MaxNotional quote amount committed at size fraction 1.0 before leverage.
	MaxNotional decimal.Decimal
	Leverage    int
	MarginMode  domain.MarginMode
	// DefaultSizeFraction used when a decision carries no size fraction.
	DefaultSizeFraction float64
	QtyStep             decimal.Decimal
	Instruments         map[domain.Pair]InstrumentSpec
	// CallTimeout bounds every single exchange and ledger call.
	CallTimeout time.Duration
}

func (c Config) spec(instrument domain.Pair) InstrumentSpec {
	s := c.Instruments[instrument]
	if s.QtyStep.LessThanOrEqual(decimal.Zero) {
		s.QtyStep = c.QtyStep
	}
	if s.MaxNotional.LessThanOrEqual(decimal.Zero) {
		s.MaxNotional = c.MaxNotional
	}
	if s.Leverage <= 0 {
		s.Leverage = c.Leverage
	}
	if s.Leverage <= 0 {
		s.Leverage = 1
	}
	return s
}

// Order is an admitted consensus decision to execute.
type Order struct {
	Instrument domain.Pair
	Consensus  domain.ConsensusResult
	MarkPrice  decimal.Decimal
}

// Execution reports what the coordinator did.
type Execution struct {
	Instrument domain.Pair
	Action     domain.Action
	// Skipped is set when nothing was sent to the exchange.
	Skipped    bool
	SkipReason string

	Side     domain.PositionSide
	OrderID  domain.OrderID
	Quantity decimal.Decimal
	// ClosedOrderID is the order that closed an opposite position before a reversal entry.
	ClosedOrderID domain.OrderID

	StopLossOrderID   domain.OrderID
	TakeProfitOrderID domain.OrderID
	// ProtectionErrors failed protective order attachments. The primary order stands.
	ProtectionErrors []error
	// CancelErr first failure while cancelling superseded protective orders.
	CancelErr error

	Trades []domain.TradeSummary
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithTradeLedger records executed trades.
func WithTradeLedger(ledger domain.TradeLedger) Option {
	return func(c *Coordinator) {
		c.ledger = ledger
	}
}

// Coordinator executes orders under the trading lease of their instrument.
type Coordinator struct {
	exchange  domain.Exchange
	locker    leaser
	risk      riskChecker
	positions positionLedger
	ledger    domain.TradeLedger
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a coordinator.
func New(logger *zap.Logger, exchange domain.Exchange, locker leaser, risk riskChecker, positions positionLedger, cfg Config, opts ...Option) (*Coordinator, error) {
	if exchange == nil || locker == nil || risk == nil || positions == nil {
		return nil, errors.New("exchange, locker, risk and positions are required")
	}
	if cfg.MaxNotional.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("max notional must be positive")
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = domain.MarginModeIsolated
	}
	if !cfg.MarginMode.IsValid() {
		return nil, errors.Errorf("invalid margin mode: %s", cfg.MarginMode)
	}
	if cfg.DefaultSizeFraction <= 0 || cfg.DefaultSizeFraction > 1 {
		cfg.DefaultSizeFraction = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		exchange:  exchange,
		locker:    locker,
		risk:      risk,
		positions: positions,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Execute runs the consensus action under the lease for (instrument, operation).
// Fails with domain.ErrBusy when another holder has the lease, domain.ErrRejected
// when the fresh position no longer permits the action. A reversal also takes the
// close lease after the open lease. Every exchange call is bounded by CallTimeout
// and by the expiry of the held leases.
func (c *Coordinator) Execute(ctx context.Context, order Order) (*Execution, error) {
	action := order.Consensus.Action
	exec := &Execution{Instrument: order.Instrument, Action: action}

	if !action.Mutates() {
		exec.Skipped = true
		exec.SkipReason = "hold"
		return exec, nil
	}

	ctx, release, err := c.acquire(ctx, order.Instrument, action.Operation())
	if err != nil {
		return nil, err
	}
	defer release()

	// the ledger may have moved since the signal was admitted
	current, _ := c.positions.Get(order.Instrument)
	signal := domain.NewSignal(order.Consensus, current, c.now())
	if !c.risk.Permits(signal, current) {
		return nil, errors.Wrapf(domain.ErrRejected, "%s %s against current position", order.Instrument, action)
	}

	logger := c.logger.With(
		zap.String("instrument", order.Instrument.String()),
		zap.String("action", action.String()))

	switch action {
	case domain.ActionEnterLong, domain.ActionEnterShort:
		err = c.enter(ctx, logger, order, current, exec)
	case domain.ActionAdd:
		err = c.add(ctx, logger, order, current, exec)
	case domain.ActionClose:
		err = c.closeFull(ctx, logger, order, current, exec)
	case domain.ActionPartialClose:
		err = c.closePartial(ctx, logger, order, current, exec)
	default:
		err = errors.Errorf("unsupported action: %s", action)
	}
	if err != nil {
		return exec, err
	}

	return exec, nil
}

func (c *Coordinator) enter(ctx context.Context, logger *zap.Logger, order Order, current *domain.Tracker, exec *Execution) error {
	side, _ := domain.SideForAction(order.Consensus.Action)
	exec.Side = side

	if current != nil && current.Side == side {
		exec.Skipped = true
		exec.SkipReason = "position already open on this side"
		logger.Info("entry skipped, position already open", zap.String("side", side.String()))
		return nil
	}

	qty, err := c.entryQuantity(order)
	if err != nil {
		return err
	}

	if current != nil {
		// the opposite position is closed under the close lease as well
		closeCtx, release, err := c.acquire(ctx, order.Instrument, domain.OperationClose)
		if err != nil {
			return errors.Wrap(err, "reversal")
		}
		defer release()
		ctx = closeCtx

		logger.Info("reversing position", zap.String("from", current.Side.String()), zap.String("to", side.String()))
		closedID, err := c.closePosition(ctx, logger, order, current, current.Quantity, exec)
		if err != nil {
			return errors.Wrap(err, "close opposite position before reversal")
		}
		exec.ClosedOrderID = closedID
	}

	spec := c.cfg.spec(order.Instrument)
	orderID, err := c.open(ctx, domain.OpenRequest{
		Instrument: order.Instrument,
		Side:       side,
		Quantity:   qty,
		Leverage:   spec.Leverage,
		MarginMode: c.cfg.MarginMode,
	})
	if err != nil {
		return errors.Wrap(err, "open position")
	}
	metrics.OrdersPlaced.WithLabelValues("open").Inc()
	exec.OrderID = orderID
	exec.Quantity = qty

	tracker, err := domain.NewTracker(order.Instrument, side, qty, order.MarkPrice, c.now())
	if err != nil {
		return errors.Wrap(err, "track opened position")
	}
	if err := c.positions.Open(tracker); err != nil {
		return errors.Wrap(err, "track opened position")
	}

	logger.Info("position opened",
		zap.String("order_id", string(orderID)),
		zap.String("side", side.String()),
		zap.String("quantity", qty.String()),
		zap.String("price", order.MarkPrice.String()))

	c.protect(ctx, logger, tracker, order.Consensus.StopLoss, order.Consensus.TakeProfit, exec)
	c.record(ctx, logger, order, side, qty, orderID, exec)
	return nil
}

func (c *Coordinator) add(ctx context.Context, logger *zap.Logger, order Order, current *domain.Tracker, exec *Execution) error {
	if current == nil {
		return errors.Wrapf(domain.ErrPositionNotFound, "add to %s", order.Instrument)
	}
	exec.Side = current.Side

	qty, err := c.entryQuantity(order)
	if err != nil {
		return err
	}

	spec := c.cfg.spec(order.Instrument)
	orderID, err := c.open(ctx, domain.OpenRequest{
		Instrument: order.Instrument,
		Side:       current.Side,
		Quantity:   qty,
		Leverage:   spec.Leverage,
		MarginMode: c.cfg.MarginMode,
	})
	if err != nil {
		return errors.Wrap(err, "add to position")
	}
	metrics.OrdersPlaced.WithLabelValues("add").Inc()
	exec.OrderID = orderID
	exec.Quantity = qty

	total := current.Quantity.Add(qty)
	updated := current.Clone()
	updated.EntryPrice = current.EntryPrice.Mul(current.Quantity).Add(order.MarkPrice.Mul(qty)).Div(total)
	updated.Quantity = total
	if err := c.positions.Open(updated); err != nil {
		return errors.Wrap(err, "track added quantity")
	}

	logger.Info("position increased",
		zap.String("order_id", string(orderID)),
		zap.String("added", qty.String()),
		zap.String("total", total.String()))

	stopLoss, takeProfit := levelsOr(order.Consensus, current)
	if stopLoss.IsPositive() || takeProfit.IsPositive() {
		exec.CancelErr = c.cancelProtection(ctx, logger, current)
		c.protect(ctx, logger, updated, stopLoss, takeProfit, exec)
	}
	c.record(ctx, logger, order, current.Side, qty, orderID, exec)
	return nil
}

func (c *Coordinator) closeFull(ctx context.Context, logger *zap.Logger, order Order, current *domain.Tracker, exec *Execution) error {
	if current == nil {
		return errors.Wrapf(domain.ErrPositionNotFound, "close %s", order.Instrument)
	}

	orderID, err := c.closePosition(ctx, logger, order, current, current.Quantity, exec)
	if err != nil {
		return err
	}
	exec.OrderID = orderID
	exec.Side = current.Side
	exec.Quantity = current.Quantity
	return nil
}

func (c *Coordinator) closePartial(ctx context.Context, logger *zap.Logger, order Order, current *domain.Tracker, exec *Execution) error {
	if current == nil {
		return errors.Wrapf(domain.ErrPositionNotFound, "partial close %s", order.Instrument)
	}

	fraction := order.Consensus.SizeFraction
	if fraction <= 0 || fraction >= 1 {
		return c.closeFull(ctx, logger, order, current, exec)
	}

	qty := floorToStep(current.Quantity.Mul(decimal.NewFromFloat(fraction)), c.cfg.spec(order.Instrument).QtyStep)
	if !qty.IsPositive() {
		return errors.Errorf("partial close quantity of %s rounds to zero", order.Instrument)
	}

	orderID, err := c.closePosition(ctx, logger, order, current, qty, exec)
	if err != nil {
		return err
	}
	exec.OrderID = orderID
	exec.Side = current.Side
	exec.Quantity = qty
	return nil
}

// closePosition closes qty of the position, keeps the ledger in step and
// cancels or resizes its protective orders.
func (c *Coordinator) closePosition(ctx context.Context, logger *zap.Logger, order Order, current *domain.Tracker, qty decimal.Decimal, exec *Execution) (domain.OrderID, error) {
	callCtx, cancel := c.call(ctx)
	orderID, err := c.exchange.Close(callCtx, current.Instrument, current.Side, qty)
	cancel()
	if err != nil {
		return "", errors.Wrap(err, "close position")
	}
	metrics.OrdersPlaced.WithLabelValues("close").Inc()

	remaining, err := c.positions.Reduce(current.Instrument, qty)
	if err != nil && !errors.Is(err, domain.ErrPositionNotFound) {
		return orderID, errors.Wrap(err, "track closed quantity")
	}

	logger.Info("position reduced",
		zap.String("order_id", string(orderID)),
		zap.String("side", current.Side.String()),
		zap.String("quantity", qty.String()),
		zap.Bool("fully_closed", remaining == nil))

	if current.HasProtection() {
		exec.CancelErr = c.cancelProtection(ctx, logger, current)
		if remaining != nil {
			c.protect(ctx, logger, remaining, current.StopLoss, current.TakeProfit, exec)
		}
	}

	closing := order
	closing.Consensus.Action = domain.ActionClose
	if remaining != nil {
		closing.Consensus.Action = domain.ActionPartialClose
	}
	c.record(ctx, logger, closing, current.Side, qty, orderID, exec)
	return orderID, nil
}

// ReplaceProtection cancels the protective orders of the position and places new ones.
func (c *Coordinator) ReplaceProtection(ctx context.Context, instrument domain.Pair, stopLoss, takeProfit decimal.Decimal) (*Execution, error) {
	ctx, release, err := c.acquire(ctx, instrument, domain.OperationClose, domain.OperationProtect)
	if err != nil {
		return nil, err
	}
	defer release()

	current, ok := c.positions.Get(instrument)
	if !ok {
		return nil, errors.Wrapf(domain.ErrPositionNotFound, "replace protection %s", instrument)
	}

	logger := c.logger.With(zap.String("instrument", instrument.String()))
	exec := &Execution{Instrument: instrument, Side: current.Side, Quantity: current.Quantity}
	exec.CancelErr = c.cancelProtection(ctx, logger, current)
	c.protect(ctx, logger, current, stopLoss, takeProfit, exec)

	return exec, nil
}

// acquire takes the leases for instrument in the given order. The returned context
// ends when the earliest lease expires. release gives every lease back in reverse order.
func (c *Coordinator) acquire(ctx context.Context, instrument domain.Pair, ops ...domain.Operation) (context.Context, func(), error) {
	handles := make([]*lease.Handle, 0, len(ops))
	releaseAll := func() {
		for i := len(handles) - 1; i >= 0; i-- {
			_ = handles[i].Release(ctx)
		}
	}

	var expires time.Time
	for _, op := range ops {
		h, err := c.locker.Acquire(ctx, instrument, op)
		if err != nil {
			releaseAll()
			return nil, nil, err
		}
		handles = append(handles, h)
		if expires.IsZero() || h.ExpiresAt.Before(expires) {
			expires = h.ExpiresAt
		}
	}

	leaseCtx, cancel := context.WithDeadline(ctx, expires)
	return leaseCtx, func() {
		cancel()
		releaseAll()
	}, nil
}

func (c *Coordinator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Coordinator) open(ctx context.Context, req domain.OpenRequest) (domain.OrderID, error) {
	callCtx, cancel := c.call(ctx)
	defer cancel()
	return c.exchange.Open(callCtx, req)
}

// CancelOrders cancels every id, continuing past failures. Returns the first error.
func (c *Coordinator) CancelOrders(ctx context.Context, instrument domain.Pair, ids []domain.OrderID) error {
	var first error
	for _, id := range ids {
		if id == "" {
			continue
		}
		callCtx, cancel := c.call(ctx)
		err := c.exchange.Cancel(callCtx, instrument, id)
		cancel()
		if err != nil {
			metrics.CancelFailures.Inc()
			c.logger.Warn("failed to cancel order",
				zap.String("instrument", instrument.String()),
				zap.String("order_id", string(id)),
				zap.Error(err))
			if first == nil {
				first = errors.Wrapf(err, "cancel order %s", id)
			}
		}
	}
	return first
}

func (c *Coordinator) cancelProtection(ctx context.Context, logger *zap.Logger, t *domain.Tracker) error {
	ids := t.ProtectionOrders()
	if len(ids) == 0 {
		return nil
	}
	err := c.CancelOrders(ctx, t.Instrument, ids)
	if err == nil {
		logger.Debug("protective orders cancelled", zap.Int("count", len(ids)))
	}
	return err
}

// protect places stop-loss and take-profit for the tracked position as separate orders.
// Failures are collected on exec, they never undo the position.
func (c *Coordinator) protect(ctx context.Context, logger *zap.Logger, t *domain.Tracker, stopLoss, takeProfit decimal.Decimal, exec *Execution) {
	var slID, tpID domain.OrderID
	req := domain.ProtectionRequest{Instrument: t.Instrument, Side: t.Side, Quantity: t.Quantity}

	if stopLoss.IsPositive() {
		req.TriggerPrice = stopLoss
		callCtx, cancel := c.call(ctx)
		id, err := c.exchange.SetStopLoss(callCtx, req)
		cancel()
		if err != nil {
			metrics.ProtectionFailures.WithLabelValues("stop_loss").Inc()
			logger.Error("failed to attach stop-loss", zap.String("price", stopLoss.String()), zap.Error(err))
			exec.ProtectionErrors = append(exec.ProtectionErrors, errors.Wrap(err, "stop-loss"))
		} else {
			metrics.OrdersPlaced.WithLabelValues("stop_loss").Inc()
			slID = id
		}
	}

	if takeProfit.IsPositive() {
		req.TriggerPrice = takeProfit
		callCtx, cancel := c.call(ctx)
		id, err := c.exchange.SetTakeProfit(callCtx, req)
		cancel()
		if err != nil {
			metrics.ProtectionFailures.WithLabelValues("take_profit").Inc()
			logger.Error("failed to attach take-profit", zap.String("price", takeProfit.String()), zap.Error(err))
			exec.ProtectionErrors = append(exec.ProtectionErrors, errors.Wrap(err, "take-profit"))
		} else {
			metrics.OrdersPlaced.WithLabelValues("take_profit").Inc()
			tpID = id
		}
	}

	exec.StopLossOrderID = slID
	exec.TakeProfitOrderID = tpID

	if err := c.positions.SetProtection(t.Instrument, stopLoss, takeProfit, slID, tpID); err != nil {
		logger.Warn("failed to record protective orders", zap.Error(err))
	}
}

// record hands a trade summary to the ledger. Failures are logged only.
func (c *Coordinator) record(ctx context.Context, logger *zap.Logger, order Order, side domain.PositionSide, qty decimal.Decimal, orderID domain.OrderID, exec *Execution) {
	trade := domain.TradeSummary{
		ID:         uuid.NewString(),
		Instrument: order.Instrument.String(),
		Action:     order.Consensus.Action,
		Side:       side.String(),
		Quantity:   qty,
		Price:      order.MarkPrice,
		OrderID:    orderID,
		StopLoss:   order.Consensus.StopLoss,
		TakeProfit: order.Consensus.TakeProfit,
		Providers:  order.Consensus.Responded,
		Reason:     order.Consensus.Reason,
		ExecutedAt: c.now(),
	}
	exec.Trades = append(exec.Trades, trade)

	if c.ledger == nil {
		return
	}
	callCtx, cancel := c.call(ctx)
	defer cancel()
	if err := c.ledger.Record(callCtx, trade); err != nil {
		metrics.LedgerFailures.Inc()
		logger.Error("failed to record trade", zap.String("trade_id", trade.ID), zap.Error(err))
	}
}

// entryQuantity sizes an opening order: max notional × fraction × leverage / price, floored to the step.
func (c *Coordinator) entryQuantity(order Order) (decimal.Decimal, error) {
	if !order.MarkPrice.IsPositive() {
		return decimal.Zero, errors.Errorf("mark price of %s must be positive", order.Instrument)
	}

	fraction := order.Consensus.SizeFraction
	if fraction <= 0 {
		fraction = c.cfg.DefaultSizeFraction
	}

	spec := c.cfg.spec(order.Instrument)
	qty := spec.MaxNotional.
		Mul(decimal.NewFromFloat(fraction)).
		Mul(decimal.NewFromInt(int64(spec.Leverage))).
		Div(order.MarkPrice)
	qty = floorToStep(qty, spec.QtyStep)

	if !qty.IsPositive() {
		return decimal.Zero, errors.Errorf("order quantity of %s rounds to zero", order.Instrument)
	}
	return qty, nil
}

func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func levelsOr(result domain.ConsensusResult, current *domain.Tracker) (decimal.Decimal, decimal.Decimal) {
	stopLoss, takeProfit := result.StopLoss, result.TakeProfit
	if !stopLoss.IsPositive() {
		stopLoss = current.StopLoss
	}
	if !takeProfit.IsPositive() {
		takeProfit = current.TakeProfit
	}
	return stopLoss, takeProfit
}
