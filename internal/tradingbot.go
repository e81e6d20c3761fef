package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/consensus"
	"github.com/vadiminshakov/tradecore/internal/coordinator"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/storage/decisions"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDuplicateAlert the same alert type for the instrument arrived inside the cooldown.
var ErrDuplicateAlert = errors.New("duplicate alert")

type decider interface {
	Decide(ctx context.Context, req consensus.Request) (domain.ConsensusResult, error)
}

type admitter interface {
	ObserveAlert(alert domain.Alert) bool
	Admit(signal domain.Signal, current *domain.Tracker) bool
}

type positionBook interface {
	Get(instrument domain.Pair) (*domain.Tracker, bool)
}

type executor interface {
	Execute(ctx context.Context, order coordinator.Order) (*coordinator.Execution, error)
}

type decisionJournal interface {
	Save(event decisions.Event) error
}

// markUpdater is implemented by exchanges that fill against alert prices.
type markUpdater interface {
	UpdateMark(instrument domain.Pair, price decimal.Decimal) []domain.OrderID
}

// Loop is a background task that runs until its context is done.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// Components the trading bot drives.
type Components struct {
	Engine      decider
	Risk        admitter
	Positions   positionBook
	Coordinator executor
	// Journal is optional.
	Journal decisionJournal
	// Marks is optional.
	Marks markUpdater
}

// TradingBot turns alerts into consensus decisions and executes the admitted ones.
type TradingBot struct {
	engine      decider
	risk        admitter
	positions   positionBook
	coordinator executor
	journal     decisionJournal
	marks       markUpdater

	workers int
	loops   []Loop
	now     func() time.Time
	logger  *zap.Logger
}

// NewTradingBot creates a bot. workers bounds how many alerts are handled concurrently.
func NewTradingBot(logger *zap.Logger, c Components, workers int, loops ...Loop) (*TradingBot, error) {
	if c.Engine == nil || c.Risk == nil || c.Positions == nil || c.Coordinator == nil {
		return nil, errors.New("engine, risk, positions and coordinator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}

	return &TradingBot{
		engine:      c.Engine,
		risk:        c.Risk,
		positions:   c.Positions,
		coordinator: c.Coordinator,
		journal:     c.Journal,
		marks:       c.Marks,
		workers:     workers,
		loops:       loops,
		now:         time.Now,
		logger:      logger.With(zap.String("component", "tradingbot")),
	}, nil
}

// HandleAlert runs one decision cycle for the alert.
// Returns ErrDuplicateAlert, domain.ErrRejected, *domain.NoConsensusError or the coordinator error.
func (b *TradingBot) HandleAlert(ctx context.Context, alert domain.Alert) (*coordinator.Execution, error) {
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = b.now()
	}
	logger := b.logger.With(
		zap.String("instrument", alert.Instrument.String()),
		zap.String("alert_type", alert.AlertType))

	if !b.risk.ObserveAlert(alert) {
		return nil, ErrDuplicateAlert
	}

	if b.marks != nil && alert.Price.IsPositive() {
		if fired := b.marks.UpdateMark(alert.Instrument, alert.Price); len(fired) > 0 {
			logger.Info("protective orders triggered", zap.Int("count", len(fired)))
		}
	}

	current, open := b.positions.Get(alert.Instrument)
	kind := domain.DecisionKindEntry
	if open {
		kind = domain.DecisionKindPosition
	} else {
		current = nil
	}

	result, err := b.engine.Decide(ctx, consensus.Request{
		Instrument: alert.Instrument,
		Kind:       kind,
		Market:     domain.SnapshotFromAlert(alert),
		Position:   current,
	})
	if err != nil {
		return nil, errors.Wrap(err, "decide")
	}
	result.AlertType = alert.AlertType

	signal := domain.NewSignal(result, current, b.now())
	if !b.risk.Admit(signal, current) {
		b.journalResult(logger, result, "rejected")
		return nil, domain.ErrRejected
	}

	exec, err := b.coordinator.Execute(ctx, coordinator.Order{
		Instrument: alert.Instrument,
		Consensus:  result,
		MarkPrice:  alert.Price,
	})
	b.journalResult(logger, result, outcomeOf(exec, err))
	if err != nil {
		return nil, errors.Wrap(err, "execute")
	}

	if !exec.Skipped {
		logger.Info("decision executed",
			zap.String("action", exec.Action.String()),
			zap.String("order_id", string(exec.OrderID)),
			zap.String("quantity", exec.Quantity.String()),
			zap.Int("protection_errors", len(exec.ProtectionErrors)))
	}

	return exec, nil
}

// Run starts the background loops and handles alerts until ctx is done.
// A closed alert channel stops the workers but not the loops.
func (b *TradingBot) Run(ctx context.Context, alerts <-chan domain.Alert) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, loop := range b.loops {
		g.Go(func() error {
			b.logger.Info("starting loop", zap.String("loop", loop.Name))
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrapf(err, "loop %s", loop.Name)
			}
			return nil
		})
	}

	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			b.work(ctx, alerts)
			return nil
		})
	}

	return g.Wait()
}

func (b *TradingBot) work(ctx context.Context, alerts <-chan domain.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			b.handle(ctx, alert)
		}
	}
}

func (b *TradingBot) handle(ctx context.Context, alert domain.Alert) {
	_, err := b.HandleAlert(ctx, alert)
	if err == nil {
		return
	}

	fields := []zap.Field{
		zap.String("instrument", alert.Instrument.String()),
		zap.String("alert_type", alert.AlertType),
		zap.Error(err),
	}
	var noConsensus *domain.NoConsensusError
	switch {
	case errors.Is(err, ErrDuplicateAlert), errors.Is(err, domain.ErrRejected):
		b.logger.Debug("alert dropped", fields...)
	case errors.As(err, &noConsensus), errors.Is(err, domain.ErrBusy), errors.Is(err, context.Canceled):
		b.logger.Warn("alert not acted on", fields...)
	default:
		b.logger.Error("alert handling failed", fields...)
	}
}

func (b *TradingBot) journalResult(logger *zap.Logger, result domain.ConsensusResult, outcome string) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Save(decisions.NewEvent(result, outcome, b.now())); err != nil {
		logger.Warn("failed to journal decision", zap.String("outcome", outcome), zap.Error(err))
	}
}

func outcomeOf(exec *coordinator.Execution, err error) string {
	switch {
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case errors.Is(err, domain.ErrRejected):
		return "rejected"
	case err != nil:
		return "failed"
	case exec.Skipped:
		return "skipped"
	default:
		return "executed"
	}
}
