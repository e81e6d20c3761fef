package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/lease"
	exchangeMock "github.com/vadiminshakov/tradecore/internal/mocks/exchange"
	ledgerMock "github.com/vadiminshakov/tradecore/internal/mocks/ledger"
	"github.com/vadiminshakov/tradecore/internal/risk"
	"github.com/vadiminshakov/tradecore/internal/tracker"
)

var btc = domain.Pair{From: "BTC", To: "USDT"}

type testEnv struct {
	coord     *Coordinator
	exchange  *exchangeMock.Exchange
	ledger    *ledgerMock.TradeLedger
	positions *tracker.Reconciler
	risk      *risk.Controller
	leaseDir  string
}

func newTestEnv(t *testing.T, tweaks ...func(*Config)) *testEnv {
	t.Helper()

	ex := exchangeMock.NewExchange(t)
	ledger := ledgerMock.NewTradeLedger(t)
	positions := tracker.NewReconciler(nil, ex, tracker.Config{})
	riskCtl := risk.NewController(nil, risk.Config{})

	dir := t.TempDir()
	store, err := lease.NewFileStore(dir)
	require.NoError(t, err)
	locker := lease.NewLocker(nil, store, time.Minute, lease.WithHolder("coordinator"))

	cfg := Config{
		MaxNotional: decimal.NewFromInt(1000),
		Leverage:    2,
		QtyStep:     decimal.RequireFromString("0.001"),
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	coord, err := New(nil, ex, locker, riskCtl, positions, cfg, WithTradeLedger(ledger))
	require.NoError(t, err)

	return &testEnv{coord: coord, exchange: ex, ledger: ledger, positions: positions, risk: riskCtl, leaseDir: dir}
}

func (e *testEnv) otherLocker(t *testing.T) *lease.Locker {
	t.Helper()
	store, err := lease.NewFileStore(e.leaseDir)
	require.NoError(t, err)
	return lease.NewLocker(nil, store, time.Minute, lease.WithHolder("manual-tool"))
}

func (e *testEnv) seedPosition(t *testing.T, side domain.PositionSide, qty int64, slID, tpID domain.OrderID) {
	t.Helper()
	tr, err := domain.NewTracker(btc, side, decimal.NewFromInt(qty), decimal.NewFromInt(100), time.Now())
	require.NoError(t, err)
	require.NoError(t, e.positions.Open(tr))
	require.NoError(t, e.positions.SetProtection(btc, decimal.NewFromInt(90), decimal.NewFromInt(120), slID, tpID))
}

func order(action domain.Action, conf domain.Confidence, fraction float64) Order {
	return Order{
		Instrument: btc,
		MarkPrice:  decimal.NewFromInt(100),
		Consensus: domain.ConsensusResult{
			Instrument:   btc,
			Action:       action,
			Confidence:   conf,
			SizeFraction: fraction,
		},
	}
}

func qtyEq(want string) interface{} {
	return mock.MatchedBy(func(q decimal.Decimal) bool { return q.Equal(decimal.RequireFromString(want)) })
}

func protectionEq(side domain.PositionSide, qty, price string) interface{} {
	return mock.MatchedBy(func(req domain.ProtectionRequest) bool {
		return req.Instrument == btc &&
			req.Side == side &&
			req.Quantity.Equal(decimal.RequireFromString(qty)) &&
			req.TriggerPrice.Equal(decimal.RequireFromString(price))
	})
}

func TestExecuteHoldIsNoop(t *testing.T) {
	env := newTestEnv(t)

	exec, err := env.coord.Execute(context.Background(), order(domain.ActionHold, domain.ConfidenceHigh, 0))
	require.NoError(t, err)
	assert.True(t, exec.Skipped)

	// no lease was taken
	h, err := env.otherLocker(t).Acquire(context.Background(), btc, domain.OperationOpen)
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func TestExecuteEntryAttachesProtection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o := order(domain.ActionEnterLong, domain.ConfidenceHigh, 0.5)
	o.Consensus.StopLoss = decimal.NewFromInt(95)
	o.Consensus.TakeProfit = decimal.NewFromInt(110)

	// 1000 * 0.5 * 2 / 100 = 10
	env.exchange.On("Open", mock.Anything, mock.MatchedBy(func(req domain.OpenRequest) bool {
		return req.Side == domain.PositionSideLong &&
			req.Quantity.Equal(decimal.NewFromInt(10)) &&
			req.Leverage == 2 &&
			req.MarginMode == domain.MarginModeIsolated
	})).Return(domain.OrderID("open-1"), nil).Once()
	env.exchange.On("SetStopLoss", mock.Anything, protectionEq(domain.PositionSideLong, "10", "95")).Return(domain.OrderID("sl-1"), nil).Once()
	env.exchange.On("SetTakeProfit", mock.Anything, protectionEq(domain.PositionSideLong, "10", "110")).Return(domain.OrderID("tp-1"), nil).Once()
	env.ledger.On("Record", mock.Anything, mock.MatchedBy(func(tr domain.TradeSummary) bool {
		return tr.OrderID == "open-1" && tr.Action == domain.ActionEnterLong
	})).Return(nil).Once()

	exec, err := env.coord.Execute(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderID("open-1"), exec.OrderID)
	assert.Equal(t, domain.OrderID("sl-1"), exec.StopLossOrderID)
	assert.Equal(t, domain.OrderID("tp-1"), exec.TakeProfitOrderID)
	assert.Empty(t, exec.ProtectionErrors)

	tr, ok := env.positions.Get(btc)
	require.True(t, ok)
	assert.Equal(t, domain.PositionSideLong, tr.Side)
	assert.True(t, tr.Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, []domain.OrderID{"sl-1", "tp-1"}, tr.ProtectionOrders())
}

func TestExecuteEntryProtectionFailureIsReportedNotUnwound(t *testing.T) {
	env := newTestEnv(t)

	o := order(domain.ActionEnterShort, domain.ConfidenceMedium, 0.1)
	o.Consensus.StopLoss = decimal.NewFromInt(105)
	o.Consensus.TakeProfit = decimal.NewFromInt(90)

	env.exchange.On("Open", mock.Anything, mock.Anything).Return(domain.OrderID("open-1"), nil).Once()
	env.exchange.On("SetStopLoss", mock.Anything, mock.Anything).Return(domain.OrderID("sl-1"), nil).Once()
	env.exchange.On("SetTakeProfit", mock.Anything, mock.Anything).Return(domain.OrderID(""), errors.New("price too close")).Once()
	env.ledger.On("Record", mock.Anything, mock.Anything).Return(nil).Once()

	exec, err := env.coord.Execute(context.Background(), o)
	require.NoError(t, err)
	require.Len(t, exec.ProtectionErrors, 1)
	assert.Contains(t, exec.ProtectionErrors[0].Error(), "take-profit")
	assert.Equal(t, domain.OrderID("sl-1"), exec.StopLossOrderID)

	tr, ok := env.positions.Get(btc)
	require.True(t, ok)
	assert.Equal(t, []domain.OrderID{"sl-1"}, tr.ProtectionOrders())
}

func TestExecuteBusyLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, err := env.otherLocker(t).Acquire(ctx, btc, domain.OperationOpen)
	require.NoError(t, err)
	defer h.Release(ctx)

	_, err = env.coord.Execute(ctx, order(domain.ActionEnterLong, domain.ConfidenceHigh, 0.5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBusy))
}

func TestExecuteReleasesLeaseOnExchangeError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.exchange.On("Open", mock.Anything, mock.Anything).
		Return(domain.OrderID(""), domain.NewExchangeError("open", btc, true, errors.New("rate limited"))).Once()

	_, err := env.coord.Execute(ctx, order(domain.ActionEnterLong, domain.ConfidenceHigh, 0.5))
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	_, ok := env.positions.Get(btc)
	assert.False(t, ok)

	h, err := env.otherLocker(t).Acquire(ctx, btc, domain.OperationOpen)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestExecuteReversalClosesOppositeFirst(t *testing.T) {
	env := newTestEnv(t)
	env.seedPosition(t, domain.PositionSideLong, 3, "sl-old", "tp-old")

	var calls []string
	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("sl-old")).Return(nil).Run(func(mock.Arguments) { calls = append(calls, "cancel-sl") }).Once()
	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("tp-old")).Return(nil).Run(func(mock.Arguments) { calls = append(calls, "cancel-tp") }).Once()
	env.exchange.On("Close", mock.Anything, btc, domain.PositionSideLong, qtyEq("3")).Return(domain.OrderID("close-1"), nil).Run(func(mock.Arguments) { calls = append(calls, "close") }).Once()
	env.exchange.On("Open", mock.Anything, mock.MatchedBy(func(req domain.OpenRequest) bool {
		return req.Side == domain.PositionSideShort
	})).Return(domain.OrderID("open-1"), nil).Run(func(mock.Arguments) { calls = append(calls, "open") }).Once()
	env.ledger.On("Record", mock.Anything, mock.Anything).Return(nil).Twice()

	exec, err := env.coord.Execute(context.Background(), order(domain.ActionEnterShort, domain.ConfidenceHigh, 0.5))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderID("close-1"), exec.ClosedOrderID)
	assert.Equal(t, domain.OrderID("open-1"), exec.OrderID)
	assert.Equal(t, []string{"close", "cancel-sl", "cancel-tp", "open"}, calls)
	require.Len(t, exec.Trades, 2)
	assert.Equal(t, domain.ActionClose, exec.Trades[0].Action)

	tr, ok := env.positions.Get(btc)
	require.True(t, ok)
	assert.Equal(t, domain.PositionSideShort, tr.Side)
	assert.False(t, tr.HasProtection())

	other := env.otherLocker(t)
	for _, op := range []domain.Operation{domain.OperationOpen, domain.OperationClose} {
		h, err := other.Acquire(context.Background(), btc, op)
		require.NoError(t, err)
		require.NoError(t, h.Release(context.Background()))
	}
}

func TestExecuteReversalBusyWhileCloseLeaseHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPosition(t, domain.PositionSideLong, 3, "sl-old", "tp-old")

	other := env.otherLocker(t)
	h, err := other.Acquire(ctx, btc, domain.OperationClose)
	require.NoError(t, err)
	defer h.Release(ctx)

	_, err = env.coord.Execute(ctx, order(domain.ActionEnterShort, domain.ConfidenceHigh, 0.5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBusy))

	tr, ok := env.positions.Get(btc)
	require.True(t, ok)
	assert.Equal(t, domain.PositionSideLong, tr.Side)
	assert.True(t, tr.Quantity.Equal(decimal.NewFromInt(3)))

	// the open lease taken first was given back
	openHandle, err := other.Acquire(ctx, btc, domain.OperationOpen)
	require.NoError(t, err)
	require.NoError(t, openHandle.Release(ctx))
}

func TestExecuteExchangeCallBoundedByCallTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.CallTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	deadlines := make(chan bool, 1)
	env.exchange.On("Open", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ domain.OpenRequest) (domain.OrderID, error) {
			_, ok := ctx.Deadline()
			deadlines <- ok
			<-ctx.Done()
			return "", domain.NewExchangeError("open", btc, true, ctx.Err())
		}).Once()

	start := time.Now()
	_, err := env.coord.Execute(ctx, order(domain.ActionEnterLong, domain.ConfidenceHigh, 0.5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, <-deadlines)

	_, ok := env.positions.Get(btc)
	assert.False(t, ok)

	h, err := env.otherLocker(t).Acquire(ctx, btc, domain.OperationOpen)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestExecuteExchangeCallsCarryDeadline(t *testing.T) {
	env := newTestEnv(t)

	var deadline time.Time
	env.exchange.On("Open", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { deadline, _ = args.Get(0).(context.Context).Deadline() }).
		Return(domain.OrderID("open-1"), nil).Once()
	env.ledger.On("Record", mock.Anything, mock.Anything).Return(nil).Once()

	start := time.Now()
	_, err := env.coord.Execute(context.Background(), order(domain.ActionEnterLong, domain.ConfidenceHigh, 0.5))
	require.NoError(t, err)

	// the per-call bound is tighter than the one-minute lease
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, start.Add(defaultCallTimeout), deadline, time.Second)
}

func TestExecuteReversalRejectedOnFreshPosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedPosition(t, domain.PositionSideLong, 3, "", "")

	_, err := env.coord.Execute(context.Background(), order(domain.ActionEnterShort, domain.ConfidenceMedium, 0.5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRejected))
}

func TestExecuteSameSideEntrySkipped(t *testing.T) {
	env := newTestEnv(t)
	env.seedPosition(t, domain.PositionSideLong, 3, "", "")

	exec, err := env.coord.Execute(context.Background(), order(domain.ActionEnterLong, domain.ConfidenceHigh, 0.5))
	require.NoError(t, err)
	assert.True(t, exec.Skipped)
}

func TestExecutePartialCloseResizesProtection(t *testing.T) {
	env := newTestEnv(t)
	env.seedPosition(t, domain.PositionSideLong, 10, "sl-old", "tp-old")

	env.exchange.On("Close", mock.Anything, btc, domain.PositionSideLong, qtyEq("2.5")).Return(domain.OrderID("close-1"), nil).Once()
	env.exchange.On("Cancel", mock.Anything, btc, mock.Anything).Return(nil).Twice()
	env.exchange.On("SetStopLoss", mock.Anything, protectionEq(domain.PositionSideLong, "7.5", "90")).Return(domain.OrderID("sl-new"), nil).Once()
	env.exchange.On("SetTakeProfit", mock.Anything, protectionEq(domain.PositionSideLong, "7.5", "120")).Return(domain.OrderID("tp-new"), nil).Once()
	env.ledger.On("Record", mock.Anything, mock.MatchedBy(func(tr domain.TradeSummary) bool {
		return tr.Action == domain.ActionPartialClose
	})).Return(nil).Once()

	exec, err := env.coord.Execute(context.Background(), order(domain.ActionPartialClose, domain.ConfidenceLow, 0.25))
	require.NoError(t, err)
	assert.True(t, exec.Quantity.Equal(decimal.RequireFromString("2.5")))

	tr, ok := env.positions.Get(btc)
	require.True(t, ok)
	assert.True(t, tr.Quantity.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, []domain.OrderID{"sl-new", "tp-new"}, tr.ProtectionOrders())
}

func TestExecuteCloseRemovesTracker(t *testing.T) {
	env := newTestEnv(t)
	env.seedPosition(t, domain.PositionSideShort, 4, "sl-old", "")

	env.exchange.On("Close", mock.Anything, btc, domain.PositionSideShort, qtyEq("4")).Return(domain.OrderID("close-1"), nil).Once()
	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("sl-old")).Return(nil).Once()
	env.ledger.On("Record", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	exec, err := env.coord.Execute(context.Background(), order(domain.ActionClose, domain.ConfidenceLow, 0))
	require.NoError(t, err, "ledger failures never fail the trade")
	assert.Equal(t, domain.OrderID("close-1"), exec.OrderID)

	_, ok := env.positions.Get(btc)
	assert.False(t, ok)
}

func TestExecuteCloseWithoutPosition(t *testing.T) {
	env := newTestEnv(t)

	for _, action := range []domain.Action{domain.ActionClose, domain.ActionPartialClose, domain.ActionAdd} {
		_, err := env.coord.Execute(context.Background(), order(action, domain.ConfidenceHigh, 0.5))
		assert.True(t, errors.Is(err, domain.ErrPositionNotFound), action)
	}
}

func TestExecuteAddAveragesEntry(t *testing.T) {
	env := newTestEnv(t)
	env.seedPosition(t, domain.PositionSideLong, 10, "", "")

	o := order(domain.ActionAdd, domain.ConfidenceMedium, 0.5)
	o.MarkPrice = decimal.NewFromInt(200)

	// 1000 * 0.5 * 2 / 200 = 5
	env.exchange.On("Open", mock.Anything, mock.MatchedBy(func(req domain.OpenRequest) bool {
		return req.Side == domain.PositionSideLong && req.Quantity.Equal(decimal.NewFromInt(5))
	})).Return(domain.OrderID("add-1"), nil).Once()
	env.exchange.On("SetStopLoss", mock.Anything, protectionEq(domain.PositionSideLong, "15", "90")).Return(domain.OrderID("sl-1"), nil).Once()
	env.exchange.On("SetTakeProfit", mock.Anything, protectionEq(domain.PositionSideLong, "15", "120")).Return(domain.OrderID("tp-1"), nil).Once()
	env.ledger.On("Record", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := env.coord.Execute(context.Background(), o)
	require.NoError(t, err)

	tr, _ := env.positions.Get(btc)
	assert.True(t, tr.Quantity.Equal(decimal.NewFromInt(15)))
	// (10*100 + 5*200) / 15
	assert.Equal(t, "133.33", tr.EntryPrice.StringFixed(2))
}

func TestCancelOrdersContinuesPastFailures(t *testing.T) {
	env := newTestEnv(t)

	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("a")).Return(nil).Once()
	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("b")).Return(errors.New("unknown order")).Once()
	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("c")).Return(errors.New("timeout")).Once()
	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("d")).Return(nil).Once()

	err := env.coord.CancelOrders(context.Background(), btc, []domain.OrderID{"a", "b", "", "c", "d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown order")
}

func TestReplaceProtection(t *testing.T) {
	env := newTestEnv(t)
	env.seedPosition(t, domain.PositionSideShort, 2, "sl-old", "tp-old")

	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("sl-old")).Return(errors.New("already triggered")).Once()
	env.exchange.On("Cancel", mock.Anything, btc, domain.OrderID("tp-old")).Return(nil).Once()
	env.exchange.On("SetStopLoss", mock.Anything, protectionEq(domain.PositionSideShort, "2", "104")).Return(domain.OrderID("sl-new"), nil).Once()

	exec, err := env.coord.ReplaceProtection(context.Background(), btc, decimal.NewFromInt(104), decimal.Zero)
	require.NoError(t, err)
	require.Error(t, exec.CancelErr)
	assert.Equal(t, domain.OrderID("sl-new"), exec.StopLossOrderID)

	tr, _ := env.positions.Get(btc)
	assert.Equal(t, []domain.OrderID{"sl-new"}, tr.ProtectionOrders())

	_, err = env.coord.ReplaceProtection(context.Background(), domain.Pair{From: "ETH", To: "USDT"}, decimal.NewFromInt(1), decimal.Zero)
	assert.True(t, errors.Is(err, domain.ErrPositionNotFound))
}

func TestReplaceProtectionBusyWhileClosing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPosition(t, domain.PositionSideLong, 2, "sl-old", "tp-old")

	other := env.otherLocker(t)
	h, err := other.Acquire(ctx, btc, domain.OperationClose)
	require.NoError(t, err)

	_, err = env.coord.ReplaceProtection(ctx, btc, decimal.NewFromInt(95), decimal.Zero)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBusy))

	tr, _ := env.positions.Get(btc)
	assert.Equal(t, []domain.OrderID{"sl-old", "tp-old"}, tr.ProtectionOrders())

	require.NoError(t, h.Release(ctx))
	env.exchange.On("Cancel", mock.Anything, btc, mock.Anything).Return(nil).Twice()
	env.exchange.On("SetStopLoss", mock.Anything, protectionEq(domain.PositionSideLong, "2", "95")).Return(domain.OrderID("sl-new"), nil).Once()

	_, err = env.coord.ReplaceProtection(ctx, btc, decimal.NewFromInt(95), decimal.Zero)
	require.NoError(t, err)

	// both leases were given back
	for _, op := range []domain.Operation{domain.OperationClose, domain.OperationProtect} {
		h, err := other.Acquire(ctx, btc, op)
		require.NoError(t, err)
		require.NoError(t, h.Release(ctx))
	}
}

func TestEntryQuantityFloorsToStep(t *testing.T) {
	env := newTestEnv(t)

	o := order(domain.ActionEnterLong, domain.ConfidenceHigh, 0.333)
	o.MarkPrice = decimal.NewFromInt(7)
	// 1000 * 0.333 * 2 / 7 = 95.142857...
	qty, err := env.coord.entryQuantity(o)
	require.NoError(t, err)
	assert.Equal(t, "95.142", qty.String())

	o.MarkPrice = decimal.NewFromInt(10_000_000)
	_, err = env.coord.entryQuantity(o)
	require.Error(t, err)

	o.MarkPrice = decimal.Zero
	_, err = env.coord.entryQuantity(o)
	require.Error(t, err)
}
