package executor

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/instrument"
	"tradegate/internal/sizing"
	"tradegate/internal/stops"
	"tradegate/internal/store"
	"tradegate/internal/store/gormstore"
	"tradegate/internal/trade"
	"tradegate/internal/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// tuesday10 is inside the London session.
var tuesday10 = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

type mockRisk struct {
	mock.Mock
}

func (m *mockRisk) CanTrade(ctx context.Context, balance float64, strategy string) (bool, string) {
	args := m.Called(balance, strategy)
	return args.Bool(0), args.String(1)
}

func (m *mockRisk) Status(ctx context.Context, balance float64) (trade.CooldownStatus, error) {
	args := m.Called(balance)
	st, _ := args.Get(0).(trade.CooldownStatus)
	return st, args.Error(1)
}

type fixedStops struct {
	d  stops.Distances
	ok bool
}

func (f fixedStops) Resolve(context.Context, instrument.Spec) (stops.Distances, bool) {
	return f.d, f.ok
}

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) SendText(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

type env struct {
	exec   *Executor
	paper  *broker.Paper
	ledger *gormstore.GormStore
	risk   *mockRisk
	sent   *recorder

	cfg  *config.Config
	deps Deps
}

func (e *env) rebuild(mutate func(*Deps)) *Executor {
	deps := e.deps
	mutate(&deps)
	exec := New(e.cfg, deps)
	exec.SetClock(func() time.Time { return tuesday10.Add(time.Hour) })
	return exec
}

// withBroker returns an executor sharing e's ledger but talking to gw.
func (e *env) withBroker(gw broker.Gateway) *Executor {
	return e.rebuild(func(d *Deps) { d.Broker = gw })
}

// flakyLedger fails the first n transitions into status to.
type flakyLedger struct {
	*gormstore.GormStore
	to trade.Status
	n  int32
}

func (f *flakyLedger) Transition(ctx context.Context, id int64, from []trade.Status, to trade.Status, mutate store.Mutator) (bool, error) {
	if to == f.to && atomic.AddInt32(&f.n, -1) >= 0 {
		return false, errors.New("database is locked")
	}
	return f.GormStore.Transition(ctx, id, from, to, mutate)
}

// scriptedClose answers ClosePosition with a fixed placement and leaves the
// paper position untouched.
type scriptedClose struct {
	*broker.Paper
	placed broker.Placement
}

func (s scriptedClose) ClosePosition(context.Context, instrument.Spec, trade.Direction, float64) (broker.Placement, error) {
	return s.placed, nil
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := config.Defaults()
	cfg.Broker.PaperQuotes = map[string]float64{"XAUUSD": 2000, "MES": 5000}
	cfg.Broker.PaperSpread = 0.2
	cfg.Broker.PaperBalance = 10000
	if mutate != nil {
		mutate(cfg)
	}
	ledger, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	paper := broker.NewPaper(cfg.Broker)
	risk := &mockRisk{}
	risk.On("CanTrade", mock.Anything, mock.Anything).Return(true, "Risk checks passed").Maybe()
	val := validator.New(cfg.Execution)
	val.SetClock(func() time.Time { return tuesday10 })
	sent := &recorder{}

	deps := Deps{
		Catalog:   instrument.Builtin(),
		Broker:    paper,
		Ledger:    ledger,
		Risk:      risk,
		Stops:     fixedStops{},
		Sizer:     sizing.New(cfg.Risk),
		Validator: val,
		Notifier:  sent,
	}
	exec := New(cfg, deps)
	exec.SetClock(func() time.Time { return tuesday10.Add(time.Hour) })
	return &env{exec: exec, paper: paper, ledger: ledger, risk: risk, sent: sent, cfg: cfg, deps: deps}
}

func buyGold() trade.SubmitRequest {
	return trade.SubmitRequest{
		Instrument:     "xauusd",
		Direction:      trade.Buy,
		StopDistance:   trade.Float(50),
		TargetDistance: trade.Float(100),
		Conviction:     trade.ConvictionHigh,
		Strategy:       "swing",
	}
}

func TestSubmitSizesAndSplitsBracket(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status(), resp.Message)
	executed, ok := resp.Outcome.(trade.Executed)
	require.True(t, ok)
	assert.InDelta(t, 2000.1, executed.FillPrice, 1e-9)
	assert.Equal(t, 2.0, resp.Size)
	assert.Equal(t, 50.0, resp.ResolvedStopDistance)
	assert.Equal(t, 100.0, resp.ResolvedTargetDistance)
	assert.NotEmpty(t, resp.BrokerOrderID)

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, row.Status)
	assert.Equal(t, "XAUUSD", row.Instrument)
	assert.InDelta(t, 2000.1, row.EntryPrice, 1e-9)
	assert.InDelta(t, 2000.1, row.ExpectedPrice, 1e-9)
	assert.InDelta(t, 1950.1, row.StopPrice, 1e-9)
	assert.InDelta(t, 2050.1, row.Target1Price, 1e-9)
	assert.InDelta(t, 2100.1, row.TargetPrice, 1e-9)
	assert.InDelta(t, 0.2, row.SpreadAtEntry, 1e-9)
	assert.Len(t, row.ChildOrderIDs, 3)
	assert.NotEmpty(t, row.ClientRef)

	orders, err := e.paper.GetOpenOrders(ctx, "XAUUSD")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, broker.RoleStop, orders[0].Role)
	assert.Equal(t, 2.0, orders[0].Size)
	assert.Equal(t, 1.0, orders[1].Size)
	assert.Equal(t, 1.0, orders[2].Size)

	events, err := e.ledger.Events(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, trade.StatusPending, events[0].To)
	assert.Equal(t, trade.StatusValidated, events[1].To)
	assert.Equal(t, trade.StatusExecuted, events[2].To)
	assert.Equal(t, 1, e.sent.count())
	e.risk.AssertCalled(t, "CanTrade", 10000.0, "swing")
}

func TestSubmitRejectsWideSpreadBeforeBroker(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.paper.SetQuote("XAUUSD", 2000.0, 2000.6)

	req := buyGold()
	req.StopDistance = trade.Float(1.0)
	resp := e.exec.Submit(ctx, req)
	require.Equal(t, trade.StatusRejected, resp.Status())
	assert.Contains(t, resp.Message, "Spread too wide")

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusRejected, row.Status)
	assert.Contains(t, row.Reason, "Spread too wide")

	orders, _ := e.paper.GetOpenOrders(ctx, "")
	positions, _ := e.paper.GetOpenPositions(ctx, "")
	assert.Empty(t, orders)
	assert.Empty(t, positions)
}

func TestSubmitRiskDenialIsRejected(t *testing.T) {
	e := newEnv(t, nil)
	e.risk.ExpectedCalls = nil
	e.risk.On("CanTrade", 10000.0, "swing").Return(false, "Daily trade limit reached: 5/5")

	resp := e.exec.Submit(context.Background(), buyGold())
	assert.Equal(t, trade.StatusRejected, resp.Status())
	assert.Equal(t, "Daily trade limit reached: 5/5", resp.Message)
	assert.Equal(t, trade.Rejected{Reason: "Daily trade limit reached: 5/5"}, resp.Outcome)
}

func TestSubmitValidationAndInputRejections(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	req := buyGold()
	req.Instrument = "DOGE"
	resp := e.exec.Submit(ctx, req)
	assert.Equal(t, trade.StatusRejected, resp.Status())
	assert.Contains(t, resp.Message, "Unknown instrument")
	assert.NotZero(t, resp.RowID)

	req = buyGold()
	req.TargetDistance = trade.Float(40)
	resp = e.exec.Submit(ctx, req)
	assert.Equal(t, trade.StatusRejected, resp.Status())
	assert.Contains(t, resp.Message, "R:R ratio 0.80 below minimum 1:1")

	req = buyGold()
	req.Kind = trade.Limit
	resp = e.exec.Submit(ctx, req)
	assert.Equal(t, "Entry price is required for LIMIT orders", resp.Message)

	req = buyGold()
	req.Size = trade.Float(50)
	resp = e.exec.Submit(ctx, req)
	assert.Contains(t, resp.Message, "Size 50 exceeds max 10")
}

func TestSubmitBrokerErrorRecordsFailed(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.paper.FailNext("place_bracket", errors.New("gateway down"))

	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusFailed, resp.Status())
	assert.Contains(t, resp.Message, "Execution failed: place bracket: gateway down")

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusFailed, row.Status)
	assert.Contains(t, row.Reason, "gateway down")
	assert.Equal(t, 2.0, row.Size)
}

func TestSubmitRetriesLedgerWriteAfterFill(t *testing.T) {
	e := newEnv(t, nil)
	exec := e.rebuild(func(d *Deps) { d.Ledger = &flakyLedger{GormStore: e.ledger, to: trade.StatusExecuted, n: 1} })

	resp := exec.Submit(context.Background(), buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())
	row, err := e.ledger.Get(context.Background(), resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, row.Status)
}

func TestSubmitUnrecordedFillParksRowAsFailed(t *testing.T) {
	e := newEnv(t, nil)
	exec := e.rebuild(func(d *Deps) { d.Ledger = &flakyLedger{GormStore: e.ledger, to: trade.StatusExecuted, n: 2} })

	resp := exec.Submit(context.Background(), buyGold())
	require.Equal(t, trade.StatusFailed, resp.Status())
	assert.Contains(t, resp.Message, "could not record EXECUTED")

	row, err := e.ledger.Get(context.Background(), resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusFailed, row.Status)
	assert.NotEmpty(t, row.BrokerOrderID)
	assert.Contains(t, row.Reason, "broker order "+row.BrokerOrderID+" is Filled")

	positions, _ := e.paper.GetOpenPositions(context.Background(), "XAUUSD")
	assert.Len(t, positions, 1, "the broker position is real")
}

func TestSubmitPriceUnavailableRejects(t *testing.T) {
	e := newEnv(t, nil)
	e.paper.FailNext("get_price", errors.New("no market data"))
	resp := e.exec.Submit(context.Background(), buyGold())
	assert.Equal(t, trade.StatusRejected, resp.Status())
	assert.Contains(t, resp.Message, "Cannot get current Gold (XAUUSD) price")
}

func TestSubmitAccountFailureUsesFallbackBalance(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Broker.PaperBalance = 50000 })
	e.paper.FailNext("account_info", errors.New("timeout"))
	resp := e.exec.Submit(context.Background(), buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())
	assert.Equal(t, 2.0, resp.Size, "sized from the 10000 fallback, not the real 50000")
}

func TestSubmitRestingOrders(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	req := buyGold()
	req.Kind = trade.Limit
	req.EntryPrice = trade.Float(1990)
	resp := e.exec.Submit(ctx, req)
	require.Equal(t, trade.StatusPendingOrder, resp.Status(), resp.Message)
	assert.Equal(t, trade.PendingOrder{RestingPrice: 1990}, resp.Outcome)
	assert.Equal(t, 1940.0, resp.StopPrice)

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusPendingOrder, row.Status)
	assert.Equal(t, 1990.0, row.EntryPrice)

	req.EntryPrice = trade.Float(2010)
	resp = e.exec.Submit(ctx, req)
	assert.Equal(t, trade.StatusRejected, resp.Status())
	assert.Equal(t, "BUY LIMIT price 2010.00 must be below current price 2000.10", resp.Message)

	sell := buyGold()
	sell.Direction = trade.Sell
	sell.Kind = trade.Stop
	sell.EntryPrice = trade.Float(2005)
	resp = e.exec.Submit(ctx, sell)
	assert.Equal(t, "SELL STOP price 2005.00 must be below current price 1999.90", resp.Message)
}

func TestSubmitRunnerSendsFirstTargetOnly(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := buyGold()
	req.Strategy = "M5_SCALP"
	resp := e.exec.Submit(ctx, req)
	require.Equal(t, trade.StatusExecuted, resp.Status(), resp.Message)

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.InDelta(t, 2050.1, row.Target1Price, 1e-9)
	assert.Zero(t, row.TargetPrice)

	orders, _ := e.paper.GetOpenOrders(ctx, "XAUUSD")
	require.Len(t, orders, 2)
	assert.Equal(t, 2.0, orders[0].Size, "stop covers the full position")
	assert.Equal(t, 1.0, orders[1].Size)
}

func TestSubmitSimpleBracketWhenSplitTooSmall(t *testing.T) {
	e := newEnv(t, nil)
	req := buyGold()
	req.Size = trade.Float(1)
	resp := e.exec.Submit(context.Background(), req)
	require.Equal(t, trade.StatusExecuted, resp.Status())
	orders, _ := e.paper.GetOpenOrders(context.Background(), "XAUUSD")
	assert.Len(t, orders, 2)
}

func TestSubmitFallsBackToATRThenDefaults(t *testing.T) {
	e := newEnv(t, nil)
	e.exec.stops = fixedStops{d: stops.Distances{Stop: 30, Target: 90, ATR: 20}, ok: true}
	req := buyGold()
	req.StopDistance = nil
	req.TargetDistance = nil
	resp := e.exec.Submit(context.Background(), req)
	assert.Equal(t, 30.0, resp.ResolvedStopDistance)
	assert.Equal(t, 90.0, resp.ResolvedTargetDistance)

	e.exec.stops = fixedStops{}
	req.TargetDistance = trade.Float(120)
	resp = e.exec.Submit(context.Background(), req)
	assert.Equal(t, 50.0, resp.ResolvedStopDistance)
	assert.Equal(t, 120.0, resp.ResolvedTargetDistance)
}

func TestCancelPendingCancelsEntryAndRow(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := buyGold()
	req.Kind = trade.Limit
	req.EntryPrice = trade.Float(1990)
	resp := e.exec.Submit(ctx, req)
	require.Equal(t, trade.StatusPendingOrder, resp.Status())

	_, err := e.exec.CancelPending(ctx, "XAUUSD", trade.Buy, "999")
	assert.True(t, trade.IsRejection(err))

	res, err := e.exec.CancelPending(ctx, "XAUUSD", trade.Buy, "")
	require.NoError(t, err)
	assert.Equal(t, []string{resp.BrokerOrderID}, res.CancelledIDs)

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusCancelled, row.Status)
	orders, _ := e.paper.GetOpenOrders(ctx, "")
	assert.Empty(t, orders)

	_, err = e.exec.CancelPending(ctx, "XAUUSD", trade.Buy, "")
	assert.EqualError(t, err, "No pending BUY orders found for XAUUSD")
}

func TestClosePositionClosesRowsExactlyOnce(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())

	e.paper.SetQuote("XAUUSD", 2009.9, 2010.1)
	res, err := e.exec.ClosePosition(ctx, "XAUUSD", trade.Buy, nil)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosed, res.Status)
	assert.Equal(t, 2009.9, res.ClosePrice)
	assert.InDelta(t, 19.6, res.ProfitLoss, 1e-9)
	assert.Equal(t, []int64{resp.RowID}, res.ClosedRows)

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosed, row.Status)
	require.NotNil(t, row.PnL)
	assert.InDelta(t, 19.6, *row.PnL, 1e-9)
	require.NotNil(t, row.ClosedAt)

	orders, _ := e.paper.GetOpenOrders(ctx, "")
	assert.Empty(t, orders, "bracket legs are cancelled")

	_, err = e.exec.ClosePosition(ctx, "XAUUSD", trade.Buy, nil)
	assert.True(t, trade.IsRejection(err))
	closed, err := e.ledger.RecentClosed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestClosePositionSkipsRowAlreadyClosedByMonitor(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())

	moved, err := e.ledger.Transition(ctx, resp.RowID, []trade.Status{trade.StatusExecuted}, trade.StatusClosed, func(o *trade.Order) {
		o.ClosePrice = 2005
		o.PnL = trade.Float(9.8)
	})
	require.NoError(t, err)
	require.True(t, moved)

	res, err := e.exec.ClosePosition(ctx, "XAUUSD", trade.Buy, nil)
	require.NoError(t, err)
	assert.Empty(t, res.ClosedRows)

	row, _ := e.ledger.Get(ctx, resp.RowID)
	assert.InDelta(t, 9.8, *row.PnL, 1e-9)
}

func TestClosePositionWithoutExitPriceLeavesRowsForMonitor(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())

	e.paper.FailNext("get_price", errors.New("no market data"))
	exec := e.withBroker(scriptedClose{Paper: e.paper, placed: broker.Placement{OrderID: "90", Status: broker.StatusFilled, Filled: 2}})

	res, err := exec.ClosePosition(ctx, "XAUUSD", trade.Buy, nil)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosed, res.Status)
	assert.Zero(t, res.ClosePrice)
	assert.Zero(t, res.ProfitLoss)
	assert.Empty(t, res.ClosedRows)
	assert.Contains(t, res.Message, "exit price unavailable")

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, row.Status)
	assert.Nil(t, row.PnL)
}

func TestClosePositionUnfilledCloseKeepsRowsOpen(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())

	cancelled := e.withBroker(scriptedClose{Paper: e.paper, placed: broker.Placement{OrderID: "91", Status: broker.StatusCancelled}})
	_, err := cancelled.ClosePosition(ctx, "XAUUSD", trade.Buy, nil)
	var execErr *trade.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), `broker status "Cancelled"`)

	working := e.withBroker(scriptedClose{Paper: e.paper, placed: broker.Placement{OrderID: "92", Status: broker.StatusSubmitted}})
	res, err := working.ClosePosition(ctx, "XAUUSD", trade.Buy, nil)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, res.Status)
	assert.Equal(t, 2.0, res.Remaining)
	assert.Contains(t, res.Message, "working")

	row, err := e.ledger.Get(ctx, resp.RowID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, row.Status)
	assert.Nil(t, row.PnL)

	positions, err := e.paper.GetOpenPositions(ctx, "XAUUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].Size)
}

func TestPartialCloseKeepsRowOpen(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())

	_, err := e.exec.ClosePosition(ctx, "XAUUSD", trade.Buy, trade.Float(3))
	assert.EqualError(t, err, "Close size 3 exceeds open position 2")

	res, err := e.exec.ClosePosition(ctx, "XAUUSD", trade.Buy, trade.Float(1))
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, res.Status)
	assert.Equal(t, 1.0, res.Remaining)

	row, _ := e.ledger.Get(ctx, resp.RowID)
	assert.Equal(t, trade.StatusExecuted, row.Status)
}

func TestModifyStopTarget(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	resp := e.exec.Submit(ctx, buyGold())
	require.Equal(t, trade.StatusExecuted, resp.Status())

	_, err := e.exec.ModifyStopTarget(ctx, "XAUUSD", trade.Buy, nil, nil)
	assert.True(t, trade.IsRejection(err))
	_, err = e.exec.ModifyStopTarget(ctx, "XAUUSD", trade.Buy, trade.Float(2005), nil)
	assert.Contains(t, err.Error(), "wrong side")
	_, err = e.exec.ModifyStopTarget(ctx, "XAUUSD", trade.Buy, nil, trade.Float(math.Inf(1)))
	require.True(t, trade.IsRejection(err))
	assert.Contains(t, err.Error(), "Invalid target price")

	res, err := e.exec.ModifyStopTarget(ctx, "XAUUSD", trade.Buy, trade.Float(1960), trade.Float(2120))
	require.NoError(t, err)
	require.Len(t, res.Changes, 2)
	assert.Equal(t, "stop", res.Changes[0].Leg)
	assert.InDelta(t, 1950.1, res.Changes[0].Old, 1e-9)
	assert.Equal(t, 1960.0, res.Changes[0].New)
	assert.Equal(t, "target", res.Changes[1].Leg)
	assert.InDelta(t, 2100.1, res.Changes[1].Old, 1e-9)

	orders, _ := e.paper.GetOpenOrders(ctx, "XAUUSD")
	require.Len(t, orders, 3)
	assert.Equal(t, 1960.0, orders[0].Price)
	assert.InDelta(t, 2050.1, orders[1].Price, 1e-9, "target 1 untouched")
	assert.Equal(t, 2120.0, orders[2].Price)

	row, _ := e.ledger.Get(ctx, resp.RowID)
	assert.Equal(t, 1960.0, row.StopPrice)
	assert.Equal(t, 2120.0, row.TargetPrice)
}

func TestCooldownStatusUsesAccountEquity(t *testing.T) {
	e := newEnv(t, nil)
	e.risk.On("Status", 10000.0).Return(trade.CooldownStatus{CanTrade: true, DailyTradeLimit: 5}, nil)
	st, err := e.exec.CooldownStatus(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, st.CanTrade)

	e.risk.On("Status", 2500.0).Return(trade.CooldownStatus{DailyLossLimit: 75}, nil)
	st, err = e.exec.CooldownStatus(context.Background(), 2500)
	require.NoError(t, err)
	assert.Equal(t, 75.0, st.DailyLossLimit)
}

func TestKeyLockSerializes(t *testing.T) {
	k := newKeyLock()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("XAUUSD/BUY")
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
	assert.Empty(t, k.locks)
}
