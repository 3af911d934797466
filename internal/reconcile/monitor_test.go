package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/instrument"
	"tradegate/internal/store/gormstore"
	"tradegate/internal/trade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type env struct {
	mon    *Monitor
	paper  *broker.Paper
	ledger *gormstore.GormStore
	sent   *recorder
	gold   instrument.Spec
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Defaults()
	cfg.Broker.PaperQuotes = map[string]float64{"XAUUSD": 2000}
	cfg.Broker.PaperSpread = 0.2
	cfg.Broker.PaperBalance = 10000

	ledger, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	catalog := instrument.Builtin()
	gold, err := catalog.Lookup("XAUUSD")
	require.NoError(t, err)

	paper := broker.NewPaper(cfg.Broker)
	sent := &recorder{}
	mon := New(cfg.Reconcile, catalog, paper, ledger, sent)
	mon.SetClock(func() time.Time { return time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC) })
	return &env{mon: mon, paper: paper, ledger: ledger, sent: sent, gold: gold}
}

// openGold places a 2-lot market bracket and records the matching EXECUTED row.
func (e *env) openGold(t *testing.T, target1 float64) trade.Order {
	t.Helper()
	ctx := context.Background()
	placed, err := e.paper.PlaceBracket(ctx, e.gold, broker.BracketOrder{
		Instrument: "XAUUSD",
		Direction:  trade.Buy,
		Kind:       trade.Market,
		Size:       2,
		StopPrice:  1950.1,
		StopSize:   2,
		Targets:    []broker.TargetLeg{{Price: 2050.1, Size: 1}, {Price: 2100.1, Size: 1}},
	})
	require.NoError(t, err)
	row := trade.Order{
		BrokerOrderID: placed.OrderID,
		Instrument:    "XAUUSD",
		Direction:     trade.Buy,
		Kind:          trade.Market,
		Strategy:      "swing",
		Size:          2,
		EntryPrice:    placed.FillPrice,
		FillPrice:     placed.FillPrice,
		StopPrice:     1950.1,
		TargetPrice:   2100.1,
		Target1Price:  target1,
		Status:        trade.StatusExecuted,
	}
	require.NoError(t, e.ledger.Create(ctx, &row))
	return row
}

func TestTickLeavesOpenPositionAlone(t *testing.T) {
	e := newEnv(t)
	row := e.openGold(t, 2050.1)

	report, err := e.mon.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Closed)
	assert.Empty(t, report.Partial)
	assert.Empty(t, e.sent.all())

	got, err := e.ledger.Get(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, got.Status)
}

func TestTickClosesRowWhenPositionVanishes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	row := e.openGold(t, 2050.1)

	e.paper.RemovePosition("XAUUSD")
	e.paper.SetLast("XAUUSD", 2030)

	report, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{row.ID}, report.Closed)

	got, err := e.ledger.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosed, got.Status)
	assert.Equal(t, 2030.0, got.ClosePrice)
	require.NotNil(t, got.PnL)
	assert.InDelta(t, (2030-2000.1)*2, *got.PnL, 1e-6)
	require.NotNil(t, got.ClosedAt)

	texts := e.sent.all()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Trade CLOSED")
	assert.Contains(t, texts[0], "Closed by: monitor")
}

func TestTickIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	row := e.openGold(t, 2050.1)
	e.paper.RemovePosition("XAUUSD")

	first, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{row.ID}, first.Closed)

	second, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Closed)
	assert.Len(t, e.sent.all(), 1)

	events, err := e.ledger.Events(ctx, row.ID)
	require.NoError(t, err)
	closes := 0
	for _, ev := range events {
		if ev.To == trade.StatusClosed {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestTickSkipsRowWithoutExitPrice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	row := e.openGold(t, 2050.1)
	e.paper.RemovePosition("XAUUSD")
	e.paper.FailNext("get_price", errors.New("feed down"))

	report, err := e.mon.Tick(ctx)
	require.Error(t, err)
	var rerr *trade.ReconciliationError
	assert.ErrorAs(t, err, &rerr)
	assert.Empty(t, report.Closed)

	got, err := e.ledger.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, got.Status)

	report, err = e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{row.ID}, report.Closed)
}

func TestTickReportsPartialTargetOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	row := e.openGold(t, 2050.1)

	_, err := e.mon.Tick(ctx)
	require.NoError(t, err)

	e.paper.ReducePosition("XAUUSD", 1)
	report, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{row.ID}, report.Partial)

	report, err = e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Partial)

	texts := e.sent.all()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "TP1 HIT")
	assert.Contains(t, texts[0], "Remaining: 1")
}

func TestTickIgnoresShrinkWithoutTarget1(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.openGold(t, 0)

	_, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	e.paper.ReducePosition("XAUUSD", 1)

	report, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Partial)
	assert.Empty(t, e.sent.all())
}

func (e *env) restingGold(t *testing.T) trade.Order {
	t.Helper()
	ctx := context.Background()
	placed, err := e.paper.PlaceBracket(ctx, e.gold, broker.BracketOrder{
		Instrument: "XAUUSD",
		Direction:  trade.Buy,
		Kind:       trade.Limit,
		Size:       1,
		EntryPrice: 1990,
		StopPrice:  1940,
		StopSize:   1,
		Targets:    []broker.TargetLeg{{Price: 2090, Size: 1}},
	})
	require.NoError(t, err)
	require.True(t, placed.IsWorking())
	row := trade.Order{
		BrokerOrderID: placed.OrderID,
		Instrument:    "XAUUSD",
		Direction:     trade.Buy,
		Kind:          trade.Limit,
		Size:          1,
		EntryPrice:    1990,
		StopPrice:     1940,
		TargetPrice:   2090,
		Status:        trade.StatusPendingOrder,
	}
	require.NoError(t, e.ledger.Create(ctx, &row))
	return row
}

func TestTickPromotesFilledPendingOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	row := e.restingGold(t)

	report, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Filled)

	require.NoError(t, e.paper.FillOrder(row.BrokerOrderID))
	report, err = e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{row.ID}, report.Filled)
	assert.Empty(t, report.Closed)

	got, err := e.ledger.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, got.Status)
	assert.Equal(t, 1990.0, got.FillPrice)

	texts := e.sent.all()
	require.Len(t, texts, 1)
	assert.True(t, strings.Contains(texts[0], "EXECUTED"), texts[0])
}

func TestTickCancelsVanishedPendingOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	row := e.restingGold(t)

	require.NoError(t, e.paper.CancelOrder(ctx, row.BrokerOrderID))
	report, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{row.ID}, report.Cancelled)

	got, err := e.ledger.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusCancelled, got.Status)
	assert.Equal(t, "Entry order Cancelled at broker", got.Reason)
}

func TestTickCancelledEntryBesideOpenPositionStaysCancelled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	held := e.openGold(t, 0)
	row := e.restingGold(t)

	require.NoError(t, e.paper.CancelOrder(ctx, row.BrokerOrderID))
	report, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Filled)
	assert.Equal(t, []int64{row.ID}, report.Cancelled)

	got, err := e.ledger.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusCancelled, got.Status)
	open, err := e.ledger.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, open.Status)
}

func TestTickUnknownEntryUsesUnclaimedSize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.openGold(t, 0)

	orphan := func(orderID string) trade.Order {
		row := trade.Order{
			BrokerOrderID: orderID,
			Instrument:    "XAUUSD",
			Direction:     trade.Buy,
			Kind:          trade.Limit,
			Size:          1,
			EntryPrice:    1995,
			StopPrice:     1945,
			Status:        trade.StatusPendingOrder,
		}
		require.NoError(t, e.ledger.Create(ctx, &row))
		return row
	}

	// the 2-lot position is fully claimed by the EXECUTED row
	first := orphan("7001")
	report, err := e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, report.Cancelled)

	// one extra lot appears that no row claims
	_, err = e.paper.PlaceBracket(ctx, e.gold, broker.BracketOrder{Instrument: "XAUUSD", Direction: trade.Buy, Kind: trade.Market, Size: 1, StopPrice: 1950})
	require.NoError(t, err)
	second := orphan("7002")
	report, err = e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.ID}, report.Filled)

	got, err := e.ledger.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, got.Status)
	assert.Equal(t, 1995.0, got.FillPrice)
}

func TestTickPendingStatusFailureKeepsRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	row := e.restingGold(t)
	require.NoError(t, e.paper.CancelOrder(ctx, row.BrokerOrderID))
	e.paper.FailNext("order_status", errors.New("timeout"))

	report, err := e.mon.Tick(ctx)
	require.Error(t, err)
	assert.Empty(t, report.Cancelled)
	got, _ := e.ledger.Get(ctx, row.ID)
	assert.Equal(t, trade.StatusPendingOrder, got.Status)

	report, err = e.mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{row.ID}, report.Cancelled)
}

func TestTickReportsPositionFetchFailure(t *testing.T) {
	e := newEnv(t)
	row := e.openGold(t, 2050.1)
	e.paper.FailNext("get_positions", errors.New("socket closed"))

	_, err := e.mon.Tick(context.Background())
	require.Error(t, err)
	var rerr *trade.ReconciliationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "positions", rerr.Stage)

	got, err := e.ledger.Get(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, got.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.mon.cfg.IntervalSeconds = 1
	row := e.openGold(t, 0)
	e.paper.RemovePosition("XAUUSD")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := e.ledger.Get(context.Background(), row.ID)
		return err == nil && got.Status == trade.StatusClosed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
