package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/trade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "ledger", "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedExecuted(t *testing.T, s *GormStore, instrument string, dir trade.Direction) trade.Order {
	t.Helper()
	ctx := context.Background()
	o := trade.Order{Instrument: instrument, Direction: dir, Kind: trade.Market, StopDistance: trade.Float(50)}
	require.NoError(t, s.Create(ctx, &o))
	ok, err := s.Transition(ctx, o.ID, []trade.Status{trade.StatusPending}, trade.StatusValidated, func(r *trade.Order) {
		r.Size = 2
		r.StopPrice = 1950
		r.TargetPrice = 2100
	})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Transition(ctx, o.ID, []trade.Status{trade.StatusValidated}, trade.StatusExecuted, func(r *trade.Order) {
		r.EntryPrice = 2000
		r.FillPrice = 2000
		r.BrokerOrderID = "101"
		r.ChildOrderIDs = []string{"102", "103"}
	})
	require.NoError(t, err)
	require.True(t, ok)
	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	return got
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := trade.Order{
		Instrument: "XAUUSD",
		Direction:  trade.Buy,
		Kind:       trade.Limit,
		EntryRef:   trade.Float(1990),
		Conviction: trade.ConvictionHigh,
		Strategy:   "swing",
		Rationale:  "breakout",
	}
	require.NoError(t, s.Create(ctx, &o))
	require.NotZero(t, o.ID)

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusPending, got.Status)
	assert.Equal(t, 1990.0, *got.EntryRef)
	assert.Nil(t, got.RequestedSize)
	assert.Equal(t, trade.ConvictionHigh, got.Conviction)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, 9999)
	assert.True(t, errors.Is(err, trade.ErrNotFound))
}

func TestTransitionGuardsStatusAndInvariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := trade.Order{Instrument: "XAUUSD", Direction: trade.Buy, Kind: trade.Market}
	require.NoError(t, s.Create(ctx, &o))

	_, err := s.Transition(ctx, o.ID, []trade.Status{trade.StatusPending}, trade.StatusValidated, nil)
	require.Error(t, err, "validated rows need a size")

	_, err = s.Transition(ctx, o.ID, []trade.Status{trade.StatusPending}, trade.StatusClosed, nil)
	require.Error(t, err, "pending cannot jump to closed")

	ok, err := s.Transition(ctx, o.ID, []trade.Status{trade.StatusExecuted}, trade.StatusClosed, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Transition(ctx, o.ID, []trade.Status{trade.StatusPending}, trade.StatusRejected, func(r *trade.Order) {
		r.Reason = "Spread too wide"
	})
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := s.Get(ctx, o.ID)
	assert.Equal(t, "Spread too wide", got.Reason)
}

func TestTransitionNeverRewritesRequestFacts(t *testing.T) {
	s := newTestStore(t)
	row := seedExecuted(t, s, "XAUUSD", trade.Buy)
	ok, err := s.Amend(context.Background(), row.ID, trade.StatusExecuted, func(r *trade.Order) {
		r.Instrument = "MES"
		r.StopDistance = trade.Float(1)
		r.StopPrice = 1960
	})
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := s.Get(context.Background(), row.ID)
	assert.Equal(t, "XAUUSD", got.Instrument)
	assert.Equal(t, 50.0, *got.StopDistance)
	assert.Equal(t, 1960.0, got.StopPrice)
	assert.Equal(t, []string{"102", "103"}, got.ChildOrderIDs)
}

func TestConcurrentCloseAppliesOnce(t *testing.T) {
	s := newTestStore(t)
	row := seedExecuted(t, s, "XAUUSD", trade.Buy)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(pnl float64) {
			defer wg.Done()
			ok, err := s.Transition(context.Background(), row.ID, []trade.Status{trade.StatusExecuted}, trade.StatusClosed, func(r *trade.Order) {
				r.PnL = trade.Float(pnl)
				r.ClosePrice = 2010
			})
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(float64(10 * (i + 1)))
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, _ := s.Get(context.Background(), row.ID)
	assert.Equal(t, trade.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
	require.NotNil(t, got.PnL)

	events, err := s.Events(context.Background(), row.ID)
	require.NoError(t, err)
	closes := 0
	for _, ev := range events {
		if ev.To == trade.StatusClosed {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestAggregatesForRiskQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	a := seedExecuted(t, s, "XAUUSD", trade.Buy)
	b := seedExecuted(t, s, "XAUUSD", trade.Sell)
	closeAt := func(id int64, pnl float64, at time.Time) {
		ok, err := s.Transition(ctx, id, []trade.Status{trade.StatusExecuted}, trade.StatusClosed, func(r *trade.Order) {
			r.PnL = trade.Float(pnl)
			r.ClosedAt = &at
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
	closeAt(a.ID, -40, base.Add(time.Hour))
	closeAt(b.ID, 15.5, base.Add(2*time.Hour))
	seedExecuted(t, s, "MES", trade.Buy)

	closed, err := s.RecentClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, b.ID, closed[0].ID)

	sum, err := s.SumClosedPnLSince(ctx, base)
	require.NoError(t, err)
	assert.InDelta(t, -24.5, sum, 1e-9)

	sum, err = s.SumClosedPnLSince(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 15.5, sum, 1e-9)

	n, err := s.CountCreatedSince(ctx, base, trade.StatusExecuted, trade.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	open, err := s.ListOpen(ctx, trade.PositionKey{Instrument: "MES", Direction: trade.Buy}, trade.StatusExecuted)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	byStatus, err := s.ListByStatus(ctx, trade.StatusExecuted)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
}
