package broker

import (
	"context"
	"errors"
	"testing"

	"tradegate/internal/config"
	"tradegate/internal/instrument"
	"tradegate/internal/trade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaper(t *testing.T) (*Paper, instrument.Spec) {
	t.Helper()
	p := NewPaper(config.BrokerConfig{
		PaperQuotes:  map[string]float64{"xauusd": 2000},
		PaperSpread:  1,
		PaperBalance: 50000,
	})
	spec, err := instrument.Builtin().Lookup("XAUUSD")
	require.NoError(t, err)
	return p, spec
}

func TestPaperMarketBracketFillsAtTouch(t *testing.T) {
	p, spec := newPaper(t)
	ctx := context.Background()
	placed, err := p.PlaceBracket(ctx, spec, BracketOrder{
		Direction: trade.Buy,
		Kind:      trade.Market,
		Size:      2,
		StopPrice: 1950,
		Targets:   []TargetLeg{{Price: 2050, Size: 1}, {Price: 2100, Size: 1}},
	})
	require.NoError(t, err)
	assert.True(t, placed.IsFilled())
	assert.Equal(t, 2000.5, placed.FillPrice)
	assert.Len(t, placed.ChildIDs(), 3)

	positions, err := p.GetOpenPositions(ctx, "XAUUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, trade.Buy, positions[0].Direction)
	assert.Equal(t, 2.0, positions[0].Size)

	orders, err := p.GetOpenOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, RoleStop, orders[0].Role)
	assert.Equal(t, trade.Sell, orders[0].Action)
	assert.Equal(t, 2.0, orders[0].Size)
}

func TestPaperRestingEntryAndStopOut(t *testing.T) {
	p, spec := newPaper(t)
	ctx := context.Background()
	placed, err := p.PlaceBracket(ctx, spec, BracketOrder{
		Direction:  trade.Buy,
		Kind:       trade.Limit,
		Size:       1,
		EntryPrice: 1990,
		StopPrice:  1940,
		Targets:    []TargetLeg{{Price: 2090, Size: 1}},
	})
	require.NoError(t, err)
	assert.True(t, placed.IsWorking())
	positions, _ := p.GetOpenPositions(ctx, "")
	assert.Empty(t, positions)

	require.NoError(t, p.FillOrder(placed.OrderID))
	positions, _ = p.GetOpenPositions(ctx, "")
	require.Len(t, positions, 1)
	assert.Equal(t, 1990.0, positions[0].AvgCost)

	require.NoError(t, p.FillOrder(placed.StopOrderID))
	positions, _ = p.GetOpenPositions(ctx, "")
	assert.Empty(t, positions)
	orders, _ := p.GetOpenOrders(ctx, "")
	assert.Empty(t, orders, "target leg is cancelled once flat")

	info, err := p.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 50000-50, info.NetLiquidation, 1e-9)
}

func TestPaperCancelEntryDropsLegs(t *testing.T) {
	p, spec := newPaper(t)
	ctx := context.Background()
	placed, err := p.PlaceBracket(ctx, spec, BracketOrder{Direction: trade.Sell, Kind: trade.Stop, Size: 1, EntryPrice: 1980, StopPrice: 2030})
	require.NoError(t, err)
	require.NoError(t, p.CancelOrder(ctx, placed.OrderID))
	orders, _ := p.GetOpenOrders(ctx, "")
	assert.Empty(t, orders)
	assert.True(t, errors.Is(p.CancelOrder(ctx, placed.OrderID), ErrOrderNotFound))
	assert.True(t, errors.Is(p.ModifyOrder(ctx, "404", 1), ErrOrderNotFound))
}

func TestPaperOrderStatusKeepsHistory(t *testing.T) {
	p, spec := newPaper(t)
	ctx := context.Background()
	resting, err := p.PlaceBracket(ctx, spec, BracketOrder{Direction: trade.Buy, Kind: trade.Limit, Size: 1, EntryPrice: 1990, StopPrice: 1940})
	require.NoError(t, err)
	st, err := p.OrderStatus(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.True(t, st.IsWorking())

	require.NoError(t, p.FillOrder(resting.OrderID))
	st, err = p.OrderStatus(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.True(t, st.IsFilled())
	assert.Equal(t, 1990.0, st.FillPrice)

	other, err := p.PlaceBracket(ctx, spec, BracketOrder{Direction: trade.Buy, Kind: trade.Limit, Size: 1, EntryPrice: 1980, StopPrice: 1930})
	require.NoError(t, err)
	require.NoError(t, p.CancelOrder(ctx, other.OrderID))
	st, err = p.OrderStatus(ctx, other.OrderID)
	require.NoError(t, err)
	assert.True(t, st.IsDead())
	st, err = p.OrderStatus(ctx, other.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st.Status)

	_, err = p.OrderStatus(ctx, "404")
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestPaperCloseAndFailureInjection(t *testing.T) {
	p, spec := newPaper(t)
	ctx := context.Background()
	_, err := p.PlaceBracket(ctx, spec, BracketOrder{Direction: trade.Sell, Kind: trade.Market, Size: 3, StopPrice: 2050})
	require.NoError(t, err)

	p.FailNext("close_position", errors.New("gateway down"))
	_, err = p.ClosePosition(ctx, spec, trade.Sell, 3)
	require.Error(t, err)

	p.SetQuote("XAUUSD", 1989.5, 1990.5)
	placed, err := p.ClosePosition(ctx, spec, trade.Sell, 3)
	require.NoError(t, err)
	assert.Equal(t, 1990.5, placed.FillPrice)
	positions, _ := p.GetOpenPositions(ctx, "")
	assert.Empty(t, positions)

	info, _ := p.GetAccountInfo(ctx)
	assert.InDelta(t, 50000+(1999.5-1990.5)*3, info.NetLiquidation, 1e-9)

	_, err = p.ClosePosition(ctx, spec, trade.Sell, 1)
	assert.Error(t, err)
}

func TestPaperDailyBarsTrimmed(t *testing.T) {
	p, spec := newPaper(t)
	_, err := p.DailyBars(context.Background(), spec, 10)
	require.Error(t, err)
	p.SetBars("XAUUSD", []Bar{{Close: 1}, {Close: 2}, {Close: 3}})
	bars, err := p.DailyBars(context.Background(), spec, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 2.0, bars[0].Close)
}
