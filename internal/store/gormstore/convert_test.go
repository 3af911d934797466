package gormstore

import (
	"testing"
	"time"

	"tradegate/internal/trade"

	"github.com/stretchr/testify/assert"
)

func TestOrderOfRestoresClosedRow(t *testing.T) {
	closed := time.Date(2025, 3, 4, 12, 30, 0, 0, time.UTC)
	row := trade.Order{
		ID:            7,
		Instrument:    "XAUUSD",
		Direction:     trade.Sell,
		Kind:          trade.Market,
		ChildOrderIDs: []string{"12", "13"},
		Size:          1,
		ClosePrice:    1990,
		PnL:           trade.Float(10),
		Status:        trade.StatusClosed,
		CreatedAt:     closed.Add(-time.Hour),
		ClosedAt:      &closed,
	}

	got := orderOf(newOrderModel(row))
	assert.Equal(t, []string{"12", "13"}, got.ChildOrderIDs)
	assert.Equal(t, trade.StatusClosed, got.Status)
	assert.Equal(t, 10.0, *got.PnL)
	if assert.NotNil(t, got.ClosedAt) {
		assert.True(t, closed.Equal(*got.ClosedAt))
	}
	assert.True(t, row.CreatedAt.Equal(got.CreatedAt))

	open := orderOf(newOrderModel(trade.Order{Instrument: "MES", Status: trade.StatusPending}))
	assert.Nil(t, open.ClosedAt)
	assert.Empty(t, open.ChildOrderIDs)
}
