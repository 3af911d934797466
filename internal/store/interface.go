package store

import (
	"context"
	"time"

	"tradegate/internal/trade"
)

// Mutator edits the mutable fields of a row inside a transition. Request facts
// written at intake are never persisted back.
type Mutator func(o *trade.Order)

// Ledger is the durable store of order rows.
type Ledger interface {
	// Create inserts a new row and fills in its ID and timestamps.
	Create(ctx context.Context, o *trade.Order) error
	Get(ctx context.Context, id int64) (trade.Order, error)
	// Transition moves a row to `to` only if its current status is one of from.
	// It returns false, without error, when the row already moved on.
	Transition(ctx context.Context, id int64, from []trade.Status, to trade.Status, mutate Mutator) (bool, error)
	// Amend edits mutable fields while the row stays in status.
	Amend(ctx context.Context, id int64, status trade.Status, mutate Mutator) (bool, error)
	ListByStatus(ctx context.Context, statuses ...trade.Status) ([]trade.Order, error)
	ListOpen(ctx context.Context, key trade.PositionKey, status trade.Status) ([]trade.Order, error)
	// RecentClosed returns up to limit CLOSED rows, newest close first.
	RecentClosed(ctx context.Context, limit int) ([]trade.Order, error)
	CountCreatedSince(ctx context.Context, since time.Time, statuses ...trade.Status) (int, error)
	SumClosedPnLSince(ctx context.Context, since time.Time) (float64, error)
	Recent(ctx context.Context, limit int) ([]trade.Order, error)
	Events(ctx context.Context, orderID int64) ([]Event, error)
	Close() error
}

// Event is one recorded status change.
type Event struct {
	OrderID   int64
	From      trade.Status
	To        trade.Status
	Details   map[string]any
	Timestamp time.Time
}
