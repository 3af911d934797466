package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradegate/internal/instrument"
	"tradegate/internal/trade"
)

// Broker order status strings as reported by the gateway.
const (
	StatusFilled        = "Filled"
	StatusSubmitted     = "Submitted"
	StatusPreSubmitted  = "PreSubmitted"
	StatusPendingSubmit = "PendingSubmit"
	StatusCancelled     = "Cancelled"
	StatusInactive      = "Inactive"
)

// ErrNotConnected reports a lost gateway session.
var ErrNotConnected = errors.New("broker gateway not connected")

// ErrOrderNotFound is returned when the gateway no longer knows an order id.
var ErrOrderNotFound = errors.New("broker order not found")

// Gateway is the broker collaborator. Every call may fail with a transport
// error; callers treat such failures as FAILED, never as a crash.
type Gateway interface {
	EnsureConnected(ctx context.Context) error
	GetPrice(ctx context.Context, spec instrument.Spec) (Quote, error)
	// GetOpenPositions lists positions; an empty instrument key means all.
	GetOpenPositions(ctx context.Context, instrumentKey string) ([]Position, error)
	GetOpenOrders(ctx context.Context, instrumentKey string) ([]OpenOrder, error)
	// OrderStatus reports an order's last known state, including orders that
	// already left the book. Unknown ids wrap ErrOrderNotFound.
	OrderStatus(ctx context.Context, orderID string) (Placement, error)
	PlaceBracket(ctx context.Context, spec instrument.Spec, order BracketOrder) (Placement, error)
	// ClosePosition sends a reverse market order for size.
	ClosePosition(ctx context.Context, spec instrument.Spec, dir trade.Direction, size float64) (Placement, error)
	ModifyOrder(ctx context.Context, orderID string, newPrice float64) error
	CancelOrder(ctx context.Context, orderID string) error
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
	DailyBars(ctx context.Context, spec instrument.Spec, days int) ([]Bar, error)
}

type Quote struct {
	Bid  float64
	Ask  float64
	Last float64
	Time time.Time
}

// Reference returns ask for buys and bid for sells, falling back to the last
// trade price when that side of the book is empty.
func (q Quote) Reference(dir trade.Direction) (float64, bool) {
	side := q.Bid
	if dir == trade.Buy {
		side = q.Ask
	}
	if side > 0 {
		return side, true
	}
	if q.Last > 0 {
		return q.Last, true
	}
	return 0, false
}

// ClosePrice approximates an exit price: last, else bid, else zero.
func (q Quote) ClosePrice() float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 {
		return q.Bid
	}
	return 0
}

type Position struct {
	Instrument    string
	Direction     trade.Direction
	Size          float64
	AvgCost       float64
	UnrealizedPnL float64
}

// Order leg roles inside a bracket.
const (
	RoleEntry  = "entry"
	RoleStop   = "stop"
	RoleTarget = "target"
	RoleClose  = "close"
)

type OpenOrder struct {
	OrderID    string
	ParentID   string
	Instrument string
	Action     trade.Direction
	OrderType  string
	Role       string
	Size       float64
	Price      float64
	Status     string
}

type TargetLeg struct {
	Price float64
	Size  float64
}

// BracketOrder is an entry plus an attached stop and one or more targets.
type BracketOrder struct {
	Instrument string
	Direction  trade.Direction
	Kind       trade.OrderKind
	Size       float64
	// EntryPrice is the limit/stop trigger for resting entries; ignored for MARKET.
	EntryPrice float64
	StopPrice  float64
	StopSize   float64
	Targets    []TargetLeg
	ClientRef  string
}

type Placement struct {
	OrderID        string
	Status         string
	FillPrice      float64
	Filled         float64
	StopOrderID    string
	TargetOrderIDs []string
}

// ChildIDs returns the stop and target leg ids.
func (p Placement) ChildIDs() []string {
	out := make([]string, 0, 1+len(p.TargetOrderIDs))
	if p.StopOrderID != "" {
		out = append(out, p.StopOrderID)
	}
	return append(out, p.TargetOrderIDs...)
}

// IsDead reports an order the broker will never fill.
func (p Placement) IsDead() bool {
	return strings.EqualFold(p.Status, StatusCancelled) || strings.EqualFold(p.Status, StatusInactive)
}

func (p Placement) IsFilled() bool {
	return strings.EqualFold(p.Status, StatusFilled)
}

// IsWorking reports an accepted order that has not filled yet.
func (p Placement) IsWorking() bool {
	switch p.Status {
	case StatusSubmitted, StatusPreSubmitted, StatusPendingSubmit:
		return true
	default:
		return false
	}
}

type AccountInfo struct {
	AccountID      string
	Currency       string
	NetLiquidation float64
	AvailableFunds float64
	UnrealizedPnL  float64
}

type Bar struct {
	Time  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// GroupPositions sums absolute sizes per (instrument, direction).
func GroupPositions(positions []Position) map[trade.PositionKey]float64 {
	out := make(map[trade.PositionKey]float64, len(positions))
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		size := p.Size
		if size < 0 {
			size = -size
		}
		out[trade.PositionKey{Instrument: p.Instrument, Direction: p.Direction}] += size
	}
	return out
}
