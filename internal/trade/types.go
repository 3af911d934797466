package trade

import (
	"strings"
	"time"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// ParseDirection accepts BUY/SELL and the long/short aliases.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG":
		return Buy, nil
	case "SELL", "SHORT":
		return Sell, nil
	default:
		return "", Reject("Invalid direction: %s", raw)
	}
}

func (d Direction) Long() bool { return d == Buy }

func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

type OrderKind string

const (
	Market OrderKind = "MARKET"
	Limit  OrderKind = "LIMIT"
	Stop   OrderKind = "STOP"
)

func ParseOrderKind(raw string) (OrderKind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "MARKET", "MKT":
		return Market, nil
	case "LIMIT", "LMT":
		return Limit, nil
	case "STOP", "STP":
		return Stop, nil
	default:
		return "", Reject("Invalid order type: %s", raw)
	}
}

// Resting reports whether the order waits in the book for a reference price.
func (k OrderKind) Resting() bool { return k == Limit || k == Stop }

type Conviction string

const (
	ConvictionNone   Conviction = ""
	ConvictionLow    Conviction = "LOW"
	ConvictionMedium Conviction = "MEDIUM"
	ConvictionHigh   Conviction = "HIGH"
)

func ParseConviction(raw string) Conviction {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "HIGH":
		return ConvictionHigh
	case "MEDIUM", "MED":
		return ConvictionMedium
	case "LOW":
		return ConvictionLow
	default:
		return ConvictionNone
	}
}

// Rank orders convictions LOW < MEDIUM < HIGH; none ranks as MEDIUM.
func (c Conviction) Rank() int {
	switch c {
	case ConvictionLow:
		return 1
	case ConvictionHigh:
		return 3
	default:
		return 2
	}
}

// Order is one ledger row. Request facts are written once at intake; the
// resolved and lifecycle fields are filled in as the order progresses.
type Order struct {
	ID            int64
	BrokerOrderID string
	ChildOrderIDs []string
	ClientRef     string

	Instrument     string
	Direction      Direction
	Kind           OrderKind
	RequestedSize  *float64
	EntryRef       *float64
	StopDistance   *float64
	TargetDistance *float64
	Conviction     Conviction
	Rationale      string
	Strategy       string
	Source         string

	Size           float64
	ResolvedStop   float64
	ResolvedTarget float64
	StopPrice      float64
	TargetPrice    float64
	Target1Price   float64
	EntryPrice     float64
	ExpectedPrice  float64
	FillPrice      float64
	SpreadAtEntry  float64
	ClosePrice     float64
	PnL            *float64
	Reason         string

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Key identifies the broker-side position an order contributes to.
func (o Order) Key() PositionKey {
	return PositionKey{Instrument: o.Instrument, Direction: o.Direction}
}

func (o Order) IsLoss() bool { return o.PnL != nil && *o.PnL < 0 }

type PositionKey struct {
	Instrument string
	Direction  Direction
}

func (k PositionKey) String() string {
	return k.Instrument + "/" + string(k.Direction)
}

// Float returns a pointer to v, for optional request fields.
func Float(v float64) *float64 { return &v }

// BracketStyle is the shape of the bracket sent to the broker.
type BracketStyle string

const (
	// BracketSimple is entry + stop + one target.
	BracketSimple BracketStyle = "simple"
	// BracketSplit closes part of the position at target 1 and the rest at target 2.
	BracketSplit BracketStyle = "split"
	// BracketRunner sends target 1 only; the remainder runs on the stop.
	BracketRunner BracketStyle = "runner"
)

// Partial reports whether the style takes profit in more than one step.
func (b BracketStyle) Partial() bool { return b == BracketSplit || b == BracketRunner }
