package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/trade"
)

// Paper is an in-memory broker. Market orders fill immediately at the touch,
// resting entries and bracket legs stay open until FillOrder is called or the
// order is cancelled. Positions are netted per instrument like the real gateway.
type Paper struct {
	mu        sync.Mutex
	quotes    map[string]Quote
	bars      map[string][]Bar
	positions map[string]*paperPosition
	orders    map[string]*OpenOrder
	done      map[string]Placement
	specs     map[string]instrument.Spec
	balance   float64
	nextID    int64
	failures  map[string]error
	nowFn     func() time.Time
}

type paperPosition struct {
	qty     float64
	avgCost float64
}

var _ Gateway = (*Paper)(nil)

// NewPaper builds a paper broker seeded from cfg.PaperQuotes.
func NewPaper(cfg config.BrokerConfig) *Paper {
	p := &Paper{
		quotes:    make(map[string]Quote),
		bars:      make(map[string][]Bar),
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*OpenOrder),
		done:      make(map[string]Placement),
		specs:     make(map[string]instrument.Spec),
		balance:   cfg.PaperBalance,
		nextID:    1000,
		failures:  make(map[string]error),
		nowFn:     time.Now,
	}
	half := cfg.PaperSpread / 2
	for key, mid := range cfg.PaperQuotes {
		if mid <= 0 {
			continue
		}
		p.SetQuote(key, mid-half, mid+half)
	}
	return p
}

// SetQuote installs bid/ask for an instrument; last becomes the mid.
func (p *Paper) SetQuote(key string, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[normalize(key)] = Quote{Bid: bid, Ask: ask, Last: (bid + ask) / 2, Time: p.nowFn().UTC()}
}

// SetLast overrides only the last trade price.
func (p *Paper) SetLast(key string, last float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.quotes[normalize(key)]
	q.Last = last
	p.quotes[normalize(key)] = q
}

func (p *Paper) SetBars(key string, bars []Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[normalize(key)] = append([]Bar(nil), bars...)
}

func (p *Paper) SetBalance(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = v
}

// FailNext makes the next call of op ("get_price", "place_bracket", ...) return err.
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

func (p *Paper) takeFailure(op string) error {
	if err, ok := p.failures[op]; ok {
		delete(p.failures, op)
		return err
	}
	return nil
}

// RemovePosition flattens an instrument outside the order flow, as a manual
// close in the broker UI would. Working orders stay in place.
func (p *Paper) RemovePosition(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, normalize(key))
}

// ReducePosition shrinks an instrument's net position by size.
func (p *Paper) ReducePosition(key string, size float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[normalize(key)]
	if !ok {
		return
	}
	if pos.qty > 0 {
		pos.qty = math.Max(0, pos.qty-size)
	} else {
		pos.qty = math.Min(0, pos.qty+size)
	}
	if pos.qty == 0 {
		delete(p.positions, normalize(key))
	}
}

// FillOrder executes a working order at its own price. Filling a stop or
// target that flattens the position cancels its remaining siblings.
func (p *Paper) FillOrder(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	delete(p.orders, orderID)
	spec := p.specs[o.Instrument]
	p.applyFill(spec, o.Action, o.Size, o.Price)
	p.done[orderID] = Placement{OrderID: orderID, Status: StatusFilled, FillPrice: o.Price, Filled: o.Size}
	if o.Role == RoleEntry {
		for _, child := range p.orders {
			if child.ParentID == o.OrderID {
				child.Status = StatusSubmitted
			}
		}
		return nil
	}
	if _, open := p.positions[o.Instrument]; !open {
		for id, sibling := range p.orders {
			if sibling.ParentID != "" && sibling.ParentID == o.ParentID {
				p.retire(id, StatusCancelled)
			}
		}
	}
	return nil
}

func (p *Paper) EnsureConnected(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeFailure("connect")
}

func (p *Paper) GetPrice(_ context.Context, spec instrument.Spec) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_price"); err != nil {
		return Quote{}, err
	}
	q, ok := p.quotes[normalize(spec.Key)]
	if !ok {
		return Quote{}, fmt.Errorf("paper: no quote for %s", spec.Key)
	}
	return q, nil
}

func (p *Paper) GetOpenPositions(_ context.Context, instrumentKey string) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_positions"); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(p.positions))
	for key := range p.positions {
		if instrumentKey == "" || key == normalize(instrumentKey) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]Position, 0, len(keys))
	for _, key := range keys {
		pos := p.positions[key]
		dir := trade.Buy
		if pos.qty < 0 {
			dir = trade.Sell
		}
		out = append(out, Position{
			Instrument:    key,
			Direction:     dir,
			Size:          math.Abs(pos.qty),
			AvgCost:       pos.avgCost,
			UnrealizedPnL: p.unrealized(key, pos),
		})
	}
	return out, nil
}

func (p *Paper) unrealized(key string, pos *paperPosition) float64 {
	q, ok := p.quotes[key]
	if !ok {
		return 0
	}
	mark := q.Last
	if mark <= 0 {
		return 0
	}
	mult := p.specs[key].Multiplier
	if mult <= 0 {
		mult = 1
	}
	return (mark - pos.avgCost) * pos.qty * mult
}

func (p *Paper) GetOpenOrders(_ context.Context, instrumentKey string) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_orders"); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if instrumentKey == "" || o.Instrument == normalize(instrumentKey) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].OrderID, 10, 64)
		b, _ := strconv.ParseInt(out[j].OrderID, 10, 64)
		return a < b
	})
	return out, nil
}

func (p *Paper) PlaceBracket(_ context.Context, spec instrument.Spec, order BracketOrder) (Placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("place_bracket"); err != nil {
		return Placement{}, err
	}
	key := normalize(spec.Key)
	p.specs[key] = spec
	parent := &OpenOrder{
		OrderID:    p.newID(),
		Instrument: key,
		Action:     order.Direction,
		OrderType:  orderType(order.Kind),
		Role:       RoleEntry,
		Size:       order.Size,
		Price:      order.EntryPrice,
		Status:     StatusSubmitted,
	}
	placed := Placement{OrderID: parent.OrderID}
	childStatus := StatusPreSubmitted
	if order.Kind == trade.Market {
		q, ok := p.quotes[key]
		if !ok {
			return Placement{}, fmt.Errorf("paper: no quote for %s", spec.Key)
		}
		fill, ok := q.Reference(order.Direction)
		if !ok {
			return Placement{}, fmt.Errorf("paper: empty book for %s", spec.Key)
		}
		p.applyFill(spec, order.Direction, order.Size, fill)
		placed.Status = StatusFilled
		placed.FillPrice = fill
		placed.Filled = order.Size
		childStatus = StatusSubmitted
		p.done[parent.OrderID] = Placement{OrderID: parent.OrderID, Status: StatusFilled, FillPrice: fill, Filled: order.Size}
	} else {
		p.orders[parent.OrderID] = parent
		placed.Status = StatusSubmitted
	}

	stopSize := order.StopSize
	if stopSize <= 0 {
		stopSize = order.Size
	}
	stop := &OpenOrder{
		OrderID:    p.newID(),
		ParentID:   parent.OrderID,
		Instrument: key,
		Action:     order.Direction.Opposite(),
		OrderType:  "STP",
		Role:       RoleStop,
		Size:       stopSize,
		Price:      order.StopPrice,
		Status:     childStatus,
	}
	p.orders[stop.OrderID] = stop
	placed.StopOrderID = stop.OrderID
	for _, leg := range order.Targets {
		target := &OpenOrder{
			OrderID:    p.newID(),
			ParentID:   parent.OrderID,
			Instrument: key,
			Action:     order.Direction.Opposite(),
			OrderType:  "LMT",
			Role:       RoleTarget,
			Size:       leg.Size,
			Price:      leg.Price,
			Status:     childStatus,
		}
		p.orders[target.OrderID] = target
		placed.TargetOrderIDs = append(placed.TargetOrderIDs, target.OrderID)
	}
	logger.Debugf("paper bracket %s %s %s x%.4g status=%s", key, order.Direction, order.Kind, order.Size, placed.Status)
	return placed, nil
}

func (p *Paper) ClosePosition(_ context.Context, spec instrument.Spec, dir trade.Direction, size float64) (Placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("close_position"); err != nil {
		return Placement{}, err
	}
	key := normalize(spec.Key)
	p.specs[key] = spec
	pos, ok := p.positions[key]
	if !ok || (dir == trade.Buy) != (pos.qty > 0) {
		return Placement{}, fmt.Errorf("paper: no %s position in %s", dir, spec.Key)
	}
	q := p.quotes[key]
	fill, ok := q.Reference(dir.Opposite())
	if !ok {
		return Placement{}, fmt.Errorf("paper: empty book for %s", spec.Key)
	}
	size = math.Min(size, math.Abs(pos.qty))
	p.applyFill(spec, dir.Opposite(), size, fill)
	placed := Placement{OrderID: p.newID(), Status: StatusFilled, FillPrice: fill, Filled: size}
	p.done[placed.OrderID] = placed
	return placed, nil
}

func (p *Paper) ModifyOrder(_ context.Context, orderID string, newPrice float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("modify_order"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o.Price = newPrice
	return nil
}

// CancelOrder removes an order; cancelling an entry also drops its legs.
func (p *Paper) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("cancel_order"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	p.retire(orderID, StatusCancelled)
	if o.Role == RoleEntry {
		for id, child := range p.orders {
			if child.ParentID == orderID {
				p.retire(id, StatusCancelled)
			}
		}
	}
	return nil
}

// retire moves a working order into the finished set with status.
func (p *Paper) retire(orderID, status string) {
	delete(p.orders, orderID)
	p.done[orderID] = Placement{OrderID: orderID, Status: status}
}

// OrderStatus reports working orders from the book and finished ones from history.
func (p *Paper) OrderStatus(_ context.Context, orderID string) (Placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("order_status"); err != nil {
		return Placement{}, err
	}
	if o, ok := p.orders[orderID]; ok {
		return Placement{OrderID: orderID, Status: o.Status}, nil
	}
	if st, ok := p.done[orderID]; ok {
		return st, nil
	}
	return Placement{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

func (p *Paper) GetAccountInfo(context.Context) (AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("account_info"); err != nil {
		return AccountInfo{}, err
	}
	unrealized := 0.0
	for key, pos := range p.positions {
		unrealized += p.unrealized(key, pos)
	}
	return AccountInfo{
		AccountID:      "PAPER",
		Currency:       "USD",
		NetLiquidation: p.balance + unrealized,
		AvailableFunds: p.balance,
		UnrealizedPnL:  unrealized,
	}, nil
}

func (p *Paper) DailyBars(_ context.Context, spec instrument.Spec, days int) ([]Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("daily_bars"); err != nil {
		return nil, err
	}
	bars, ok := p.bars[normalize(spec.Key)]
	if !ok || len(bars) == 0 {
		return nil, errors.New("paper: no history for " + spec.Key)
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return append([]Bar(nil), bars...), nil
}

// applyFill nets a fill into the instrument position and books realized P&L.
func (p *Paper) applyFill(spec instrument.Spec, side trade.Direction, size, price float64) {
	key := normalize(spec.Key)
	mult := spec.Multiplier
	if mult <= 0 {
		mult = 1
	}
	signed := size
	if side == trade.Sell {
		signed = -size
	}
	pos, ok := p.positions[key]
	if !ok {
		p.positions[key] = &paperPosition{qty: signed, avgCost: price}
		return
	}
	if (pos.qty > 0) == (signed > 0) {
		total := pos.qty + signed
		pos.avgCost = (pos.avgCost*pos.qty + price*signed) / total
		pos.qty = total
		return
	}
	closing := math.Min(math.Abs(signed), math.Abs(pos.qty))
	if pos.qty > 0 {
		p.balance += (price - pos.avgCost) * closing * mult
	} else {
		p.balance += (pos.avgCost - price) * closing * mult
	}
	pos.qty += signed
	switch {
	case math.Abs(pos.qty) < 1e-9:
		delete(p.positions, key)
	case (pos.qty > 0) == (signed > 0):
		pos.avgCost = price
	}
}

func (p *Paper) newID() string {
	p.nextID++
	return strconv.FormatInt(p.nextID, 10)
}

func normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
