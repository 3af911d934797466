// Package reconcile aligns the ledger with broker-side positions and orders.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/gateway/notifier"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/metrics"
	"tradegate/internal/pkg/pricemath"
	"tradegate/internal/scheduler"
	"tradegate/internal/store"
	"tradegate/internal/trade"
)

// Broker is the read side of the gateway the monitor polls.
type Broker interface {
	GetPrice(ctx context.Context, spec instrument.Spec) (broker.Quote, error)
	GetOpenPositions(ctx context.Context, instrumentKey string) ([]broker.Position, error)
	GetOpenOrders(ctx context.Context, instrumentKey string) ([]broker.OpenOrder, error)
	OrderStatus(ctx context.Context, orderID string) (broker.Placement, error)
}

// Report lists the rows a tick changed or notified about.
type Report struct {
	Closed    []int64
	Partial   []int64
	Filled    []int64
	Cancelled []int64
}

// Monitor closes EXECUTED rows whose broker position vanished, reports
// partial target fills and settles PENDING_ORDER rows whose entry left the book.
type Monitor struct {
	cfg      config.ReconcileConfig
	catalog  *instrument.Catalog
	broker   Broker
	ledger   store.Ledger
	notifier notifier.TextNotifier

	// tickMu serializes ticks from the loop and on-demand callers.
	tickMu sync.Mutex
	// lastSeen is the broker group size per row at the previous tick. It only
	// detects size decreases and is safe to lose.
	lastSeen map[int64]float64
	nowFn    func() time.Time
}

func New(cfg config.ReconcileConfig, catalog *instrument.Catalog, gw Broker, ledger store.Ledger, n notifier.TextNotifier) *Monitor {
	if n == nil {
		n = notifier.Nop{}
	}
	return &Monitor{
		cfg:      cfg,
		catalog:  catalog,
		broker:   gw,
		ledger:   ledger,
		notifier: n,
		lastSeen: make(map[int64]float64),
		nowFn:    time.Now,
	}
}

func (m *Monitor) SetClock(fn func() time.Time) {
	if fn != nil {
		m.nowFn = fn
	}
}

// Run ticks every configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		logger.Infof("Reconcile: disabled")
		<-ctx.Done()
		return nil
	}
	sched := scheduler.New("reconcile", m.cfg.Interval())
	sched.RunImmediately = true
	sched.Run(ctx, func(ctx context.Context) {
		_, _ = m.Tick(ctx)
	})
	return nil
}

// Tick runs one reconciliation pass. Stage failures are logged and returned;
// they never leave the ledger half-updated.
func (m *Monitor) Tick(ctx context.Context) (report Report, err error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Reconcile: tick panic: %v\n%s", r, debug.Stack())
			err = &trade.ReconciliationError{Stage: "panic", Err: fmt.Errorf("%v", r)}
		}
		metrics.ReconcileTick(err)
	}()
	if timeout := m.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	positions, perr := m.broker.GetOpenPositions(ctx, "")
	if perr != nil {
		return report, m.stageError("positions", perr)
	}
	groups := broker.GroupPositions(positions)
	prices := make(map[string]float64)

	var errs []error
	if serr := m.sweepPending(ctx, groups, &report); serr != nil {
		errs = append(errs, serr)
	}

	rows, lerr := m.ledger.ListByStatus(ctx, trade.StatusExecuted)
	if lerr != nil {
		errs = append(errs, m.stageError("ledger", lerr))
		return report, errors.Join(errs...)
	}
	metrics.OpenRows(len(rows))

	live := make(map[int64]bool, len(rows))
	for _, row := range rows {
		size, open := groups[row.Key()]
		if !open {
			if cerr := m.closeRow(ctx, row, prices, &report); cerr != nil {
				errs = append(errs, cerr)
			}
			continue
		}
		live[row.ID] = true
		m.checkPartial(row, size, &report)
	}
	for id := range m.lastSeen {
		if !live[id] {
			delete(m.lastSeen, id)
		}
	}
	if len(report.Closed)+len(report.Partial)+len(report.Filled)+len(report.Cancelled) > 0 {
		logger.Infof("Reconcile: closed=%v partial=%v filled=%v cancelled=%v",
			report.Closed, report.Partial, report.Filled, report.Cancelled)
	}
	return report, errors.Join(errs...)
}

func (m *Monitor) stageError(stage string, err error) error {
	rerr := &trade.ReconciliationError{Stage: stage, Err: err}
	logger.Warnf("%v", rerr)
	return rerr
}

// closeRow settles a row whose broker position is gone. The row is left for
// the next tick when no exit price is available.
func (m *Monitor) closeRow(ctx context.Context, row trade.Order, prices map[string]float64, report *Report) error {
	spec, err := m.catalog.Lookup(row.Instrument)
	if err != nil {
		return m.stageError("close", fmt.Errorf("order %d: %w", row.ID, err))
	}
	price, ok := prices[spec.Key]
	if !ok {
		q, qerr := m.broker.GetPrice(ctx, spec)
		if qerr != nil {
			return m.stageError("close", fmt.Errorf("order %d price: %w", row.ID, qerr))
		}
		price = q.ClosePrice()
		prices[spec.Key] = price
	}
	if price <= 0 {
		return m.stageError("close", fmt.Errorf("order %d: no exit price for %s", row.ID, spec.Key))
	}
	mult := spec.Multiplier
	if mult <= 0 {
		mult = 1
	}
	pnl := pricemath.PnL(row.EntryPrice, price, row.Size, mult, row.Direction.Long())
	moved, err := m.ledger.Transition(ctx, row.ID, []trade.Status{trade.StatusExecuted}, trade.StatusClosed, func(o *trade.Order) {
		o.ClosePrice = price
		o.PnL = trade.Float(pnl)
		o.Reason = "Position closed at broker"
	})
	if err != nil {
		return m.stageError("close", fmt.Errorf("order %d: %w", row.ID, err))
	}
	delete(m.lastSeen, row.ID)
	if !moved {
		logger.Debugf("Reconcile: order %d already left EXECUTED", row.ID)
		return nil
	}
	row.ClosePrice = price
	row.PnL = trade.Float(pnl)
	metrics.PositionClosed("monitor")
	report.Closed = append(report.Closed, row.ID)
	m.notify(notifier.Closed(spec, row, "monitor", m.nowFn()))
	return nil
}

// checkPartial reports a shrinking position for rows that carry a target 1.
// Runner stops keep their initial size after target 1; only the notice is sent.
func (m *Monitor) checkPartial(row trade.Order, size float64, report *Report) {
	prev, seen := m.lastSeen[row.ID]
	m.lastSeen[row.ID] = size
	if !seen || !pricemath.LT(size, prev) || row.Target1Price <= 0 {
		return
	}
	spec := m.specOf(row)
	logger.Infof("Reconcile: order %d %s size %g -> %g, target 1 hit", row.ID, row.Key(), prev, size)
	report.Partial = append(report.Partial, row.ID)
	m.notify(notifier.PartialTarget(spec, row, size))
}

// sweepPending resolves PENDING_ORDER rows whose entry order left the book,
// using the entry's own broker status. When the broker no longer knows the
// order, it counts as filled only if the pair holds more than the EXECUTED
// rows already account for.
func (m *Monitor) sweepPending(ctx context.Context, groups map[trade.PositionKey]float64, report *Report) error {
	rows, err := m.ledger.ListByStatus(ctx, trade.StatusPendingOrder)
	if err != nil {
		return m.stageError("pending", err)
	}
	if len(rows) == 0 {
		return nil
	}
	orders, err := m.broker.GetOpenOrders(ctx, "")
	if err != nil {
		return m.stageError("pending", err)
	}
	working := make(map[string]bool, len(orders))
	for _, o := range orders {
		working[o.OrderID] = true
	}
	var (
		errs      []error
		uncovered map[trade.PositionKey]float64
	)
	for _, row := range rows {
		if row.BrokerOrderID == "" || working[row.BrokerOrderID] {
			continue
		}
		st, serr := m.broker.OrderStatus(ctx, row.BrokerOrderID)
		switch {
		case serr == nil && st.IsFilled():
			errs = append(errs, m.promotePending(ctx, row, st.FillPrice, report))
		case serr == nil && st.IsDead():
			errs = append(errs, m.cancelPending(ctx, row, "Entry order "+st.Status+" at broker", report))
		case serr == nil:
			logger.Debugf("Reconcile: order %d entry %s still %s", row.ID, row.BrokerOrderID, st.Status)
		case errors.Is(serr, broker.ErrOrderNotFound):
			if uncovered == nil {
				if uncovered, err = m.uncoveredSizes(ctx, groups); err != nil {
					errs = append(errs, err)
					return errors.Join(errs...)
				}
			}
			key := row.Key()
			if row.Size > 0 && pricemath.GTE(uncovered[key], row.Size) {
				uncovered[key] -= row.Size
				errs = append(errs, m.promotePending(ctx, row, 0, report))
				continue
			}
			errs = append(errs, m.cancelPending(ctx, row, "Entry order no longer open at broker", report))
		default:
			errs = append(errs, m.stageError("pending", fmt.Errorf("order %d status: %w", row.ID, serr)))
		}
	}
	return errors.Join(errs...)
}

// uncoveredSizes is the broker size per pair that no EXECUTED row claims.
func (m *Monitor) uncoveredSizes(ctx context.Context, groups map[trade.PositionKey]float64) (map[trade.PositionKey]float64, error) {
	rows, err := m.ledger.ListByStatus(ctx, trade.StatusExecuted)
	if err != nil {
		return nil, m.stageError("pending", err)
	}
	out := make(map[trade.PositionKey]float64, len(groups))
	for key, size := range groups {
		out[key] = size
	}
	for _, row := range rows {
		out[row.Key()] -= row.Size
	}
	return out, nil
}

func (m *Monitor) promotePending(ctx context.Context, row trade.Order, fill float64, report *Report) error {
	apply := func(o *trade.Order) {
		if fill > 0 {
			o.FillPrice = fill
			o.EntryPrice = fill
		}
		if o.FillPrice <= 0 {
			o.FillPrice = o.EntryPrice
		}
	}
	moved, err := m.ledger.Transition(ctx, row.ID, []trade.Status{trade.StatusPendingOrder}, trade.StatusExecuted, apply)
	if err != nil {
		return m.stageError("pending", fmt.Errorf("order %d: %w", row.ID, err))
	}
	if !moved {
		return nil
	}
	apply(&row)
	row.Status = trade.StatusExecuted
	report.Filled = append(report.Filled, row.ID)
	m.notify(notifier.TradeUpdate(m.specOf(row), row))
	return nil
}

func (m *Monitor) cancelPending(ctx context.Context, row trade.Order, reason string, report *Report) error {
	moved, err := m.ledger.Transition(ctx, row.ID, []trade.Status{trade.StatusPendingOrder}, trade.StatusCancelled, func(o *trade.Order) {
		o.Reason = reason
	})
	if err != nil {
		return m.stageError("pending", fmt.Errorf("order %d: %w", row.ID, err))
	}
	if moved {
		report.Cancelled = append(report.Cancelled, row.ID)
		m.notify(notifier.Cancelled(m.specOf(row), row.Direction, []string{row.BrokerOrderID}))
	}
	return nil
}

func (m *Monitor) specOf(row trade.Order) instrument.Spec {
	spec, err := m.catalog.Lookup(row.Instrument)
	if err != nil {
		return instrument.Spec{Key: row.Instrument}
	}
	return spec
}

func (m *Monitor) notify(text string) {
	if err := m.notifier.SendText(text); err != nil {
		logger.Warnf("Reconcile: notification failed: %v", err)
	}
}
