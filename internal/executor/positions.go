package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradegate/internal/gateway/broker"
	"tradegate/internal/gateway/notifier"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/metrics"
	"tradegate/internal/pkg/pricemath"
	"tradegate/internal/trade"
)

func (e *Executor) lookup(key string, dir trade.Direction) (instrument.Spec, error) {
	spec, err := e.catalog.Lookup(key)
	if err != nil {
		return instrument.Spec{}, trade.Reject("%s", err.Error())
	}
	if dir != trade.Buy && dir != trade.Sell {
		return instrument.Spec{}, trade.Reject("Invalid direction: %s", dir)
	}
	return spec, nil
}

// CancelPending cancels resting entry orders for (instrument, direction), or
// only orderID when it is set. Bracket legs go with their entry.
func (e *Executor) CancelPending(ctx context.Context, instrumentKey string, dir trade.Direction, orderID string) (trade.CancelResult, error) {
	spec, err := e.lookup(instrumentKey, dir)
	if err != nil {
		return trade.CancelResult{}, err
	}
	orders, err := e.broker.GetOpenOrders(ctx, spec.Key)
	if err != nil {
		return trade.CancelResult{}, &trade.ExecutionError{Op: "list open orders", Err: err}
	}
	orderID = strings.TrimSpace(orderID)
	var targets []broker.OpenOrder
	for _, o := range orders {
		if o.Role != broker.RoleEntry || o.Action != dir {
			continue
		}
		if orderID != "" && o.OrderID != orderID {
			continue
		}
		targets = append(targets, o)
	}
	if len(targets) == 0 {
		if orderID != "" {
			return trade.CancelResult{}, trade.Reject("Order %s is not a pending %s %s entry", orderID, spec.Key, dir)
		}
		return trade.CancelResult{}, trade.Reject("No pending %s orders found for %s", dir, spec.Key)
	}

	var res trade.CancelResult
	for _, o := range targets {
		if err := e.broker.CancelOrder(ctx, o.OrderID); err != nil {
			logger.Warnf("Executor: cancel order %s failed: %v", o.OrderID, err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", o.OrderID, err))
			continue
		}
		res.CancelledIDs = append(res.CancelledIDs, o.OrderID)
	}
	if len(res.CancelledIDs) == 0 {
		return res, &trade.ExecutionError{Op: "cancel orders", Err: errors.New(strings.Join(res.Errors, "; "))}
	}

	persist := context.WithoutCancel(ctx)
	cancelled := make(map[string]bool, len(res.CancelledIDs))
	for _, id := range res.CancelledIDs {
		cancelled[id] = true
	}
	rows, err := e.ledger.ListOpen(persist, trade.PositionKey{Instrument: spec.Key, Direction: dir}, trade.StatusPendingOrder)
	if err != nil {
		logger.Errorf("Executor: list pending rows for %s failed: %v", spec.Key, err)
	}
	for _, row := range rows {
		if !cancelled[row.BrokerOrderID] {
			continue
		}
		if _, err := e.ledger.Transition(persist, row.ID, []trade.Status{trade.StatusPendingOrder}, trade.StatusCancelled, func(o *trade.Order) {
			o.Reason = "Cancelled by operator"
		}); err != nil {
			logger.Errorf("Executor: order %d cancel transition failed: %v", row.ID, err)
		}
	}
	e.notify(notifier.Cancelled(spec, dir, res.CancelledIDs))
	return res, nil
}

// ClosePosition sends a reverse market order for size, or the whole position
// when size is nil. A filled full close with a known exit price moves every
// EXECUTED row of the pair to CLOSED; rows the monitor already closed are
// skipped. Otherwise rows are left for the monitor.
func (e *Executor) ClosePosition(ctx context.Context, instrumentKey string, dir trade.Direction, size *float64) (trade.CloseResult, error) {
	spec, err := e.lookup(instrumentKey, dir)
	if err != nil {
		return trade.CloseResult{}, err
	}
	key := trade.PositionKey{Instrument: spec.Key, Direction: dir}
	if e.cfg.SerializePerInstrument {
		unlock := e.locks.Lock(key.String())
		defer unlock()
	}

	positions, err := e.broker.GetOpenPositions(ctx, spec.Key)
	if err != nil {
		return trade.CloseResult{}, &trade.ExecutionError{Op: "list positions", Err: err}
	}
	held, avgCost := 0.0, 0.0
	for _, p := range positions {
		if p.Instrument == spec.Key && p.Direction == dir {
			held += abs(p.Size)
			avgCost = p.AvgCost
		}
	}
	if held <= 0 {
		return trade.CloseResult{}, trade.Reject("No open %s position for %s", dir, spec.Key)
	}
	closeSize := held
	if size != nil {
		if *size <= 0 {
			return trade.CloseResult{}, trade.Reject("Close size must be positive")
		}
		if pricemath.GT(*size, held) {
			return trade.CloseResult{}, trade.Reject("Close size %g exceeds open position %g", *size, held)
		}
		closeSize = *size
	}

	placed, err := e.broker.ClosePosition(ctx, spec, dir, closeSize)
	if err != nil {
		return trade.CloseResult{}, &trade.ExecutionError{Op: "close position", Err: err}
	}
	if !placed.IsFilled() {
		// Rows stay EXECUTED; the monitor settles them once the broker position is gone.
		if placed.IsWorking() {
			logger.Warnf("Executor: close order %s for %s %s still %s", placed.OrderID, spec.Key, dir, placed.Status)
			return trade.CloseResult{
				Status:    trade.StatusExecuted,
				Remaining: held,
				Message:   fmt.Sprintf("Close order %s is working (%s); position stays open until it fills", placed.OrderID, placed.Status),
			}, nil
		}
		return trade.CloseResult{}, &trade.ExecutionError{
			Op:  "close position",
			Err: fmt.Errorf("close order %s ended with broker status %q", placed.OrderID, placed.Status),
		}
	}
	persist := context.WithoutCancel(ctx)
	closePrice := placed.FillPrice
	if closePrice <= 0 {
		if q, qerr := e.broker.GetPrice(persist, spec); qerr == nil {
			closePrice = q.ClosePrice()
		} else {
			logger.Warnf("%v", &trade.TransientFetchError{Source: "close price " + spec.Key, Err: qerr})
		}
	}
	priced := closePrice > 0 && pricemath.Finite(closePrice)
	if !priced {
		closePrice = 0
	}
	mult := multiplier(spec)

	if pricemath.LT(closeSize, held) {
		remaining := held - closeSize
		res := trade.CloseResult{
			ClosePrice: closePrice,
			Status:     trade.StatusExecuted,
			ClosedSize: closeSize,
			Remaining:  remaining,
			Message:    fmt.Sprintf("Partially closed %g, %g remaining", closeSize, remaining),
		}
		if priced {
			res.ProfitLoss = pricemath.PnL(avgCost, closePrice, closeSize, mult, dir.Long())
		} else {
			res.Message += "; exit price unavailable"
		}
		logger.Infof("Executor: partially closed %s %s %g of %g at %.5g", spec.Key, dir, closeSize, held, closePrice)
		return res, nil
	}

	e.cancelLegs(persist, spec, dir)

	res := trade.CloseResult{ClosePrice: closePrice, Status: trade.StatusClosed, ClosedSize: closeSize}
	if !priced {
		res.Message = fmt.Sprintf("Closed %g %s %s; exit price unavailable, ledger rows settle on the next reconciliation", closeSize, spec.Key, dir)
		logger.Warnf("Executor: %s", res.Message)
		return res, nil
	}
	rows, err := e.ledger.ListOpen(persist, key, trade.StatusExecuted)
	if err != nil {
		logger.Errorf("Executor: list executed rows for %s failed: %v", key, err)
	}
	for _, row := range rows {
		pnl := pricemath.PnL(row.EntryPrice, closePrice, row.Size, mult, dir.Long())
		moved, err := e.ledger.Transition(persist, row.ID, []trade.Status{trade.StatusExecuted}, trade.StatusClosed, func(o *trade.Order) {
			o.ClosePrice = closePrice
			o.PnL = trade.Float(pnl)
			o.Reason = "Closed manually"
		})
		if err != nil {
			logger.Errorf("Executor: order %d close transition failed: %v", row.ID, err)
			continue
		}
		if !moved {
			continue
		}
		res.ProfitLoss += pnl
		res.ClosedRows = append(res.ClosedRows, row.ID)
		metrics.PositionClosed("manual")
		row.ClosePrice = closePrice
		row.PnL = trade.Float(pnl)
		e.notify(notifier.Closed(spec, row, "manual", e.nowFn()))
	}
	if len(res.ClosedRows) == 0 && len(rows) == 0 {
		// Position opened outside the ledger.
		res.ProfitLoss = pricemath.PnL(avgCost, closePrice, closeSize, mult, dir.Long())
	}
	res.ProfitLoss = pricemath.Round(res.ProfitLoss, 2)
	res.Message = fmt.Sprintf("Closed %g %s %s at %.*f", closeSize, spec.Key, dir, int(spec.PriceDecimals()), closePrice)
	logger.Infof("Executor: %s (rows %v, pnl %.2f)", res.Message, res.ClosedRows, res.ProfitLoss)
	return res, nil
}

// cancelLegs removes the protective orders left behind by a closed position.
func (e *Executor) cancelLegs(ctx context.Context, spec instrument.Spec, dir trade.Direction) {
	orders, err := e.broker.GetOpenOrders(ctx, spec.Key)
	if err != nil {
		logger.Warnf("Executor: list legs for %s failed: %v", spec.Key, err)
		return
	}
	working := make(map[string]bool)
	for _, o := range orders {
		if o.Role == broker.RoleEntry {
			working[o.OrderID] = true
		}
	}
	for _, o := range orders {
		// legs of a still-resting entry belong to that pending order
		if !isLeg(o, dir) || working[o.ParentID] {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.OrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			logger.Warnf("Executor: cancel leg %s failed: %v", o.OrderID, err)
		}
	}
}

// ModifyStopTarget moves the stop leg and/or the final target leg of an open
// (instrument, direction) bracket and mirrors the prices onto its rows.
func (e *Executor) ModifyStopTarget(ctx context.Context, instrumentKey string, dir trade.Direction, newStop, newTarget *float64) (trade.ModifyResult, error) {
	spec, err := e.lookup(instrumentKey, dir)
	if err != nil {
		return trade.ModifyResult{}, err
	}
	if newStop == nil && newTarget == nil {
		return trade.ModifyResult{}, trade.Reject("Nothing to modify: provide a new stop or target price")
	}
	decimals := spec.PriceDecimals()
	var stop, target float64
	if newStop != nil {
		if *newStop <= 0 || !pricemath.Finite(*newStop) {
			return trade.ModifyResult{}, trade.Reject("Invalid stop price: %v", *newStop)
		}
		stop = pricemath.Round(*newStop, decimals)
	}
	if newTarget != nil {
		if *newTarget <= 0 || !pricemath.Finite(*newTarget) {
			return trade.ModifyResult{}, trade.Reject("Invalid target price: %v", *newTarget)
		}
		target = pricemath.Round(*newTarget, decimals)
	}
	if err := e.checkExitSides(ctx, spec, dir, stop, target); err != nil {
		return trade.ModifyResult{}, err
	}

	orders, err := e.broker.GetOpenOrders(ctx, spec.Key)
	if err != nil {
		return trade.ModifyResult{}, &trade.ExecutionError{Op: "list open orders", Err: err}
	}
	var stopLegs []broker.OpenOrder
	var finalTarget *broker.OpenOrder
	for i, o := range orders {
		if !isLeg(o, dir) {
			continue
		}
		switch o.Role {
		case broker.RoleStop:
			stopLegs = append(stopLegs, o)
		case broker.RoleTarget:
			if finalTarget == nil || further(dir, o.Price, finalTarget.Price) {
				finalTarget = &orders[i]
			}
		}
	}
	if stop > 0 && len(stopLegs) == 0 {
		return trade.ModifyResult{}, trade.Reject("No open stop order for %s %s", spec.Key, dir)
	}
	if target > 0 && finalTarget == nil {
		return trade.ModifyResult{}, trade.Reject("No open target order for %s %s", spec.Key, dir)
	}

	var res trade.ModifyResult
	if stop > 0 {
		for _, leg := range stopLegs {
			if err := e.broker.ModifyOrder(ctx, leg.OrderID, stop); err != nil {
				return res, &trade.ExecutionError{Op: "modify stop " + leg.OrderID, Err: err}
			}
			res.Changes = append(res.Changes, trade.PriceChange{Leg: broker.RoleStop, OrderID: leg.OrderID, Old: leg.Price, New: stop})
		}
	}
	if target > 0 {
		if err := e.broker.ModifyOrder(ctx, finalTarget.OrderID, target); err != nil {
			return res, &trade.ExecutionError{Op: "modify target " + finalTarget.OrderID, Err: err}
		}
		res.Changes = append(res.Changes, trade.PriceChange{Leg: broker.RoleTarget, OrderID: finalTarget.OrderID, Old: finalTarget.Price, New: target})
	}

	e.amendRows(context.WithoutCancel(ctx), trade.PositionKey{Instrument: spec.Key, Direction: dir}, stop, target)
	e.notify(notifier.Modified(spec, dir, res.Changes))
	return res, nil
}

// checkExitSides rejects a stop or target on the wrong side of the market.
// An unavailable quote skips the check; the broker still validates prices.
func (e *Executor) checkExitSides(ctx context.Context, spec instrument.Spec, dir trade.Direction, stop, target float64) error {
	q, err := e.broker.GetPrice(ctx, spec)
	if err != nil {
		logger.Warnf("%v", &trade.TransientFetchError{Source: "price " + spec.Key, Err: err})
		return nil
	}
	market, ok := q.Reference(dir.Opposite())
	if !ok {
		return nil
	}
	d := int(spec.PriceDecimals())
	long := dir.Long()
	if stop > 0 && ((long && stop >= market) || (!long && stop <= market)) {
		return trade.Reject("Stop %.*f is on the wrong side of current price %.*f for a %s position", d, stop, d, market, dir)
	}
	if target > 0 && ((long && target <= market) || (!long && target >= market)) {
		return trade.Reject("Target %.*f is on the wrong side of current price %.*f for a %s position", d, target, d, market, dir)
	}
	return nil
}

func (e *Executor) amendRows(ctx context.Context, key trade.PositionKey, stop, target float64) {
	for _, status := range []trade.Status{trade.StatusExecuted, trade.StatusPendingOrder} {
		rows, err := e.ledger.ListOpen(ctx, key, status)
		if err != nil {
			logger.Errorf("Executor: list %s rows for %s failed: %v", status, key, err)
			continue
		}
		for _, row := range rows {
			if _, err := e.ledger.Amend(ctx, row.ID, status, func(o *trade.Order) {
				if stop > 0 {
					o.StopPrice = stop
				}
				if target > 0 && o.TargetPrice > 0 {
					o.TargetPrice = target
				}
			}); err != nil {
				logger.Errorf("Executor: amend order %d failed: %v", row.ID, err)
			}
		}
	}
}

// CooldownStatus reports admission state. A non-positive balance is replaced
// by the account equity.
func (e *Executor) CooldownStatus(ctx context.Context, balance float64) (trade.CooldownStatus, error) {
	if balance <= 0 {
		balance = e.Balance(ctx)
	}
	return e.risk.Status(ctx, balance)
}

// isLeg reports a stop or target order protecting a dir position.
func isLeg(o broker.OpenOrder, dir trade.Direction) bool {
	return (o.Role == broker.RoleStop || o.Role == broker.RoleTarget) && o.Action == dir.Opposite()
}

// further reports whether a is a more distant take-profit than b for dir.
func further(dir trade.Direction, a, b float64) bool {
	if dir.Long() {
		return a > b
	}
	return a < b
}

func multiplier(spec instrument.Spec) float64 {
	if spec.Multiplier <= 0 {
		return 1
	}
	return spec.Multiplier
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
