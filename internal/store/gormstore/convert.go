package gormstore

import (
	"encoding/json"
	"time"

	"tradegate/internal/trade"

	"gorm.io/datatypes"
)

func newOrderModel(o trade.Order) orderModel {
	children, _ := json.Marshal(o.ChildOrderIDs)
	if len(o.ChildOrderIDs) == 0 {
		children = []byte("[]")
	}
	var closed *int64
	if o.ClosedAt != nil {
		v := timeToMillis(o.ClosedAt)
		closed = &v
	}
	return orderModel{
		ID:             o.ID,
		BrokerOrderID:  o.BrokerOrderID,
		ChildOrderIDs:  datatypes.JSON(children),
		ClientRef:      o.ClientRef,
		Instrument:     o.Instrument,
		Direction:      string(o.Direction),
		Kind:           string(o.Kind),
		RequestedSize:  o.RequestedSize,
		EntryRef:       o.EntryRef,
		StopDistance:   o.StopDistance,
		TargetDistance: o.TargetDistance,
		Conviction:     string(o.Conviction),
		Rationale:      o.Rationale,
		Strategy:       o.Strategy,
		Source:         o.Source,
		Size:           o.Size,
		ResolvedStop:   o.ResolvedStop,
		ResolvedTarget: o.ResolvedTarget,
		StopPrice:      o.StopPrice,
		TargetPrice:    o.TargetPrice,
		Target1Price:   o.Target1Price,
		EntryPrice:     o.EntryPrice,
		ExpectedPrice:  o.ExpectedPrice,
		FillPrice:      o.FillPrice,
		SpreadAtEntry:  o.SpreadAtEntry,
		ClosePrice:     o.ClosePrice,
		PnL:            o.PnL,
		Reason:         o.Reason,
		Status:         string(o.Status),
		CreatedAtUnix:  timeToMillis(&o.CreatedAt),
		UpdatedAtUnix:  timeToMillis(&o.UpdatedAt),
		ClosedAtUnix:   closed,
	}
}

func orderOf(m orderModel) trade.Order {
	o := trade.Order{
		ID:             m.ID,
		BrokerOrderID:  m.BrokerOrderID,
		ClientRef:      m.ClientRef,
		Instrument:     m.Instrument,
		Direction:      trade.Direction(m.Direction),
		Kind:           trade.OrderKind(m.Kind),
		RequestedSize:  m.RequestedSize,
		EntryRef:       m.EntryRef,
		StopDistance:   m.StopDistance,
		TargetDistance: m.TargetDistance,
		Conviction:     trade.Conviction(m.Conviction),
		Rationale:      m.Rationale,
		Strategy:       m.Strategy,
		Source:         m.Source,
		Size:           m.Size,
		ResolvedStop:   m.ResolvedStop,
		ResolvedTarget: m.ResolvedTarget,
		StopPrice:      m.StopPrice,
		TargetPrice:    m.TargetPrice,
		Target1Price:   m.Target1Price,
		EntryPrice:     m.EntryPrice,
		ExpectedPrice:  m.ExpectedPrice,
		FillPrice:      m.FillPrice,
		SpreadAtEntry:  m.SpreadAtEntry,
		ClosePrice:     m.ClosePrice,
		PnL:            m.PnL,
		Reason:         m.Reason,
		Status:         trade.Status(m.Status),
		CreatedAt:      millisToTime(m.CreatedAtUnix),
		UpdatedAt:      millisToTime(m.UpdatedAtUnix),
	}
	if len(m.ChildOrderIDs) > 0 {
		_ = json.Unmarshal(m.ChildOrderIDs, &o.ChildOrderIDs)
	}
	if m.ClosedAtUnix != nil && *m.ClosedAtUnix > 0 {
		t := millisToTime(*m.ClosedAtUnix)
		o.ClosedAt = &t
	}
	return o
}

func toOrders(rows []orderModel) []trade.Order {
	out := make([]trade.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, orderOf(r))
	}
	return out
}

// mutableColumns lists the columns a transition may write. Request facts are
// deliberately absent.
func mutableColumns(m orderModel) map[string]any {
	return map[string]any{
		"broker_order_id": m.BrokerOrderID,
		"child_order_ids": m.ChildOrderIDs,
		"size":            m.Size,
		"resolved_stop":   m.ResolvedStop,
		"resolved_target": m.ResolvedTarget,
		"stop_price":      m.StopPrice,
		"target_price":    m.TargetPrice,
		"target1_price":   m.Target1Price,
		"entry_price":     m.EntryPrice,
		"expected_price":  m.ExpectedPrice,
		"fill_price":      m.FillPrice,
		"spread_at_entry": m.SpreadAtEntry,
		"close_price":     m.ClosePrice,
		"pnl":             m.PnL,
		"reason":          m.Reason,
		"status":          m.Status,
		"updated_at":      m.UpdatedAtUnix,
		"closed_at":       m.ClosedAtUnix,
	}
}

func timeToMillis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
