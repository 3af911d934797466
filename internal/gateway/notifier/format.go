package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradegate/internal/instrument"
	"tradegate/internal/pkg/text"
	"tradegate/internal/trade"
)

const maxReasoningLen = 200

func displayName(spec instrument.Spec) string {
	if spec.DisplayName != "" {
		return spec.DisplayName
	}
	return spec.Key
}

func sizeText(spec instrument.Spec, size float64) string {
	unit := spec.SizeUnit
	if unit == "" {
		unit = "units"
	}
	return strconv.FormatFloat(size, 'f', -1, 64) + " " + unit
}

func priceText(spec instrument.Spec, v float64) string {
	if v == 0 {
		return "N/A"
	}
	return strconv.FormatFloat(v, 'f', int(spec.PriceDecimals()), 64)
}

func orderRef(o trade.Order) string {
	if o.BrokerOrderID == "" {
		return "N/A"
	}
	return o.BrokerOrderID
}

func strategyLine(o trade.Order) string {
	if o.Strategy == "" {
		return ""
	}
	return "Strategy: " + o.Strategy
}

func reasoningFooter(o trade.Order) string {
	reason := strings.TrimSpace(o.Rationale)
	if reason == "" {
		return ""
	}
	return "Reasoning: " + text.Truncate(reason, maxReasoningLen)
}

func targetsLine(spec instrument.Spec, o trade.Order) string {
	if o.Target1Price > 0 {
		return fmt.Sprintf("SL: %s | TP1: %s | TP2: %s", priceText(spec, o.StopPrice), priceText(spec, o.Target1Price), priceText(spec, o.TargetPrice))
	}
	return fmt.Sprintf("SL: %s | TP: %s", priceText(spec, o.StopPrice), priceText(spec, o.TargetPrice))
}

// TradeUpdate describes an executed (filled) entry.
func TradeUpdate(spec instrument.Spec, o trade.Order) string {
	lines := []string{
		"Direction: " + string(o.Direction),
		"Size: " + sizeText(spec, o.Size),
		"Entry: " + priceText(spec, o.EntryPrice),
		targetsLine(spec, o),
		"Order: " + orderRef(o),
		strategyLine(o),
	}
	if o.ExpectedPrice > 0 && o.FillPrice > 0 && o.ExpectedPrice != o.FillPrice {
		lines = append(lines, "Slippage: "+priceText(spec, o.FillPrice-o.ExpectedPrice))
	}
	return StructuredMessage{
		Title:    fmt.Sprintf("Trade %s: %s", o.Status, displayName(spec)),
		Sections: []MessageSection{{Lines: lines}},
		Footer:   reasoningFooter(o),
	}.Render()
}

// PendingOrderUpdate describes a resting LIMIT/STOP entry accepted by the broker.
func PendingOrderUpdate(spec instrument.Spec, o trade.Order) string {
	return StructuredMessage{
		Title: fmt.Sprintf("PENDING %s ORDER: %s", o.Kind, displayName(spec)),
		Sections: []MessageSection{{Lines: []string{
			"Direction: " + string(o.Direction),
			"Size: " + sizeText(spec, o.Size),
			"Entry Price: " + priceText(spec, o.EntryPrice),
			targetsLine(spec, o),
			"Order: " + orderRef(o),
			"Status: Waiting for price to reach " + priceText(spec, o.EntryPrice),
			strategyLine(o),
		}}},
		Footer: reasoningFooter(o),
	}.Render()
}

// Rejection describes a submission refused by policy.
func Rejection(spec instrument.Spec, o trade.Order, reason string) string {
	return StructuredMessage{
		Title: "Trade REJECTED: " + displayName(spec),
		Sections: []MessageSection{{Lines: []string{
			"Direction: " + string(o.Direction),
			"Reason: " + reason,
			strategyLine(o),
		}}},
	}.Render()
}

// Failure describes a submission the broker did not accept.
func Failure(spec instrument.Spec, o trade.Order, errText string) string {
	return StructuredMessage{
		Title: "Trade FAILED: " + displayName(spec),
		Sections: []MessageSection{{Lines: []string{
			"Direction: " + string(o.Direction),
			"Size: " + sizeText(spec, o.Size),
			"Error: " + text.Truncate(errText, maxReasoningLen),
			strategyLine(o),
		}}},
	}.Render()
}

func Cancelled(spec instrument.Spec, dir trade.Direction, orderIDs []string) string {
	return StructuredMessage{
		Title: "ORDER CANCELLED: " + displayName(spec),
		Sections: []MessageSection{{Lines: []string{
			"Direction: " + string(dir),
			"Cancelled Order IDs: " + strings.Join(orderIDs, ", "),
		}}},
	}.Render()
}

func Modified(spec instrument.Spec, dir trade.Direction, changes []trade.PriceChange) string {
	lines := []string{"Direction: " + string(dir)}
	for _, c := range changes {
		label := "Take Profit"
		if c.Leg == "stop" {
			label = "Stop Loss"
		}
		lines = append(lines, fmt.Sprintf("%s: %s -> %s", label, priceText(spec, c.Old), priceText(spec, c.New)))
	}
	return StructuredMessage{
		Title:    "SL/TP Modified: " + displayName(spec),
		Sections: []MessageSection{{Lines: lines}},
	}.Render()
}

// Closed describes a row that reached CLOSED. source names the close path
// ("manual" or "monitor").
func Closed(spec instrument.Spec, o trade.Order, source string, now time.Time) string {
	pnl := 0.0
	if o.PnL != nil {
		pnl = *o.PnL
	}
	duration := "unknown"
	if !o.CreatedAt.IsZero() {
		duration = FormatDuration(now.Sub(o.CreatedAt))
	}
	return StructuredMessage{
		Title: "Trade CLOSED: " + displayName(spec),
		Sections: []MessageSection{{Lines: []string{
			"Direction: " + string(o.Direction),
			"Size: " + sizeText(spec, o.Size),
			"Entry: " + priceText(spec, o.EntryPrice) + " | Exit: " + priceText(spec, o.ClosePrice),
			fmt.Sprintf("P&L: $%.2f", pnl),
			"Duration: " + duration,
			"Closed by: " + source,
			strategyLine(o),
		}}},
	}.Render()
}

// PartialTarget reports that target 1 filled while the remainder keeps running.
func PartialTarget(spec instrument.Spec, o trade.Order, remaining float64) string {
	return StructuredMessage{
		Title: "TP1 HIT: " + displayName(spec),
		Sections: []MessageSection{{Lines: []string{
			"Direction: " + string(o.Direction),
			"TP1: " + priceText(spec, o.Target1Price),
			"Remaining: " + sizeText(spec, remaining),
			"Stop: " + priceText(spec, o.StopPrice),
			strategyLine(o),
		}}},
	}.Render()
}

// FormatDuration renders d as "1h 5m", or "5m" under an hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
