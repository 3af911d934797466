package httpapi

import (
	"time"

	"tradegate/internal/trade"
)

type submitRequest struct {
	Instrument     string   `json:"instrument" binding:"required"`
	Direction      string   `json:"direction" binding:"required"`
	OrderType      string   `json:"order_type"`
	Size           *float64 `json:"size"`
	EntryPrice     *float64 `json:"entry_price"`
	StopDistance   *float64 `json:"stop_distance"`
	TargetDistance *float64 `json:"target_distance"`
	Conviction     string   `json:"conviction"`
	Rationale      string   `json:"rationale"`
	Strategy       string   `json:"strategy"`
	Source         string   `json:"source"`
}

type submitResponse struct {
	RowID          int64   `json:"row_id"`
	BrokerOrderID  string  `json:"broker_order_id,omitempty"`
	Status         string  `json:"status"`
	Direction      string  `json:"direction,omitempty"`
	Size           float64 `json:"size,omitempty"`
	StopDistance   float64 `json:"stop_distance,omitempty"`
	TargetDistance float64 `json:"target_distance,omitempty"`
	StopPrice      float64 `json:"stop_price,omitempty"`
	TargetPrice    float64 `json:"target_price,omitempty"`
	FillPrice      float64 `json:"fill_price,omitempty"`
	RestingPrice   float64 `json:"resting_price,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	Error          string  `json:"error,omitempty"`
	Message        string  `json:"message"`
}

func newSubmitResponse(resp trade.SubmitResponse) submitResponse {
	out := submitResponse{
		RowID:          resp.RowID,
		BrokerOrderID:  resp.BrokerOrderID,
		Status:         string(resp.Status()),
		Direction:      string(resp.Direction),
		Size:           resp.Size,
		StopDistance:   resp.ResolvedStopDistance,
		TargetDistance: resp.ResolvedTargetDistance,
		StopPrice:      resp.StopPrice,
		TargetPrice:    resp.TargetPrice,
		Message:        resp.Message,
	}
	switch o := resp.Outcome.(type) {
	case trade.Executed:
		out.FillPrice = o.FillPrice
	case trade.PendingOrder:
		out.RestingPrice = o.RestingPrice
	case trade.Rejected:
		out.Reason = o.Reason
	case trade.Failed:
		out.Error = o.Err
	}
	return out
}

type positionRequest struct {
	Instrument string `json:"instrument" binding:"required"`
	Direction  string `json:"direction" binding:"required"`
}

type cancelRequest struct {
	positionRequest
	OrderID string `json:"order_id"`
}

type closeRequest struct {
	positionRequest
	Size *float64 `json:"size"`
}

type modifyRequest struct {
	positionRequest
	StopPrice   *float64 `json:"stop_price"`
	TargetPrice *float64 `json:"target_price"`
}

type orderView struct {
	ID            int64      `json:"id"`
	Instrument    string     `json:"instrument"`
	Direction     string     `json:"direction"`
	Kind          string     `json:"order_type"`
	Status        string     `json:"status"`
	Size          float64    `json:"size"`
	EntryPrice    float64    `json:"entry_price,omitempty"`
	FillPrice     float64    `json:"fill_price,omitempty"`
	StopPrice     float64    `json:"stop_price,omitempty"`
	TargetPrice   float64    `json:"target_price,omitempty"`
	Target1Price  float64    `json:"target1_price,omitempty"`
	ClosePrice    float64    `json:"close_price,omitempty"`
	PnL           *float64   `json:"pnl,omitempty"`
	Strategy      string     `json:"strategy,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

func newOrderView(o trade.Order) orderView {
	return orderView{
		ID:            o.ID,
		Instrument:    o.Instrument,
		Direction:     string(o.Direction),
		Kind:          string(o.Kind),
		Status:        string(o.Status),
		Size:          o.Size,
		EntryPrice:    o.EntryPrice,
		FillPrice:     o.FillPrice,
		StopPrice:     o.StopPrice,
		TargetPrice:   o.TargetPrice,
		Target1Price:  o.Target1Price,
		ClosePrice:    o.ClosePrice,
		PnL:           o.PnL,
		Strategy:      o.Strategy,
		Reason:        o.Reason,
		BrokerOrderID: o.BrokerOrderID,
		CreatedAt:     o.CreatedAt,
		ClosedAt:      o.ClosedAt,
	}
}
