package model

import "gorm.io/datatypes"

// OrderModel is the orders table. Times are unix milliseconds.
type OrderModel struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	BrokerOrderID  string         `gorm:"column:broker_order_id;index"`
	ChildOrderIDs  datatypes.JSON `gorm:"column:child_order_ids;type:TEXT"`
	ClientRef      string         `gorm:"column:client_ref;index"`
	Instrument     string         `gorm:"column:instrument;index:idx_orders_key,priority:1"`
	Direction      string         `gorm:"column:direction;index:idx_orders_key,priority:2"`
	Kind           string         `gorm:"column:kind"`
	RequestedSize  *float64       `gorm:"column:requested_size"`
	EntryRef       *float64       `gorm:"column:entry_ref"`
	StopDistance   *float64       `gorm:"column:stop_distance"`
	TargetDistance *float64       `gorm:"column:target_distance"`
	Conviction     string         `gorm:"column:conviction"`
	Rationale      string         `gorm:"column:rationale"`
	Strategy       string         `gorm:"column:strategy"`
	Source         string         `gorm:"column:source"`
	Size           float64        `gorm:"column:size"`
	ResolvedStop   float64        `gorm:"column:resolved_stop"`
	ResolvedTarget float64        `gorm:"column:resolved_target"`
	StopPrice      float64        `gorm:"column:stop_price"`
	TargetPrice    float64        `gorm:"column:target_price"`
	Target1Price   float64        `gorm:"column:target1_price"`
	EntryPrice     float64        `gorm:"column:entry_price"`
	ExpectedPrice  float64        `gorm:"column:expected_price"`
	FillPrice      float64        `gorm:"column:fill_price"`
	SpreadAtEntry  float64        `gorm:"column:spread_at_entry"`
	ClosePrice     float64        `gorm:"column:close_price"`
	PnL            *float64       `gorm:"column:pnl"`
	Reason         string         `gorm:"column:reason"`
	Status         string         `gorm:"column:status;index"`
	CreatedAtUnix  int64          `gorm:"column:created_at;index"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
	ClosedAtUnix   *int64         `gorm:"column:closed_at;index"`
}

func (OrderModel) TableName() string { return "orders" }

// OrderEventModel is the append-only audit trail of status changes.
type OrderEventModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID    int64          `gorm:"column:order_id;index"`
	FromStatus string         `gorm:"column:from_status"`
	ToStatus   string         `gorm:"column:to_status"`
	Details    datatypes.JSON `gorm:"column:details;type:TEXT"`
	Timestamp  int64          `gorm:"column:timestamp"`
}

func (OrderEventModel) TableName() string { return "order_events" }
