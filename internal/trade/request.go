package trade

import "time"

// SubmitRequest is the input to Executor.Submit. Nil pointers mean "derive it".
type SubmitRequest struct {
	Instrument     string
	Direction      Direction
	Kind           OrderKind
	Size           *float64
	EntryPrice     *float64
	StopDistance   *float64
	TargetDistance *float64
	Conviction     Conviction
	Rationale      string
	Strategy       string
	Source         string
}

// Outcome is the sealed result of a submission. Exactly one of Executed,
// PendingOrder, Rejected or Failed is returned.
type Outcome interface {
	outcome()
	Status() Status
}

type Executed struct {
	FillPrice float64
}

type PendingOrder struct {
	RestingPrice float64
}

type Rejected struct {
	Reason string
}

type Failed struct {
	Err string
}

func (Executed) outcome()     {}
func (PendingOrder) outcome() {}
func (Rejected) outcome()     {}
func (Failed) outcome()       {}

func (Executed) Status() Status     { return StatusExecuted }
func (PendingOrder) Status() Status { return StatusPendingOrder }
func (Rejected) Status() Status     { return StatusRejected }
func (Failed) Status() Status       { return StatusFailed }

type SubmitResponse struct {
	RowID                  int64
	BrokerOrderID          string
	Outcome                Outcome
	Direction              Direction
	Size                   float64
	ResolvedStopDistance   float64
	ResolvedTargetDistance float64
	StopPrice              float64
	TargetPrice            float64
	Message                string
}

func (r SubmitResponse) Status() Status {
	if r.Outcome == nil {
		return StatusPending
	}
	return r.Outcome.Status()
}

type CancelResult struct {
	CancelledIDs []string
	Errors       []string
}

type CloseResult struct {
	ClosePrice float64
	ProfitLoss float64
	Status     Status
	ClosedRows []int64
	ClosedSize float64
	Remaining  float64
	Message    string
}

// PriceChange records one modified bracket leg.
type PriceChange struct {
	Leg     string
	OrderID string
	Old     float64
	New     float64
}

type ModifyResult struct {
	Changes []PriceChange
}

type CooldownStatus struct {
	CanTrade          bool
	Reason            string
	ActiveCooldown    string
	RemainingMinutes  float64
	ConsecutiveLosses int
	DailyTradeCount   int
	DailyTradeLimit   int
	DailyPnL          float64
	DailyLossLimit    float64
	CheckedAt         time.Time
}
