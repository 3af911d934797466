package trade

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusValidated    Status = "VALIDATED"
	StatusRejected     Status = "REJECTED"
	StatusExecuted     Status = "EXECUTED"
	StatusPendingOrder Status = "PENDING_ORDER"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusClosed       Status = "CLOSED"
)

var transitions = map[Status][]Status{
	StatusPending:      {StatusValidated, StatusRejected},
	StatusValidated:    {StatusExecuted, StatusPendingOrder, StatusFailed},
	StatusPendingOrder: {StatusExecuted, StatusCancelled},
	StatusExecuted:     {StatusClosed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusCancelled, StatusClosed:
		return true
	default:
		return false
	}
}

// Sized reports whether rows in this status must carry a positive size.
func (s Status) Sized() bool {
	return s != StatusPending && s != StatusRejected
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusRejected, StatusExecuted,
		StatusPendingOrder, StatusFailed, StatusCancelled, StatusClosed:
		return true
	default:
		return false
	}
}
