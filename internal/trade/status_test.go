package trade

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleEdges(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusValidated},
		{StatusPending, StatusRejected},
		{StatusValidated, StatusExecuted},
		{StatusValidated, StatusPendingOrder},
		{StatusValidated, StatusFailed},
		{StatusPendingOrder, StatusExecuted},
		{StatusPendingOrder, StatusCancelled},
		{StatusExecuted, StatusClosed},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
	assert.False(t, CanTransition(StatusPending, StatusExecuted))
	assert.False(t, CanTransition(StatusClosed, StatusExecuted))
	assert.False(t, CanTransition(StatusExecuted, StatusCancelled))
	for _, s := range []Status{StatusRejected, StatusFailed, StatusCancelled, StatusClosed} {
		assert.True(t, s.Terminal())
		assert.Empty(t, transitions[s])
	}
}

func TestParseHelpers(t *testing.T) {
	d, err := ParseDirection("long")
	assert.NoError(t, err)
	assert.Equal(t, Buy, d)
	_, err = ParseDirection("sideways")
	assert.True(t, IsRejection(err))
	assert.Equal(t, "Invalid direction: sideways", err.Error())

	k, err := ParseOrderKind("")
	assert.NoError(t, err)
	assert.Equal(t, Market, k)
	assert.True(t, Stop.Resting())

	assert.Equal(t, ConvictionNone, ParseConviction("maybe"))
	assert.Less(t, ConvictionLow.Rank(), ConvictionMedium.Rank())
	assert.Less(t, ConvictionMedium.Rank(), ConvictionHigh.Rank())
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("socket closed")
	err := fmt.Errorf("submit: %w", &ExecutionError{Op: "place bracket", Err: base})
	var ee *ExecutionError
	assert.True(t, errors.As(err, &ee))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "place bracket: socket closed", ee.Error())

	rec := &ReconciliationError{Stage: "positions", Err: base}
	assert.ErrorIs(t, rec, base)
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, StatusExecuted, SubmitResponse{Outcome: Executed{}}.Status())
	assert.Equal(t, StatusPendingOrder, SubmitResponse{Outcome: PendingOrder{}}.Status())
	assert.Equal(t, StatusRejected, SubmitResponse{Outcome: Rejected{}}.Status())
	assert.Equal(t, StatusFailed, SubmitResponse{Outcome: Failed{}}.Status())
}
