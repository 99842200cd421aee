package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusInProgress, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusDone, false},
		{StatusQueued, StatusFailed, false},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusQueued, false},
		{StatusDone, StatusInProgress, false},
		{StatusDone, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusInProgress, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestCanTransitionSameStatusIsNoOp(t *testing.T) {
	for s := range allowed {
		assert.Truef(t, CanTransition(s, s), "%s -> %s", s, s)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusQueued.Valid())
	assert.False(t, Status("running").Valid())
	assert.False(t, Status("").Valid())
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{TaskID: "t1", From: StatusDone, To: StatusQueued}
	assert.Equal(t, "task t1: invalid status transition done -> queued", err.Error())
}
