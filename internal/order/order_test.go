package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{Pending, Accepted},
		{Pending, Rejected},
		{Accepted, InProgress},
		{Accepted, Cancelled},
		{InProgress, Completed},
		{InProgress, Cancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s should be allowed", tr[0], tr[1])
	}

	denied := [][2]State{
		{Pending, InProgress},
		{Pending, Completed},
		{Accepted, Pending},
		{Accepted, Rejected},
		{Rejected, Accepted},
		{Rejected, InProgress},
		{Completed, Cancelled},
		{Cancelled, Pending},
		{InProgress, Accepted},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s should be denied", tr[0], tr[1])
	}
}

func TestNoStateReentry(t *testing.T) {
	// Monotonicity: a state never appears in its own successor set.
	for from, tos := range validTransitions {
		for _, to := range tos {
			assert.NotEqual(t, from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(Rejected))
	assert.True(t, Terminal(Completed))
	assert.True(t, Terminal(Cancelled))
	assert.False(t, Terminal(Pending))
	assert.False(t, Terminal(Accepted))
	assert.False(t, Terminal(InProgress))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Pending))
	assert.False(t, Valid(State("SHIPPED")))
	assert.False(t, Valid(State("")))
}
