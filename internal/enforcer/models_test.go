package enforcer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusCommitted},
		{StatusPending, StatusAborted},
		{StatusCommitted, StatusDispatched},
		{StatusCommitted, StatusSettled},
		{StatusDispatched, StatusSettled},
		{StatusDispatched, StatusPartiallyFailed},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]Status{
		{StatusPending, StatusDispatched},
		{StatusCommitted, StatusAborted},
		{StatusSettled, StatusPartiallyFailed},
		{StatusPartiallyFailed, StatusSettled},
		{StatusAborted, StatusCommitted},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	for _, s := range []Status{StatusSettled, StatusPartiallyFailed, StatusAborted} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusDispatched.IsTerminal())
}

func TestRecordTransition(t *testing.T) {
	rec := Record{ID: "op-1", Status: StatusPending}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, rec.transition(StatusCommitted, at))
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, at, rec.UpdatedAt)

	err := rec.transition(StatusPending, at)
	assert.ErrorContains(t, err, "illegal transition committed -> pending")
}

func TestDedupToken(t *testing.T) {
	assert.Equal(t, DedupToken("op-1", 0), DedupToken("op-1", 0))
	assert.NotEqual(t, DedupToken("op-1", 0), DedupToken("op-1", 1))
	assert.NotEqual(t, DedupToken("op-1", 0), DedupToken("op-2", 0))
	assert.NotEqual(t, batchToken("op-1"), DedupToken("op-1", 0))
}

func TestRecordPending(t *testing.T) {
	rec := Record{Commands: []CommandState{
		{Command: Command{Name: "a"}, Outcome: OutcomePending},
		{Command: Command{Name: "b"}, Outcome: OutcomeAcked},
		{Command: Command{Name: "c"}, Outcome: OutcomeExhausted},
	}}
	pending := rec.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].Name)
}
