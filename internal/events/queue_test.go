package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplicationQueueFIFOOrdering(t *testing.T) {
	q := NewApplicationQueue(4)
	for _, typ := range []ApplicationEventType{EventPoll, EventCommit, EventUnsubscribe} {
		require.NoError(t, q.Offer(&ApplicationEvent{Type: typ}))
	}

	var seen []ApplicationEventType
	q.DrainInto(func(e *ApplicationEvent) { seen = append(seen, e.Type) })
	require.Equal(t, []ApplicationEventType{EventPoll, EventCommit, EventUnsubscribe}, seen)
	require.Equal(t, 0, q.Len())
}

func TestApplicationQueueFullReturnsError(t *testing.T) {
	q := NewApplicationQueue(1)
	require.NoError(t, q.Offer(&ApplicationEvent{Type: EventPoll}))
	require.ErrorIs(t, q.Offer(&ApplicationEvent{Type: EventPoll}), ErrQueueFull)
}

func TestBackgroundQueuePollEmptyReturnsNil(t *testing.T) {
	q := NewBackgroundQueue(2)
	require.Nil(t, q.Poll())
	q.Enqueue(&BackgroundEvent{Type: BackgroundError})
	e := q.Poll()
	require.NotNil(t, e)
	require.Equal(t, BackgroundError, e.Type)
}
