package reaper

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comute/groupcore/internal/events"
)

// A flat map scan is used instead of a deadline-ordered heap (container/heap)
// because the tracked set is expected to stay on the order of a handful of
// in-flight requests/callbacks per member at any time; the teacher itself
// reaches for plain maps, not heaps, for comparably small bookkeeping sets
// (see broker.go's brokersMu-guarded maps).
func TestReapExpiresOnlyPastDeadline(t *testing.T) {
	r := New()
	expired := events.NewCompletableEvent[int](100)
	notYet := events.NewCompletableEvent[int](200)
	noDeadline := events.NewCompletableEvent[int](0)

	r.Track(expired)
	r.Track(notYet)
	r.Track(noDeadline)

	r.Reap(150)

	require.True(t, expired.IsDone())
	_, err := expired.Get()
	require.ErrorIs(t, err, events.ErrTimedOut)

	require.False(t, notYet.IsDone())
	require.False(t, noDeadline.IsDone())
	require.Equal(t, 2, r.Len())
}

func TestReapIsNoOpForAlreadyResolvedEvent(t *testing.T) {
	r := New()
	e := events.NewCompletableEvent[int](1)
	r.Track(e)

	require.True(t, e.Resolve(7))
	r.Reap(1000)

	v, err := e.Get()
	require.Equal(t, 7, v)
	require.NoError(t, err)
	require.Equal(t, 0, r.Len())
}

func TestReapAllCancelsEverythingOutstanding(t *testing.T) {
	r := New()
	a := events.NewCompletableEvent[int](0)
	b := events.NewCompletableEvent[int](5000)
	r.Track(a)
	r.Track(b)

	r.ReapAll()

	for _, e := range []*events.CompletableEvent[int]{a, b} {
		_, err := e.Get()
		require.ErrorIs(t, err, events.ErrCancelled)
	}
	require.Equal(t, 0, r.Len())
}

func TestNextDeadlineMsPicksEarliest(t *testing.T) {
	r := New()
	r.Track(events.NewCompletableEvent[int](500))
	r.Track(events.NewCompletableEvent[int](100))
	r.Track(events.NewCompletableEvent[int](0))

	d, ok := r.NextDeadlineMs()
	require.True(t, ok)
	require.Equal(t, int64(100), d)
}
