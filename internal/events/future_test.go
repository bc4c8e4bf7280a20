package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveOnlyOnce(t *testing.T) {
	e := NewCompletableEvent[int](0)
	require.True(t, e.Resolve(1))
	require.False(t, e.Resolve(2))
	require.False(t, e.Fail(errors.New("boom")))

	v, err := e.Get()
	require.Equal(t, 1, v)
	require.NoError(t, err)
}

func TestFailTimeoutDoesNotOverrideEarlierResolution(t *testing.T) {
	e := NewCompletableEvent[int](1)
	require.True(t, e.Resolve(42))
	require.False(t, e.FailTimeout())

	v, err := e.Get()
	require.Equal(t, 42, v)
	require.NoError(t, err)
}

func TestFailCancelResolvesUnfinished(t *testing.T) {
	e := NewCompletableEvent[int](0)
	require.True(t, e.FailCancel())
	_, err := e.Get()
	require.ErrorIs(t, err, ErrCancelled)
}

func TestReapableInterface(t *testing.T) {
	var r Reapable = NewCompletableEvent[string](100)
	require.Equal(t, int64(100), r.DeadlineMs())
	require.False(t, r.IsDone())
	require.True(t, r.FailTimeout())
	require.True(t, r.IsDone())
}
