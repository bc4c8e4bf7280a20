package manager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubManager struct{ name string }

func (s stubManager) Name() string                     { return s.name }
func (s stubManager) Poll(nowMs int64) PollResult       { return Empty }
func (s stubManager) MaxTimeToWaitMs(nowMs int64) int64 { return 1000 }

func TestCapabilityTraitSatisfiedByConcreteManager(t *testing.T) {
	var m RequestManager = stubManager{name: "stub"}
	require.Equal(t, "stub", m.Name())
	require.Equal(t, Empty, m.Poll(0))
	require.Equal(t, int64(1000), m.MaxTimeToWaitMs(0))
}
