package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNoOpDiscardsEverything(t *testing.T) {
	var s Sink = NoOp{}
	require.NotPanics(t, func() {
		s.Counter(HeartbeatsSent, 1)
		s.Observe(HeartbeatLatencyMs, 12.5, "node", "1")
	})
}

func TestPrometheusRegistersOnFirstUseOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("groupcore_test", reg)

	p.Counter(HeartbeatsSent, 1, "node", "1")
	p.Counter(HeartbeatsSent, 2, "node", "1")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "groupcore_test_heartbeat_sent", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 1)
	require.Equal(t, 3.0, families[0].GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusObserveRecordsHistogramSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("groupcore_test", reg)

	p.Observe(HeartbeatLatencyMs, 42, "node", "1")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.EqualValues(t, 1, families[0].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestSanitizeReplacesDotsWithUnderscores(t *testing.T) {
	require.Equal(t, "heartbeat_latency_ms", sanitize(HeartbeatLatencyMs))
}
