package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveFrame(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveFrame(-20, 0.05, true, time.Millisecond)
	m.ObserveFrame(-60, 0.04, false, time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.FramesProcessed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SpeechFrames), 0)
	assert.InDelta(t, -60, testutil.ToFloat64(m.Level), 0)
	assert.InDelta(t, 0.04, testutil.ToFloat64(m.Threshold), 1e-12)
	assert.InDelta(t, 0, testutil.ToFloat64(m.Speaking), 0)
}

func TestSegmentsAndSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSegment(1500 * time.Millisecond)
	m.SinkError()
	m.AddDropped(3)
	m.AddDropped(0)
	m.SetQueueDepth(2)
	m.SessionEnded("stopped")

	assert.InDelta(t, 1, testutil.ToFloat64(m.Segments), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SinkErrors), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.FramesDropped), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.SinkQueueDepth), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Sessions.WithLabelValues("stopped")), 0)

	count, err := testutil.GatherAndCount(reg, "speechgate_segment_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFrame(0, 0, true, 0)
		m.AddDropped(1)
		m.ObserveSegment(time.Second)
		m.SinkError()
		m.SetQueueDepth(1)
		m.SessionEnded("failed")
	})
}

func TestRegistriesAreIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
