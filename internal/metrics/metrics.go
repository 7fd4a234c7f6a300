// Package metrics exposes Prometheus instruments for the capture pipeline.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speechgate"

// Metrics contains all Prometheus metrics for the speech gate.
type Metrics struct {
	FramesProcessed prometheus.Counter
	FramesDropped   prometheus.Counter
	SpeechFrames    prometheus.Counter

	Segments        prometheus.Counter
	SegmentDuration prometheus.Histogram
	SinkErrors      prometheus.Counter
	SinkQueueDepth  prometheus.Gauge

	Level     prometheus.Gauge
	Threshold prometheus.Gauge
	Speaking  prometheus.Gauge

	Sessions        *prometheus.CounterVec
	ClassifyLatency prometheus.Histogram
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Total number of frames analyzed",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped because the consumer fell behind",
		}),
		SpeechFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_frames_total",
			Help:      "Total number of frames with smoothed speech",
		}),
		Segments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Total number of finished speech segments",
		}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Duration of finished speech segments",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s to 64s
		}),
		SinkErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of segments that could not be delivered",
		}),
		SinkQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_queue_depth",
			Help:      "Segments awaiting delivery",
		}),
		Level: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level_dbfs",
			Help:      "Level of the most recent frame in dBFS",
		}),
		Threshold: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold",
			Help:      "Current linear speech threshold",
		}),
		Speaking: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speaking",
			Help:      "1 while the smoothed decision is speech",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Capture sessions by outcome",
		}, []string{"outcome"}),
		ClassifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Time spent analyzing one frame",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 10), // 50µs to ~25ms
		}),
	}
}

// ObserveFrame records the analysis of one frame.
func (m *Metrics) ObserveFrame(levelDB, threshold float64, speaking bool, took time.Duration) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	m.Level.Set(levelDB)
	m.Threshold.Set(threshold)
	if speaking {
		m.SpeechFrames.Inc()
		m.Speaking.Set(1)
	} else {
		m.Speaking.Set(0)
	}
	m.ClassifyLatency.Observe(took.Seconds())
}

// AddDropped adds frames lost to overrun.
func (m *Metrics) AddDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.FramesDropped.Add(float64(n))
}

// ObserveSegment records a finished segment.
func (m *Metrics) ObserveSegment(d time.Duration) {
	if m == nil {
		return
	}
	m.Segments.Inc()
	m.SegmentDuration.Observe(d.Seconds())
}

// SinkError records a failed delivery.
func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// SetQueueDepth records the number of segments awaiting delivery.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.SinkQueueDepth.Set(float64(n))
}

// SessionEnded records how a session finished: "completed", "stopped" or "failed".
func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(outcome).Inc()
	m.Speaking.Set(0)
}
