package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/config"
	"github.com/oszuidwest/zwfm-speechgate/internal/eventlog"
	"github.com/oszuidwest/zwfm-speechgate/internal/pipeline"
	"github.com/oszuidwest/zwfm-speechgate/internal/recording"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// testConfig returns a 16 kHz mono configuration with 10 ms frames.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.yaml"))
	cfg.Audio.SampleRate = 16000
	cfg.Audio.FrameMs = 10
	cfg.ProgressIntervalMs = 0
	return cfg
}

// squareWave returns frames of 160 samples alternating between ±amplitude.
func squareWave(frames int, amplitude int16) []int16 {
	samples := make([]int16, frames*160)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return samples
}

func speechClip() []byte {
	samples := append(squareWave(10, 328), squareWave(40, 3277)...)
	return audio.EncodeS16LE(samples)
}

func TestRunWritesSegmentsAndEvents(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Sinks.WAV = &recording.WAVConfig{Dir: dir}
	cfg.EventLog = config.EventLogConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "events.jsonl")}

	reg := prometheus.NewRegistry()
	eng, err := New(context.Background(), cfg, WithRegistry(reg))
	require.NoError(t, err)

	err = eng.Run(context.Background(), &capture.ReaderDevice{Reader: bytes.NewReader(speechClip())})
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, eng.State())
	assert.Equal(t, int64(1), eng.Status().Segments)

	require.NoError(t, eng.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	events, _, err := eventlog.ReadLast(eng.EventLogPath(), 50, 0, eventlog.FilterAll)
	require.NoError(t, err)
	kinds := make(map[eventlog.EventType]int)
	for _, ev := range events {
		kinds[ev.Type]++
	}
	assert.Equal(t, 1, kinds[eventlog.SessionStarted])
	assert.Equal(t, 1, kinds[eventlog.SessionStopped])
	assert.Equal(t, 1, kinds[eventlog.SegmentReady])
	assert.Equal(t, 1, kinds[eventlog.SegmentDelivered])
	assert.Equal(t, 1, kinds[eventlog.SpeakingStarted])

	assert.InDelta(t, 50.0, counterValue(t, reg, "speechgate_frames_processed_total"), 0)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

// flakyDevice fails the first failures opens mid-stream, then blocks until closed.
type flakyDevice struct {
	failures int32
	opens    atomic.Int32
}

func (d *flakyDevice) Name() string { return "flaky" }
func (d *flakyDevice) Live() bool   { return true }

func (d *flakyDevice) Open(context.Context, audio.Format) (io.ReadCloser, error) {
	if d.opens.Add(1) <= d.failures {
		return io.NopCloser(io.MultiReader(bytes.NewReader(audio.EncodeS16LE(squareWave(2, 300))), failingReader{})), nil
	}
	pr, pw := io.Pipe()
	return &blockingStream{PipeReader: pr, w: pw}, nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

type blockingStream struct {
	*io.PipeReader
	w    *io.PipeWriter
	once sync.Once
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { _ = b.w.Close() })
	return b.PipeReader.Close()
}

func TestSupervisedRestartAfterDeviceFailure(t *testing.T) {
	dev := &flakyDevice{failures: 2}
	eng, err := New(context.Background(), testConfig(t), WithDevice(dev))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Start())
	require.Eventually(t, func() bool {
		return dev.opens.Load() >= 3 && eng.State() == types.StateRunning
	}, 10*time.Second, 10*time.Millisecond, "session restarts until the device works")

	require.NoError(t, eng.Stop())
	assert.Equal(t, types.StateStopped, eng.State())

	opens := dev.opens.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, opens, dev.opens.Load(), "no restart after stop")
}

func TestStartStopErrors(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	eng, err := New(context.Background(), testConfig(t),
		WithDevice(&capture.ReaderDevice{Reader: pr, LiveInput: true}))
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Stop(), pipeline.ErrNotRunning)
	require.NoError(t, eng.Start())
	assert.ErrorIs(t, eng.Start(), pipeline.ErrAlreadyRunning)
	require.NoError(t, eng.Stop())

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
	assert.ErrorIs(t, eng.Start(), ErrClosed)
}

func TestInvalidConfigRejectedAtStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.BitsPerSample = 12
	eng, err := New(context.Background(), cfg, WithDevice(&capture.ReaderDevice{Reader: bytes.NewReader(nil)}))
	require.NoError(t, err)
	defer eng.Close()

	var cerr *types.ConfigError
	require.ErrorAs(t, eng.Start(), &cerr)
	assert.Equal(t, types.StateStopped, eng.State())
}

func TestUpdateVADAppliesToNextSession(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer eng.Close()

	v := cfg.Snapshot().VAD
	v.MarginFactor = 3
	require.NoError(t, eng.UpdateVAD(v))
	assert.InDelta(t, 3.0, cfg.Snapshot().VAD.MarginFactor, 1e-9)

	_, err = os.Stat(cfg.Path())
	assert.NoError(t, err, "update is persisted")
}
