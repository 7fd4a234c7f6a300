package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/recording"
	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

const samplesPerFrame = 160 // 10 ms at 16 kHz

var testFormat = audio.Format{SampleRate: 16000, BitsPerSample: 16, Channels: 1, Interleaved: true}

// block is a run of frames holding a square wave of the given amplitude.
type block struct {
	frames    int
	amplitude int16
}

func pcm(blocks ...block) []byte {
	var samples []int16
	for _, b := range blocks {
		for range b.frames {
			for i := range samplesPerFrame {
				if i%2 == 0 {
					samples = append(samples, b.amplitude)
				} else {
					samples = append(samples, -b.amplitude)
				}
			}
		}
	}
	return audio.EncodeS16LE(samples)
}

func testConfig(dev capture.Device) SessionConfig {
	cfg := DefaultSessionConfig(dev)
	cfg.Format = testFormat
	cfg.FrameDuration = 10 * time.Millisecond
	cfg.ProgressInterval = 0
	return cfg
}

// recorder collects callback events.
type recorder struct {
	mu        sync.Mutex
	decisions []types.DecisionEvent
	speaking  []types.SpeakingEvent
	segments  []types.SegmentEvent
	progress  int
	terminal  []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnDecision: func(ev types.DecisionEvent) { r.mu.Lock(); r.decisions = append(r.decisions, ev); r.mu.Unlock() },
		OnSpeaking: func(ev types.SpeakingEvent) { r.mu.Lock(); r.speaking = append(r.speaking, ev); r.mu.Unlock() },
		OnSegment:  func(ev types.SegmentEvent) { r.mu.Lock(); r.segments = append(r.segments, ev); r.mu.Unlock() },
		OnProgress: func(types.ProgressEvent) { r.mu.Lock(); r.progress++; r.mu.Unlock() },
		OnTerminal: func(err error) { r.mu.Lock(); r.terminal = append(r.terminal, err); r.mu.Unlock() },
	}
}

func (r *recorder) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func runToEnd(t *testing.T, c *Controller) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Start(context.Background()))
	return c.Wait(ctx)
}

func TestEndToEndAdaptiveDetection(t *testing.T) {
	// Noise at about 0.01 RMS, then speech at three times the settled noise floor.
	data := pcm(block{50, 328}, block{10, 983})
	rec := &recorder{}
	c := New(WithCallbacks(rec.callbacks()))
	require.NoError(t, c.Init(testConfig(&capture.ReaderDevice{Reader: bytes.NewReader(data)})))

	require.NoError(t, runToEnd(t, c))

	require.Len(t, rec.decisions, 60)
	firstRaw, firstSmoothed := -1, -1
	for i, d := range rec.decisions {
		assert.Equal(t, uint64(i), d.FrameIndex)
		assert.Equal(t, time.Duration(i)*10*time.Millisecond, d.Timestamp)
		if d.RawSpeech && firstRaw < 0 {
			firstRaw = i
		}
		if d.IsSpeech && firstSmoothed < 0 {
			firstSmoothed = i
		}
	}

	for _, d := range rec.decisions[:50] {
		assert.False(t, d.RawSpeech, "noise frame %d classified as speech", d.FrameIndex)
	}
	for _, d := range rec.decisions[50:] {
		assert.True(t, d.RawSpeech, "speech frame %d classified as silence", d.FrameIndex)
	}
	assert.InDelta(t, -40.0, rec.decisions[0].Level, 0.1)
	assert.InDelta(t, 0.0202, rec.decisions[49].Threshold, 0.0005, "threshold settles near twice the noise floor")

	assert.Equal(t, 50, firstRaw)
	assert.Equal(t, 54, firstSmoothed)
	assert.GreaterOrEqual(t, firstSmoothed, firstRaw, "smoother never leads the classifier")
	assert.LessOrEqual(t, firstSmoothed-firstRaw, 5, "sustained speech is recognized within one window")

	st := c.Status()
	assert.Equal(t, types.StateStopped, st.State)
	assert.Equal(t, uint64(60), st.Frames)
	assert.Equal(t, uint64(6), st.SpeechFrames)
	assert.Zero(t, st.Dropped)
	require.Len(t, rec.terminal, 1)
	assert.NoError(t, rec.terminal[0])
}

func TestInitValidation(t *testing.T) {
	dev := &capture.ReaderDevice{Reader: bytes.NewReader(nil)}
	tests := []struct {
		name   string
		modify func(*SessionConfig)
	}{
		{"adaptation rate zero", func(c *SessionConfig) { c.VAD.AdaptationRate = 0 }},
		{"adaptation rate above one", func(c *SessionConfig) { c.VAD.AdaptationRate = 1.5 }},
		{"unknown method", func(c *SessionConfig) { c.VAD.Method = "magic" }},
		{"no device", func(c *SessionConfig) { c.Device = nil }},
		{"bad bit depth", func(c *SessionConfig) { c.Format.BitsPerSample = 12 }},
		{"no channels", func(c *SessionConfig) { c.Format.Channels = 0 }},
		{"frame too short", func(c *SessionConfig) { c.FrameDuration = time.Microsecond }},
		{"inverted hysteresis", func(c *SessionConfig) { c.Smoothing.Enter, c.Smoothing.Exit = 0.3, 0.5 }},
		{"one buffer", func(c *SessionConfig) { c.Buffers = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(dev)
			tt.modify(&cfg)
			err := New().Init(cfg)
			var cerr *types.ConfigError
			require.ErrorAs(t, err, &cerr)
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.Start(context.Background()), ErrNotInitialized)
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)
	assert.NoError(t, c.Wait(context.Background()))

	pr, pw := io.Pipe()
	defer pw.Close()
	require.NoError(t, c.Init(testConfig(&capture.ReaderDevice{Reader: pr, LiveInput: true})))
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
	err := c.Init(testConfig(&capture.ReaderDevice{Reader: bytes.NewReader(nil)}))
	assert.ErrorIs(t, err, ErrSessionActive)
	var cerr *types.ConfigError
	assert.ErrorAs(t, err, &cerr)

	require.NoError(t, c.Stop())
	assert.Equal(t, types.StateStopped, c.State())
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)

	// Re-init after stop replaces the session.
	require.NoError(t, c.Init(testConfig(&capture.ReaderDevice{Reader: bytes.NewReader(pcm(block{3, 100}))})))
	require.NoError(t, runToEnd(t, c))
	assert.Equal(t, uint64(3), c.Status().Frames)

	require.NoError(t, c.Cleanup())
	assert.ErrorIs(t, c.Start(context.Background()), ErrNotInitialized)
}

func TestStopFromOtherGoroutine(t *testing.T) {
	pr, pw := io.Pipe()
	rec := &recorder{}
	c := New(WithCallbacks(rec.callbacks()))
	cfg := testConfig(&capture.ReaderDevice{Reader: pr, LiveInput: true})
	cfg.ProgressInterval = 10 * time.Millisecond
	require.NoError(t, c.Init(cfg))
	require.NoError(t, c.Start(context.Background()))

	go func() {
		for range 20 {
			if _, err := pw.Write(pcm(block{1, 300})); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return rec.progressCount() > 0 }, 5*time.Second, 5*time.Millisecond,
		"progress is reported even without frames")

	done := make(chan error, 1)
	go func() { done <- c.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, types.StateStopped, c.State())

	progress := rec.progressCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, progress, rec.progressCount(), "no progress after stop")
	require.Len(t, rec.terminal, 1)
	assert.NoError(t, rec.terminal[0])
}

type failingDevice struct{}

func (failingDevice) Open(context.Context, audio.Format) (io.ReadCloser, error) {
	return nil, errors.New("device busy")
}
func (failingDevice) Name() string { return "failing" }
func (failingDevice) Live() bool   { return true }

func TestStartDeviceFailure(t *testing.T) {
	c := New()
	require.NoError(t, c.Init(testConfig(failingDevice{})))

	err := c.Start(context.Background())
	var derr *types.DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "open", derr.Op)
	assert.Equal(t, types.StateStopped, c.State())
	assert.Contains(t, c.Status().LastError, "device busy")
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestReadErrorEndsSession(t *testing.T) {
	unplugged := errors.New("device unplugged")
	reader := io.MultiReader(bytes.NewReader(pcm(block{5, 300})), errReader{unplugged})
	rec := &recorder{}
	c := New(WithCallbacks(rec.callbacks()))
	require.NoError(t, c.Init(testConfig(&capture.ReaderDevice{Reader: reader})))

	err := runToEnd(t, c)
	var derr *types.DeviceError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, unplugged)
	assert.Equal(t, err, c.Err())

	assert.Equal(t, types.StateStopped, c.State())
	assert.Len(t, rec.decisions, 5, "frames before the failure are analyzed")
	require.Len(t, rec.terminal, 1)
	assert.ErrorIs(t, rec.terminal[0], unplugged)
}

func TestSegmentDeliveredOnEndOfStream(t *testing.T) {
	var mu sync.Mutex
	var delivered []*segment.Segment
	sink := recording.SinkFunc(func(_ context.Context, seg *segment.Segment) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, seg)
		return nil
	})

	rec := &recorder{}
	hub := NewHub()
	msgs, unsubscribe := hub.Subscribe(1024)
	defer unsubscribe()

	c := New(WithCallbacks(rec.callbacks()), WithSink(sink), WithHub(hub))
	data := pcm(block{10, 328}, block{40, 3277})
	require.NoError(t, c.Init(testConfig(&capture.ReaderDevice{Reader: bytes.NewReader(data)})))
	require.NoError(t, runToEnd(t, c))

	require.Len(t, delivered, 1, "open segment is finalized at end of stream")
	seg := delivered[0]
	assert.NotEmpty(t, seg.Samples)
	assert.Equal(t, 16, seg.Format.BitsPerSample)
	assert.Equal(t, 500*time.Millisecond, seg.End)

	require.Len(t, rec.segments, 1)
	assert.Equal(t, seg.ID, rec.segments[0].ID)
	require.Len(t, rec.speaking, 2)
	assert.True(t, rec.speaking[0].Speaking)
	assert.False(t, rec.speaking[1].Speaking)
	assert.Equal(t, int64(1), c.Status().Segments)

	var sawDecision, sawSegment, sawEnded bool
	for len(msgs) > 0 {
		switch m := (<-msgs).(type) {
		case types.WSDecisionResponse:
			sawDecision = true
		case types.WSSegmentResponse:
			sawSegment = true
		case types.WSSessionEndedResponse:
			sawEnded = true
			assert.Equal(t, "completed", m.Outcome)
		}
	}
	assert.True(t, sawDecision)
	assert.True(t, sawSegment)
	assert.True(t, sawEnded)
}

func TestSingleSegmentEndsSession(t *testing.T) {
	var count int
	sink := recording.SinkFunc(func(context.Context, *segment.Segment) error { count++; return nil })

	c := New(WithSink(sink))
	cfg := testConfig(&capture.ReaderDevice{Reader: bytes.NewReader(
		pcm(block{10, 328}, block{40, 3277}, block{80, 328}, block{40, 3277}, block{80, 328}))})
	cfg.Segment.ContinuousRecording = false
	require.NoError(t, c.Init(cfg))
	require.NoError(t, runToEnd(t, c))

	assert.Equal(t, 1, count)
	assert.Less(t, c.Status().Frames, uint64(250), "session stops after the first segment")
}

func TestAutoGainRaisesQuietInput(t *testing.T) {
	rec := &recorder{}
	c := New(WithCallbacks(rec.callbacks()))
	cfg := testConfig(&capture.ReaderDevice{Reader: bytes.NewReader(pcm(block{200, 100}))})
	cfg.AutoGain = true
	require.NoError(t, c.Init(cfg))
	require.NoError(t, runToEnd(t, c))

	require.Len(t, rec.decisions, 200)
	assert.Greater(t, rec.decisions[199].Level, rec.decisions[0].Level+6, "gain loop raises the measured level")
}
