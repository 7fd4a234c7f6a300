package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
)

const frameDur = 20 * time.Millisecond

var mono = audio.Format{SampleRate: 16000, BitsPerSample: 16, Channels: 1, Interleaved: true}

// pattern builds a decision sequence from runs, e.g. runs(10, false, 20, true).
func runs(args ...any) []bool {
	var out []bool
	for i := 0; i < len(args); i += 2 {
		for range args[i].(int) {
			out = append(out, args[i+1].(bool))
		}
	}
	return out
}

type feeder struct {
	seg    *Segmenter
	frame  int
	events []Event
}

// feed processes decisions; each frame carries its own index as sole sample.
func (f *feeder) feed(decisions []bool) {
	for _, speech := range decisions {
		ts := time.Duration(f.frame) * frameDur
		f.events = append(f.events, f.seg.Process(ts, frameDur, []int16{int16(f.frame)}, speech)...)
		f.frame++
	}
}

func (f *feeder) flush() {
	f.events = append(f.events, f.seg.Flush(time.Duration(f.frame)*frameDur)...)
}

func (f *feeder) kinds() []EventKind {
	var out []EventKind
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

func (f *feeder) segments() []*Segment {
	var out []*Segment
	for _, e := range f.events {
		if e.Kind == SegmentReady {
			out = append(out, e.Segment)
		}
	}
	return out
}

func newFeeder(t *testing.T, mutate func(*Config)) *feeder {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	seg, err := NewSegmenter(cfg, mono)
	require.NoError(t, err)
	return &feeder{seg: seg}
}

func indices(from, to int) []int16 {
	var out []int16
	for i := from; i <= to; i++ {
		out = append(out, int16(i))
	}
	return out
}

func TestSegmenterCutsSpeechWithRolls(t *testing.T) {
	f := newFeeder(t, nil)
	f.feed(runs(10, false, 20, true, 30, false))

	assert.Equal(t, []EventKind{SpeakingStarted, SpeakingStopped, SegmentReady}, f.kinds())
	assert.Equal(t, 400*time.Millisecond, f.events[0].At, "confirmed after the minimum duration")
	assert.Equal(t, time.Second, f.events[1].At, "ended after the silence timeout")

	segs := f.segments()
	require.Len(t, segs, 1)
	seg := segs[0]
	// One pre-roll frame (9), speech 10..29, the first silent frame (30)
	// and one post-roll frame (31).
	assert.Equal(t, indices(9, 31), seg.Samples)
	assert.Equal(t, 23, seg.Frames)
	assert.Equal(t, 180*time.Millisecond, seg.Start)
	assert.Equal(t, 640*time.Millisecond, seg.End)
	assert.Equal(t, mono, seg.Format)
	assert.NotEmpty(t, seg.ID)

	assert.Equal(t, 400*time.Millisecond, f.seg.MostRecentSpeaking())
	assert.Equal(t, StateNoSpeech, f.seg.State())
}

func TestSegmenterIgnoresShortBlips(t *testing.T) {
	f := newFeeder(t, nil)
	f.feed(runs(5, false, 3, true, 40, false))

	assert.Empty(t, f.events)
	assert.Equal(t, StateNoSpeech, f.seg.State())
	assert.Equal(t, 60*time.Millisecond, f.seg.MostRecentSpeaking())
}

func TestSegmenterBridgesShortPauses(t *testing.T) {
	f := newFeeder(t, nil)
	f.feed(runs(15, true, 10, false, 15, true, 30, false))

	assert.Equal(t, []EventKind{SpeakingStarted, SpeakingStopped, SegmentReady}, f.kinds())
	segs := f.segments()
	require.Len(t, segs, 1)
	assert.Equal(t, indices(0, 41), segs[0].Samples)
	assert.Equal(t, 200*time.Millisecond, f.seg.LongestSilence())
}

func TestSegmenterWaitsForPostRoll(t *testing.T) {
	f := newFeeder(t, func(c *Config) {
		c.PostRollFrames = 3
		c.SilenceTimeout = 0
	})
	f.feed(runs(12, true, 1, false))
	assert.Equal(t, StateGettingFinalChunks, f.seg.State())
	assert.Empty(t, f.segments())

	f.feed(runs(3, false))
	segs := f.segments()
	require.Len(t, segs, 1)
	assert.Equal(t, indices(0, 15), segs[0].Samples)
}

func TestSegmenterFlushFinalizesOpenSpeech(t *testing.T) {
	f := newFeeder(t, nil)
	f.feed(runs(2, false, 20, true))
	require.True(t, f.seg.Speaking())

	f.flush()
	assert.Equal(t, []EventKind{SpeakingStarted, SpeakingStopped, SegmentReady}, f.kinds())
	assert.Equal(t, indices(1, 21), f.segments()[0].Samples)
	assert.False(t, f.seg.Speaking())
}

func TestSegmenterFlushDropsUnconfirmedSpeech(t *testing.T) {
	f := newFeeder(t, nil)
	f.feed(runs(5, false, 4, true))
	f.flush()
	assert.Empty(t, f.events)
}

func TestSegmenterStopsAfterFirstSegment(t *testing.T) {
	f := newFeeder(t, func(c *Config) { c.ContinuousRecording = false })
	f.feed(runs(20, true, 30, false, 20, true, 30, false))

	assert.Len(t, f.segments(), 1)
	assert.True(t, f.seg.Done())
	assert.Nil(t, f.seg.Flush(0))
}

func TestSegmenterForceCutsLongSpeech(t *testing.T) {
	f := newFeeder(t, func(c *Config) { c.MaxSegmentDuration = 400 * time.Millisecond })
	f.feed(runs(50, true))

	segs := f.segments()
	require.GreaterOrEqual(t, len(segs), 2)
	for _, s := range segs {
		assert.LessOrEqual(t, s.Duration(), 400*time.Millisecond)
	}
	assert.True(t, f.seg.Speaking(), "speech continues across a forced cut")
}

func TestSegmenterRecordsEverythingWhenNotGated(t *testing.T) {
	f := newFeeder(t, func(c *Config) {
		c.OnlyRecordOnSpeaking = false
		c.MaxSegmentDuration = 0
	})
	f.feed(runs(10, false, 20, true, 30, false))
	assert.Equal(t, []EventKind{SpeakingStarted, SpeakingStopped}, f.kinds())

	f.flush()
	segs := f.segments()
	require.Len(t, segs, 1)
	assert.Equal(t, indices(0, 59), segs[0].Samples)
}

func TestSegmenterImmediateConfirmation(t *testing.T) {
	f := newFeeder(t, func(c *Config) { c.MinSpeechDuration = 0 })
	f.feed(runs(1, true))
	assert.Equal(t, []EventKind{SpeakingStarted}, f.kinds())
	assert.Equal(t, StateSpeaking, f.seg.State())
}

func TestNewSegmenterRejectsNegativeDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SilenceTimeout = -time.Second
	_, err := NewSegmenter(cfg, mono)
	assert.Error(t, err)
}

func TestSegmentEventConversion(t *testing.T) {
	seg := &Segment{ID: "abc", Format: mono, Start: time.Second, End: 2 * time.Second, Frames: 50}
	ev := seg.Event()
	assert.Equal(t, "abc", ev.ID)
	assert.Equal(t, 16000, ev.SampleRate)
	assert.Equal(t, time.Second, seg.Duration())

	sp := Event{Kind: SpeakingStopped, MostRecentSpeaking: 1500 * time.Millisecond}.SpeakingEvent()
	assert.False(t, sp.Speaking)
	assert.Equal(t, int64(1500), sp.MostRecentSpeakingDuration)
}
