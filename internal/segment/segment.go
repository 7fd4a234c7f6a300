// Package segment cuts the analyzed audio stream into speech segments.
//
// The Segmenter follows the smoothed speech decision through a small state
// machine: speech must last MinSpeechDuration before a segment is confirmed,
// and silence must last SilenceTimeout before it ends. Pre-roll and post-roll
// frames are added around each segment. All timing uses frame timestamps,
// so the result depends only on the input.
package segment

import (
	"time"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// State is the position of the segmenter in the speech state machine.
type State string

// Segmenter states.
const (
	StateNoSpeech              State = "no_speech"
	StateWaitingForMinDuration State = "waiting_for_min_duration"
	StateSpeaking              State = "speaking"
	StateWaitingForSilence     State = "waiting_for_silence_timeout"
	StateGettingFinalChunks    State = "getting_final_chunks"
)

// Defaults for Config.
const (
	DefaultMinSpeechDuration  = 200 * time.Millisecond
	DefaultSilenceTimeout     = 400 * time.Millisecond
	DefaultMaxSegmentDuration = 30 * time.Second
	DefaultRollFrames         = 1
)

// Config controls how speech is cut into segments.
type Config struct {
	// MinSpeechDuration is how long speech must last before it is confirmed.
	MinSpeechDuration time.Duration `json:"min_speech_duration" validate:"gte=0"`
	// SilenceTimeout is how long silence must last before a segment ends.
	SilenceTimeout time.Duration `json:"silence_timeout" validate:"gte=0"`
	// MaxSegmentDuration force-cuts long segments; zero disables the limit.
	MaxSegmentDuration time.Duration `json:"max_segment_duration" validate:"gte=0"`
	// PreRollFrames are kept while idle and prepended to a segment.
	PreRollFrames int `json:"pre_roll_frames" validate:"gte=0,lte=100"`
	// PostRollFrames are appended after the silence timeout.
	PostRollFrames int `json:"post_roll_frames" validate:"gte=0,lte=100"`
	// OnlyRecordOnSpeaking records speech segments only. When false every
	// frame is recorded and segments are cut on flush or MaxSegmentDuration.
	OnlyRecordOnSpeaking bool `json:"only_record_on_speaking"`
	// ContinuousRecording keeps segmenting after the first segment.
	ContinuousRecording bool `json:"continuous_recording"`
}

// DefaultConfig returns the default segmentation settings.
func DefaultConfig() Config {
	return Config{
		MinSpeechDuration:    DefaultMinSpeechDuration,
		SilenceTimeout:       DefaultSilenceTimeout,
		MaxSegmentDuration:   DefaultMaxSegmentDuration,
		PreRollFrames:        DefaultRollFrames,
		PostRollFrames:       DefaultRollFrames,
		OnlyRecordOnSpeaking: true,
		ContinuousRecording:  true,
	}
}

// Segment is a finished stretch of recorded audio.
type Segment struct {
	ID        string
	Format    audio.Format // Always 16-bit interleaved
	Start     time.Duration
	End       time.Duration
	Samples   []int16
	Frames    int
	CreatedAt time.Time
}

// Duration returns the audio length of the segment.
func (s *Segment) Duration() time.Duration {
	return s.End - s.Start
}

// Event converts the segment to its wire representation.
func (s *Segment) Event() types.SegmentEvent {
	return types.SegmentEvent{
		ID:         s.ID,
		Start:      s.Start,
		End:        s.End,
		Frames:     s.Frames,
		SampleRate: s.Format.SampleRate,
		Channels:   s.Format.Channels,
	}
}

// EventKind identifies a segmenter event.
type EventKind int

// Segmenter event kinds.
const (
	SpeakingStarted EventKind = iota + 1
	SpeakingStopped
	SegmentReady
)

func (k EventKind) String() string {
	switch k {
	case SpeakingStarted:
		return "speaking_started"
	case SpeakingStopped:
		return "speaking_stopped"
	case SegmentReady:
		return "segment_ready"
	default:
		return "unknown"
	}
}

// Event is produced by the Segmenter while processing frames.
type Event struct {
	Kind EventKind
	// At is the frame timestamp that caused the event.
	At time.Duration
	// Segment is set for SegmentReady.
	Segment *Segment
	// MostRecentSpeaking and LongestSilence are the statistics at the time of the event.
	MostRecentSpeaking time.Duration
	LongestSilence     time.Duration
}

// SpeakingEvent converts a speaking transition to its wire representation.
func (e Event) SpeakingEvent() types.SpeakingEvent {
	return types.SpeakingEvent{
		Speaking:                   e.Kind == SpeakingStarted,
		MostRecentSpeakingDuration: e.MostRecentSpeaking.Milliseconds(),
		LongestSilenceDuration:     e.LongestSilence.Milliseconds(),
	}
}
