package segment

import (
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

type chunk struct {
	ts      time.Duration
	dur     time.Duration
	samples []int16
}

// Segmenter turns per-frame speech decisions into segments.
// It is confined to the analysis goroutine.
type Segmenter struct {
	cfg    Config
	format audio.Format

	state    State
	speaking bool
	done     bool

	chunks   []chunk // committed audio of the open segment, or pre-roll while idle
	pending  []chunk // audio received while waiting for the silence timeout
	trailing int

	runStart     time.Duration
	inRun        bool
	silenceStart time.Duration
	inSilence    bool

	longestSilence     time.Duration
	mostRecentSpeaking time.Duration
}

// NewSegmenter returns a Segmenter for frames in format f.
func NewSegmenter(cfg Config, f audio.Format) (*Segmenter, error) {
	switch {
	case cfg.MinSpeechDuration < 0:
		return nil, types.NewConfigError("segment.min_speech_duration", "must not be negative")
	case cfg.SilenceTimeout < 0:
		return nil, types.NewConfigError("segment.silence_timeout", "must not be negative")
	case cfg.MaxSegmentDuration < 0:
		return nil, types.NewConfigError("segment.max_segment_duration", "must not be negative")
	case cfg.PreRollFrames < 0 || cfg.PostRollFrames < 0:
		return nil, types.NewConfigError("segment.roll_frames", "must not be negative")
	}
	return &Segmenter{
		cfg: cfg,
		format: audio.Format{
			SampleRate:    f.SampleRate,
			BitsPerSample: 16,
			Channels:      f.Channels,
			Interleaved:   true,
		},
		state: StateNoSpeech,
	}, nil
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// Speaking reports whether speech is confirmed.
func (s *Segmenter) Speaking() bool { return s.speaking }

// Done reports whether a non-continuous segmenter has delivered its segment.
func (s *Segmenter) Done() bool { return s.done }

// LongestSilence returns the longest pause inside speech seen so far.
func (s *Segmenter) LongestSilence() time.Duration { return s.longestSilence }

// MostRecentSpeaking returns the length of the last completed speech run.
func (s *Segmenter) MostRecentSpeaking() time.Duration { return s.mostRecentSpeaking }

// Process feeds one frame starting at ts and lasting dur. samples are
// interleaved 16-bit PCM and are retained by the Segmenter. speech is the
// smoothed decision for the frame.
func (s *Segmenter) Process(ts, dur time.Duration, samples []int16, speech bool) []Event {
	if s.done {
		return nil
	}

	var events []Event
	events = s.checkTimers(ts, events)
	if s.done {
		return events
	}

	s.route(chunk{ts: ts, dur: dur, samples: samples}, &events)
	events = s.observe(ts, speech, events)
	return s.checkMaxDuration(ts+dur, events)
}

// checkTimers fires the minimum-speech and silence timers that expired by ts.
func (s *Segmenter) checkTimers(ts time.Duration, events []Event) []Event {
	switch s.state {
	case StateWaitingForMinDuration:
		if ts-s.runStart >= s.cfg.MinSpeechDuration {
			events = s.confirmSpeech(ts, events)
		}
	case StateWaitingForSilence:
		if ts-s.silenceStart >= s.cfg.SilenceTimeout {
			events = s.silenceTimeout(ts, events)
		}
	}
	return events
}

// route stores a frame according to the current state.
func (s *Segmenter) route(c chunk, events *[]Event) {
	if !s.cfg.OnlyRecordOnSpeaking {
		s.chunks = append(s.chunks, c)
		return
	}

	switch s.state {
	case StateGettingFinalChunks:
		s.chunks = append(s.chunks, c)
		s.trailing--
		if s.trailing <= 0 {
			s.state = StateNoSpeech
			*events = s.finalize(c.ts, *events)
		}
	case StateSpeaking, StateWaitingForMinDuration:
		s.chunks = append(s.chunks, c)
	case StateWaitingForSilence:
		s.pending = append(s.pending, c)
	case StateNoSpeech:
		// Keep the pre-roll plus the current frame, which may start speech.
		s.chunks = append(s.chunks, c)
		if keep := s.cfg.PreRollFrames + 1; len(s.chunks) > keep {
			s.chunks = append(s.chunks[:0], s.chunks[len(s.chunks)-keep:]...)
		}
	}
}

// observe applies the speech decision of the frame at ts.
func (s *Segmenter) observe(ts time.Duration, speech bool, events []Event) []Event {
	if speech {
		if !s.inRun {
			s.inRun = true
			s.runStart = ts
		}
		switch s.state {
		case StateNoSpeech:
			s.state = StateWaitingForMinDuration
			if s.cfg.MinSpeechDuration == 0 {
				events = s.confirmSpeech(ts, events)
			}
		case StateWaitingForSilence:
			s.chunks = append(s.chunks, s.pending...)
			s.pending = nil
			s.endSilence(ts)
			s.state = StateSpeaking
		case StateGettingFinalChunks:
			s.trailing = 0
			s.state = StateSpeaking
			if !s.speaking {
				s.speaking = true
				events = append(events, s.event(SpeakingStarted, ts))
			}
		}
		return events
	}

	if s.inRun {
		s.inRun = false
		s.mostRecentSpeaking = ts - s.runStart
	}
	switch s.state {
	case StateWaitingForMinDuration:
		s.state = StateNoSpeech
		if s.cfg.OnlyRecordOnSpeaking {
			if keep := s.cfg.PreRollFrames; len(s.chunks) > keep {
				s.chunks = append(s.chunks[:0], s.chunks[len(s.chunks)-keep:]...)
			}
		}
	case StateSpeaking:
		s.state = StateWaitingForSilence
		s.silenceStart = ts
		s.inSilence = true
		if s.cfg.SilenceTimeout == 0 {
			events = s.silenceTimeout(ts, events)
		}
	}
	return events
}

func (s *Segmenter) confirmSpeech(ts time.Duration, events []Event) []Event {
	s.state = StateSpeaking
	if s.speaking {
		return events
	}
	s.speaking = true
	return append(events, s.event(SpeakingStarted, ts))
}

// silenceTimeout ends speech: it keeps PostRollFrames of the trailing audio
// and finishes the segment, waiting for more frames when too few arrived.
func (s *Segmenter) silenceTimeout(ts time.Duration, events []Event) []Event {
	if s.speaking {
		s.speaking = false
		events = append(events, s.event(SpeakingStopped, ts))
	}

	if !s.cfg.OnlyRecordOnSpeaking {
		s.inSilence = false
		s.state = StateNoSpeech
		return events
	}

	s.trailing = s.cfg.PostRollFrames
	take := min(len(s.pending), s.trailing)
	s.chunks = append(s.chunks, s.pending[:take]...)
	s.trailing -= take
	s.pending = nil

	if s.trailing == 0 {
		s.state = StateNoSpeech
		return s.finalize(ts, events)
	}
	s.state = StateGettingFinalChunks
	return events
}

func (s *Segmenter) checkMaxDuration(end time.Duration, events []Event) []Event {
	if s.cfg.MaxSegmentDuration <= 0 || len(s.chunks) == 0 {
		return events
	}
	if s.cfg.OnlyRecordOnSpeaking && s.state != StateSpeaking && s.state != StateWaitingForSilence {
		return events
	}
	if end-s.chunks[0].ts < s.cfg.MaxSegmentDuration {
		return events
	}
	if s.state == StateWaitingForSilence {
		s.chunks = append(s.chunks, s.pending...)
		s.pending = nil
	}
	return s.finalize(end, events)
}

// endSilence records a pause that ended with resumed speech.
func (s *Segmenter) endSilence(ts time.Duration) {
	if !s.inSilence {
		return
	}
	s.inSilence = false
	if d := ts - s.silenceStart; d > s.longestSilence {
		s.longestSilence = d
	}
}

// finalize emits the open segment and resets the buffers.
func (s *Segmenter) finalize(ts time.Duration, events []Event) []Event {
	s.inSilence = false
	if len(s.chunks) == 0 {
		return events
	}

	seg := s.build()
	s.chunks = nil
	s.pending = nil
	s.trailing = 0
	if !s.cfg.ContinuousRecording {
		s.done = true
	}

	ev := s.event(SegmentReady, ts)
	ev.Segment = seg
	return append(events, ev)
}

func (s *Segmenter) build() *Segment {
	n := 0
	for _, c := range s.chunks {
		n += len(c.samples)
	}
	samples := make([]int16, 0, n)
	for _, c := range s.chunks {
		samples = append(samples, c.samples...)
	}
	first, last := s.chunks[0], s.chunks[len(s.chunks)-1]
	return &Segment{
		ID:        uuid.NewString(),
		Format:    s.format,
		Start:     first.ts,
		End:       last.ts + last.dur,
		Samples:   samples,
		Frames:    len(s.chunks),
		CreatedAt: time.Now(),
	}
}

// Flush ends the session at ts. Confirmed speech, audio awaiting the
// silence timeout and, when recording everything, all buffered audio are
// emitted as a final segment. Unconfirmed speech is discarded.
func (s *Segmenter) Flush(ts time.Duration) []Event {
	if s.done {
		return nil
	}

	var events []Event
	if s.inRun {
		s.inRun = false
		s.mostRecentSpeaking = ts - s.runStart
	}
	if s.speaking {
		s.speaking = false
		events = append(events, s.event(SpeakingStopped, ts))
	}

	switch {
	case !s.cfg.OnlyRecordOnSpeaking:
	case s.state == StateSpeaking, s.state == StateGettingFinalChunks:
	case s.state == StateWaitingForSilence:
		take := min(len(s.pending), s.cfg.PostRollFrames)
		s.chunks = append(s.chunks, s.pending[:take]...)
	default:
		s.chunks = nil
	}
	s.pending = nil
	s.state = StateNoSpeech
	return s.finalize(ts, events)
}

// Reset returns the segmenter to its initial state and clears statistics.
func (s *Segmenter) Reset() {
	*s = Segmenter{cfg: s.cfg, format: s.format, state: StateNoSpeech}
}

func (s *Segmenter) event(kind EventKind, ts time.Duration) Event {
	return Event{
		Kind:               kind,
		At:                 ts,
		MostRecentSpeaking: s.mostRecentSpeaking,
		LongestSilence:     s.longestSilence,
	}
}
