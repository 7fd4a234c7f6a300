package vad

import "github.com/oszuidwest/zwfm-speechgate/internal/types"

// Default smoothing parameters.
const (
	DefaultEnterThreshold = 0.6
	DefaultExitThreshold  = 0.4
	DefaultSmoothingSize  = 5
)

// Smoother turns noisy per-frame decisions into a stable speaking state
// using hysteresis over the mean confidence of a sliding window.
//
// The state enters speech when the mean reaches enter and the latest raw
// decision is speech, or when the whole window of raw decisions is speech.
// It leaves speech symmetrically using exit. The smoothed state therefore
// never turns to speech before the raw classifier does, and sustained
// speech is always recognized within one window.
type Smoother struct {
	history *History
	enter   float64
	exit    float64

	speaking   bool
	speechRun  int
	silenceRun int
}

// NewSmoother returns a smoother over a window of capacity decisions.
// It requires capacity >= 1 and 0 <= exit < enter <= 1.
func NewSmoother(capacity int, enter, exit float64) (*Smoother, error) {
	if capacity < 1 {
		return nil, types.NewConfigError("smoothing.capacity", "must be at least 1, got %d", capacity)
	}
	if !finite(enter) || !finite(exit) || exit < 0 || enter > 1 || exit >= enter {
		return nil, types.NewConfigError("smoothing", "requires 0 <= exit < enter <= 1, got exit=%v enter=%v", exit, enter)
	}
	return &Smoother{
		history: NewHistory(capacity),
		enter:   enter,
		exit:    exit,
	}, nil
}

// Push records one frame's confidence and raw decision and returns the
// smoothed speaking state.
func (s *Smoother) Push(confidence float64, raw bool) bool {
	if !finite(confidence) {
		confidence = 0
	}
	s.history.Push(min(max(confidence, 0), 1))
	if raw {
		s.speechRun++
		s.silenceRun = 0
	} else {
		s.silenceRun++
		s.speechRun = 0
	}

	window := s.history.Cap()
	mean := s.history.Mean()
	if s.speaking {
		if (mean <= s.exit && !raw) || s.silenceRun >= window {
			s.speaking = false
		}
	} else {
		if (mean >= s.enter && raw) || s.speechRun >= window {
			s.speaking = true
		}
	}
	return s.speaking
}

// Speaking returns the current smoothed state.
func (s *Smoother) Speaking() bool {
	return s.speaking
}

// Mean returns the mean confidence of the window.
func (s *Smoother) Mean() float64 {
	return s.history.Mean()
}

// Reset returns the smoother to silence with an empty window.
func (s *Smoother) Reset() {
	s.history.Reset()
	s.speaking = false
	s.speechRun = 0
	s.silenceRun = 0
}
