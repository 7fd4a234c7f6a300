// Package vad classifies audio frames as speech or silence.
//
// The default strategy compares frame energy against a threshold that
// follows the background noise floor. Alternative strategies use a fixed
// dB level or an external recognizer. Decisions are smoothed by a
// hysteretic Smoother before they drive recording.
package vad

import (
	"math"

	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// Default adaptation parameters.
const (
	DefaultInitialThreshold = 0.05
	DefaultAdaptationRate   = 0.1
	DefaultMarginFactor     = 2.0
	DefaultMinThreshold     = 1e-4
	DefaultMaxThreshold     = 1.0
)

// State is the adaptive energy threshold of one capture session.
// It is confined to the analysis goroutine and not safe for concurrent use.
type State struct {
	// Threshold is the current speech/silence decision boundary (linear RMS).
	Threshold float64
	// AdaptationRate is the EMA coefficient applied on silent frames.
	AdaptationRate float64
	// Energy is the smoothed background noise floor.
	Energy float64
	// MarginFactor places the threshold this far above the noise floor.
	MarginFactor float64
	// MinThreshold and MaxThreshold bound the adapted threshold.
	MinThreshold float64
	MaxThreshold float64

	seeded bool
}

// Option configures a State.
type Option func(*State)

// WithMarginFactor sets how far above the noise floor the threshold settles.
func WithMarginFactor(m float64) Option {
	return func(s *State) {
		s.MarginFactor = m
	}
}

// WithThresholdBounds limits the adapted threshold to [lo, hi].
func WithThresholdBounds(lo, hi float64) Option {
	return func(s *State) {
		s.MinThreshold = lo
		s.MaxThreshold = hi
	}
}

// NewState returns a State starting at threshold. Invalid parameters are
// rejected with a *types.ConfigError.
func NewState(threshold, rate float64, opts ...Option) (*State, error) {
	s := &State{
		Threshold:      threshold,
		AdaptationRate: rate,
		MarginFactor:   DefaultMarginFactor,
		MinThreshold:   DefaultMinThreshold,
		MaxThreshold:   DefaultMaxThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}

	switch {
	case !finite(rate) || rate <= 0 || rate > 1:
		return nil, types.NewConfigError("adaptation_rate", "must be in (0,1], got %v", rate)
	case !finite(s.MarginFactor) || s.MarginFactor < 1:
		return nil, types.NewConfigError("margin_factor", "must be at least 1, got %v", s.MarginFactor)
	case !finite(s.MinThreshold) || !finite(s.MaxThreshold) || s.MinThreshold <= 0 || s.MinThreshold >= s.MaxThreshold:
		return nil, types.NewConfigError("threshold_bounds", "invalid range [%v, %v]", s.MinThreshold, s.MaxThreshold)
	case !finite(threshold) || threshold <= 0:
		return nil, types.NewConfigError("initial_threshold", "must be a positive number, got %v", threshold)
	case threshold < s.MinThreshold || threshold > s.MaxThreshold:
		return nil, types.NewConfigError("initial_threshold", "must be between %v and %v, got %v",
			s.MinThreshold, s.MaxThreshold, threshold)
	}
	return s, nil
}

// Classify reports whether energy is speech and adapts the threshold on
// silent frames. Speech frames leave the state untouched so that loud input
// never drags the noise floor up. Non-finite or negative energy counts as
// silence at zero energy.
func (s *State) Classify(energy float64) bool {
	if !finite(energy) || energy < 0 {
		energy = 0
	}
	if energy > s.Threshold {
		return true
	}

	a := s.AdaptationRate
	if !s.seeded {
		s.Energy = energy
		s.seeded = true
	} else {
		s.Energy = s.Energy*(1-a) + energy*a
	}

	target := s.clamp(s.Energy * s.MarginFactor)
	s.Threshold = s.clamp(s.Threshold + a*(target-s.Threshold))
	return false
}

// Reset discards the learned noise floor and restores threshold.
func (s *State) Reset(threshold float64) {
	s.Threshold = s.clamp(threshold)
	s.Energy = 0
	s.seeded = false
}

func (s *State) clamp(v float64) float64 {
	return min(max(v, s.MinThreshold), s.MaxThreshold)
}

// Confidence maps energy relative to threshold onto [0,1): 0 for silence,
// 0.5 at the threshold, approaching 1 for loud input.
func Confidence(energy, threshold float64) float64 {
	if !finite(energy) || energy <= 0 || !finite(threshold) || threshold <= 0 {
		return 0
	}
	c := 1 - math.Exp2(-energy/threshold)
	if !finite(c) {
		return 0
	}
	return min(max(c, 0), 1)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
