package vad

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

func TestNewStateRejectsInvalidParameters(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		rate      float64
		opts      []Option
		field     string
	}{
		{"zero rate", 0.05, 0, nil, "adaptation_rate"},
		{"rate above one", 0.05, 1.5, nil, "adaptation_rate"},
		{"nan rate", 0.05, math.NaN(), nil, "adaptation_rate"},
		{"negative threshold", -0.1, 0.1, nil, "initial_threshold"},
		{"infinite threshold", math.Inf(1), 0.1, nil, "initial_threshold"},
		{"threshold above bound", 2, 0.1, nil, "initial_threshold"},
		{"margin below one", 0.05, 0.1, []Option{WithMarginFactor(0.5)}, "margin_factor"},
		{"inverted bounds", 0.05, 0.1, []Option{WithThresholdBounds(0.5, 0.1)}, "threshold_bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewState(tt.threshold, tt.rate, tt.opts...)
			var cfgErr *types.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestClassifyAboveThresholdDoesNotAdapt(t *testing.T) {
	s, err := NewState(0.05, 0.1)
	require.NoError(t, err)

	for range 100 {
		assert.True(t, s.Classify(0.5))
	}
	assert.Equal(t, 0.05, s.Threshold)
	assert.Zero(t, s.Energy)
}

func TestClassifyConvergesTowardMarginTimesNoise(t *testing.T) {
	s, err := NewState(0.05, 0.1)
	require.NoError(t, err)

	for range 200 {
		assert.False(t, s.Classify(0.01))
	}
	assert.InDelta(t, 0.01, s.Energy, 1e-12)
	assert.InDelta(t, 0.02, s.Threshold, 1e-6)
}

func TestClassifyThresholdFallsMonotonically(t *testing.T) {
	s, err := NewState(0.05, 0.1)
	require.NoError(t, err)

	prev := s.Threshold
	for i := range 100 {
		require.False(t, s.Classify(0.01))
		require.LessOrEqual(t, s.Threshold, prev, "frame %d", i)
		require.GreaterOrEqual(t, s.Threshold, 0.02-1e-12, "frame %d", i)
		prev = s.Threshold
	}
}

func TestClassifyLoudBurstKeepsNoiseFloor(t *testing.T) {
	s, err := NewState(0.05, 0.1)
	require.NoError(t, err)
	for range 100 {
		s.Classify(0.01)
	}
	floor, threshold := s.Energy, s.Threshold

	assert.True(t, s.Classify(0.9))
	assert.Equal(t, floor, s.Energy)
	assert.Equal(t, threshold, s.Threshold)

	for range 5 {
		assert.False(t, s.Classify(0.01))
		assert.LessOrEqual(t, s.Threshold, threshold)
	}
	assert.InDelta(t, floor, s.Energy, 1e-12)
	assert.InDelta(t, 0.02, s.Threshold, 1e-6)
}

func TestClassifySeedsNoiseFloorOnFirstSilentFrame(t *testing.T) {
	s, err := NewState(0.05, 0.1)
	require.NoError(t, err)

	s.Classify(0.02)
	assert.Equal(t, 0.02, s.Energy)
	// 0.05 + 0.1*(0.04-0.05)
	assert.InDelta(t, 0.049, s.Threshold, 1e-12)

	s.Classify(0)
	assert.InDelta(t, 0.018, s.Energy, 1e-12)
}

func TestClassifyTracksRisingNoiseBelowThreshold(t *testing.T) {
	s, err := NewState(0.05, 0.1)
	require.NoError(t, err)
	for range 100 {
		s.Classify(0.005)
	}
	low := s.Threshold

	// Noise rises but stays under the threshold; the threshold follows it up.
	for range 300 {
		s.Classify(low * 0.9)
	}
	assert.Greater(t, s.Threshold, low)
}

func TestClassifyStaysInBounds(t *testing.T) {
	s, err := NewState(0.05, 1, WithThresholdBounds(0.01, 0.5))
	require.NoError(t, err)

	for range 10 {
		s.Classify(0)
	}
	assert.InDelta(t, 0.01, s.Threshold, 1e-12)
	assert.GreaterOrEqual(t, s.Threshold, 0.01)
}

func TestClassifySanitizesBadEnergy(t *testing.T) {
	s, err := NewState(0.05, 0.1)
	require.NoError(t, err)

	for _, e := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -1} {
		assert.False(t, s.Classify(e))
		assert.False(t, math.IsNaN(s.Threshold))
		assert.False(t, math.IsNaN(s.Energy))
		assert.GreaterOrEqual(t, s.Threshold, s.MinThreshold)
	}
}

func TestReset(t *testing.T) {
	s, err := NewState(0.05, 0.5)
	require.NoError(t, err)
	s.Classify(0.001)
	s.Reset(0.05)

	assert.Equal(t, 0.05, s.Threshold)
	assert.Zero(t, s.Energy)
	s.Classify(0.03)
	assert.Equal(t, 0.03, s.Energy, "noise floor is seeded again after reset")
}

func TestConfidence(t *testing.T) {
	assert.Zero(t, Confidence(0, 0.05))
	assert.InDelta(t, 0.5, Confidence(0.05, 0.05), 1e-12)
	assert.InDelta(t, 0.75, Confidence(0.1, 0.05), 1e-12)
	assert.Less(t, Confidence(10, 0.05), 1.0+1e-12)
	assert.Zero(t, Confidence(math.NaN(), 0.05))
	assert.Zero(t, Confidence(0.1, 0))

	prev := 0.0
	for e := 0.001; e < 1; e += 0.01 {
		c := Confidence(e, 0.05)
		assert.Greater(t, c, prev)
		prev = c
	}
}
