package vad

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

type fakeRecognizer struct {
	p      float64
	err    error
	closed bool
}

func (f *fakeRecognizer) Probability(audio.Frame) (float64, error) { return f.p, f.err }
func (f *fakeRecognizer) Close() error {
	f.closed = true
	return nil
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodEnergy, m)

	m, err = ParseMethod("volume_threshold")
	require.NoError(t, err)
	assert.Equal(t, MethodVolumeThreshold, m)

	_, err = ParseMethod("neural")
	var cfgErr *types.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestEnergyDetectorReportsThresholdAndConfidence(t *testing.T) {
	d, err := New(DefaultConfig(), audio.DefaultFormat(), nil)
	require.NoError(t, err)

	dec, err := d.Classify(audio.Frame{}, audio.Levels{RMS: 0.05, DB: -26})
	require.NoError(t, err)
	assert.False(t, dec.IsSpeech, "equal to threshold is silence")
	assert.InDelta(t, 0.5, dec.Confidence, 1e-12)
	assert.Equal(t, -26.0, dec.Level)

	dec, err = d.Classify(audio.Frame{}, audio.Levels{RMS: 0.2})
	require.NoError(t, err)
	assert.True(t, dec.IsSpeech)
	assert.Greater(t, dec.Confidence, 0.9)
	require.NoError(t, d.Close())
}

func TestLevelDetector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = MethodVolumeThreshold
	d, err := New(cfg, audio.DefaultFormat(), nil)
	require.NoError(t, err)

	tests := []struct {
		db     float64
		speech bool
	}{
		{-160, false},
		{-50, false},
		{-49, true},
		{-10, true},
	}
	for _, tt := range tests {
		dec, err := d.Classify(audio.Frame{}, audio.Levels{DB: tt.db})
		require.NoError(t, err)
		assert.Equal(t, tt.speech, dec.IsSpeech, "db=%v", tt.db)
	}

	dec, _ := d.Classify(audio.Frame{}, audio.Levels{DB: -50})
	assert.InDelta(t, 0.5, dec.Confidence, 1e-12)
}

func TestLevelDetectorRejectsPositiveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = MethodVolumeThreshold
	cfg.LevelThresholdDB = 3
	_, err := New(cfg, audio.DefaultFormat(), nil)
	var cfgErr *types.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestRecognizerDetectorBlends(t *testing.T) {
	rec := &fakeRecognizer{p: 0.8}
	cfg := DefaultConfig()
	cfg.Method = MethodRecognizer
	cfg.BlendWeight = 0.5
	d, err := New(cfg, audio.DefaultFormat(), rec)
	require.NoError(t, err)

	// Energy at threshold gives 0.5; blended (0.8+0.5)/2 = 0.65 < 0.75.
	dec, err := d.Classify(audio.Frame{}, audio.Levels{RMS: 0.05})
	require.NoError(t, err)
	assert.InDelta(t, 0.65, dec.Confidence, 1e-12)
	assert.False(t, dec.IsSpeech)

	rec.p = 1
	dec, err = d.Classify(audio.Frame{}, audio.Levels{RMS: 0.2})
	require.NoError(t, err)
	assert.True(t, dec.IsSpeech)

	require.NoError(t, d.Close())
	assert.False(t, rec.closed, "caller-supplied recognizer stays open")
}

func TestRecognizerDetectorPropagatesFailure(t *testing.T) {
	boom := errors.New("model crashed")
	cfg := DefaultConfig()
	cfg.Method = MethodRecognizer
	d, err := New(cfg, audio.DefaultFormat(), &fakeRecognizer{err: boom})
	require.NoError(t, err)

	dec, err := d.Classify(audio.Frame{}, audio.Levels{RMS: 0.01, DB: -40})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, -40.0, dec.Level)
}

func TestRecognizerProbabilityIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = MethodRecognizer
	d, err := New(cfg, audio.DefaultFormat(), &fakeRecognizer{p: 7})
	require.NoError(t, err)

	dec, err := d.Classify(audio.Frame{}, audio.Levels{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, dec.Confidence)
}
