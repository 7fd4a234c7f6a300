//go:build cgo && !no_libfvad

package vad

import (
	"errors"
	"fmt"

	"github.com/josharian/fvad"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// FVADRecognizer runs the WebRTC voice activity detector over each frame.
// The probability is the fraction of voiced samples.
type FVADRecognizer struct {
	det  *fvad.Detector
	rate int
}

// NewFVADRecognizer creates a WebRTC detector for format f with an
// aggressiveness mode from 0 (least) to 3 (most).
func NewFVADRecognizer(f audio.Format, mode int) (*FVADRecognizer, error) {
	switch f.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, types.NewConfigError("sample_rate", "webrtc vad supports 8000, 16000, 32000 or 48000 Hz, got %d", f.SampleRate)
	}
	if mode < 0 || mode > 3 {
		return nil, types.NewConfigError("fvad_mode", "must be between 0 and 3, got %d", mode)
	}

	det := fvad.NewDetector()
	if det == nil {
		return nil, errors.New("unable to allocate webrtc vad")
	}
	if err := det.SetSampleRate(f.SampleRate); err != nil {
		det.Close()
		return nil, fmt.Errorf("unable to set the sample rate: %w", err)
	}
	if err := det.SetMode(mode); err != nil {
		det.Close()
		return nil, fmt.Errorf("unable to set the sensitivity mode: %w", err)
	}
	return &FVADRecognizer{det: det, rate: f.SampleRate}, nil
}

// Probability implements Recognizer. The frame is processed in the largest
// of the 30, 20 or 10 ms chunks that fit; a remainder shorter than 10 ms is
// ignored.
func (r *FVADRecognizer) Probability(frame audio.Frame) (float64, error) {
	pcm := audio.FloatToFixed16(frame.Mono())
	per10ms := r.rate / 100

	var voiced, total int
	for len(pcm) >= per10ms {
		n := per10ms
		switch {
		case len(pcm) >= 3*per10ms:
			n = 3 * per10ms
		case len(pcm) >= 2*per10ms:
			n = 2 * per10ms
		}
		active, err := r.det.Process(pcm[:n])
		if err != nil {
			return 0, err
		}
		if active {
			voiced += n
		}
		total += n
		pcm = pcm[n:]
	}
	if total == 0 {
		return 0, nil
	}
	return float64(voiced) / float64(total), nil
}

// Close implements Recognizer.
func (r *FVADRecognizer) Close() error {
	r.det.Close()
	return nil
}
