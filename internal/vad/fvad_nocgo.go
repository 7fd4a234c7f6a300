//go:build !cgo || no_libfvad

package vad

import (
	"errors"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
)

// ErrFVADUnavailable is returned when the binary was built without cgo or
// with the no_libfvad tag.
var ErrFVADUnavailable = errors.New("webrtc vad requires a cgo build without no_libfvad")

// FVADRecognizer is unavailable in this build.
type FVADRecognizer struct{}

// NewFVADRecognizer always fails in this build.
func NewFVADRecognizer(audio.Format, int) (*FVADRecognizer, error) {
	return nil, ErrFVADUnavailable
}

// Probability implements Recognizer.
func (*FVADRecognizer) Probability(audio.Frame) (float64, error) {
	return 0, ErrFVADUnavailable
}

// Close implements Recognizer.
func (*FVADRecognizer) Close() error { return nil }
