package pipeline

import (
	"time"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
	"github.com/oszuidwest/zwfm-speechgate/internal/vad"
)

const (
	// DefaultFrameDuration is the playback time covered by one analyzed frame.
	DefaultFrameDuration = 20 * time.Millisecond
	// DefaultProgressInterval is the period of progress events.
	DefaultProgressInterval = 1000 * time.Millisecond
)

// SmoothingConfig configures the decision smoother.
type SmoothingConfig struct {
	Capacity int     `json:"capacity" yaml:"capacity" validate:"gte=1,lte=1000"`
	Enter    float64 `json:"enter" yaml:"enter" validate:"gte=0,lte=1"`
	Exit     float64 `json:"exit" yaml:"exit" validate:"gte=0,lte=1"`
}

// SessionConfig holds everything needed to run one capture session.
type SessionConfig struct {
	// Device supplies the PCM stream.
	Device capture.Device `json:"-" yaml:"-"`
	// Recognizer replaces the built-in WebRTC detector for the recognizer
	// method. It is not closed by the pipeline.
	Recognizer vad.Recognizer `json:"-" yaml:"-"`

	Format           audio.Format    `json:"format"`
	FrameDuration    time.Duration   `json:"frame_duration" validate:"gt=0"`
	Buffers          int             `json:"buffers" validate:"gte=2,lte=64"`
	VAD              vad.Config      `json:"vad"`
	Smoothing        SmoothingConfig `json:"smoothing"`
	Segment          segment.Config  `json:"segment"`
	ProgressInterval time.Duration   `json:"progress_interval" validate:"gte=0"`
	AutoGain         bool            `json:"auto_gain"`
	AutoGainTarget   float64         `json:"auto_gain_target" validate:"gte=0,lte=1"`
}

// DefaultSessionConfig returns the default configuration for dev.
func DefaultSessionConfig(dev capture.Device) SessionConfig {
	return SessionConfig{
		Device:        dev,
		Format:        audio.DefaultFormat(),
		FrameDuration: DefaultFrameDuration,
		Buffers:       capture.DefaultBuffers,
		VAD:           vad.DefaultConfig(),
		Smoothing: SmoothingConfig{
			Capacity: vad.DefaultSmoothingSize,
			Enter:    vad.DefaultEnterThreshold,
			Exit:     vad.DefaultExitThreshold,
		},
		Segment:          segment.DefaultConfig(),
		ProgressInterval: DefaultProgressInterval,
		AutoGainTarget:   audio.DefaultAGCTarget,
	}
}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (c *SessionConfig) SamplesPerFrame() int {
	return c.Format.SamplesFor(c.FrameDuration)
}

// Validate checks the configuration. Invalid values are reported, never
// clamped.
func (c *SessionConfig) Validate() error {
	if verr := util.ValidateStruct(c); verr != nil {
		return types.ConfigErrorFrom(verr)
	}
	if c.Device == nil {
		return types.NewConfigError("device", "is required")
	}
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if _, err := vad.ParseMethod(string(c.VAD.Method)); err != nil {
		return err
	}
	if c.SamplesPerFrame() < 1 {
		return types.NewConfigError("frame_duration", "%v holds no samples at %d Hz", c.FrameDuration, c.Format.SampleRate)
	}
	if c.Smoothing.Exit >= c.Smoothing.Enter {
		return types.NewConfigError("smoothing", "exit (%v) must be below enter (%v)", c.Smoothing.Exit, c.Smoothing.Enter)
	}
	return nil
}
