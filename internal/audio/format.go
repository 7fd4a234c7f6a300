package audio

import (
	"fmt"
	"time"

	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// Default capture format: 48 kHz mono signed 16-bit.
const (
	DefaultSampleRate    = 48000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

// Format describes the PCM layout of every frame in one capture session.
type Format struct {
	SampleRate    int  `json:"sample_rate" yaml:"sample_rate"`
	BitsPerSample int  `json:"bits_per_sample" yaml:"bits_per_sample"`
	Channels      int  `json:"channels" yaml:"channels"`
	Float         bool `json:"float" yaml:"float"`
	Interleaved   bool `json:"interleaved" yaml:"interleaved"`
}

// DefaultFormat returns the default capture format.
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		BitsPerSample: DefaultBitsPerSample,
		Channels:      DefaultChannels,
		Interleaved:   true,
	}
}

// Validate reports a ConfigError when the format cannot be captured or decoded.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return types.NewConfigError("sample_rate", "must be between 8000 and 192000, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return types.NewConfigError("channels", "must be between 1 and 8, got %d", f.Channels)
	}
	if f.Float {
		if f.BitsPerSample != 32 {
			return types.NewConfigError("bits_per_sample", "float samples must be 32 bits, got %d", f.BitsPerSample)
		}
		return nil
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
		return nil
	default:
		return types.NewConfigError("bits_per_sample", "must be 8, 16, 24 or 32, got %d", f.BitsPerSample)
	}
}

// BytesPerSample returns the size of one sample of one channel.
func (f Format) BytesPerSample() int {
	return f.BitsPerSample / 8
}

// FrameBytes returns the byte size of a frame holding samplesPerChannel samples.
func (f Format) FrameBytes(samplesPerChannel int) int {
	return samplesPerChannel * f.Channels * f.BytesPerSample()
}

// SamplesFor returns the number of samples per channel covering d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration returns the playback time of samplesPerChannel samples.
func (f Format) Duration(samplesPerChannel int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(int64(samplesPerChannel) * int64(time.Second) / int64(f.SampleRate))
}

// String returns a human-readable description, e.g. "48000Hz s16 mono".
func (f Format) String() string {
	ch := "mono"
	switch f.Channels {
	case 1:
	case 2:
		ch = "stereo"
	default:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	kind := "s"
	switch {
	case f.Float:
		kind = "f"
	case f.BitsPerSample == 8:
		kind = "u"
	}
	return fmt.Sprintf("%dHz %s%d %s", f.SampleRate, kind, f.BitsPerSample, ch)
}

// arecordSampleFormat returns the ALSA sample format name.
func (f Format) arecordSampleFormat() string {
	switch {
	case f.Float:
		return "FLOAT_LE"
	case f.BitsPerSample == 8:
		return "U8"
	case f.BitsPerSample == 24:
		return "S24_3LE"
	case f.BitsPerSample == 32:
		return "S32_LE"
	default:
		return "S16_LE"
	}
}

// ffmpegSampleFormat returns the FFmpeg raw PCM muxer name.
func (f Format) ffmpegSampleFormat() string {
	switch {
	case f.Float:
		return "f32le"
	case f.BitsPerSample == 8:
		return "u8"
	case f.BitsPerSample == 24:
		return "s24le"
	case f.BitsPerSample == 32:
		return "s32le"
	default:
		return "s16le"
	}
}
