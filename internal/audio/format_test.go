package audio

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr string
	}{
		{"default", DefaultFormat(), ""},
		{"float32", Format{SampleRate: 16000, BitsPerSample: 32, Channels: 1, Float: true}, ""},
		{"low rate", Format{SampleRate: 4000, BitsPerSample: 16, Channels: 1}, "sample_rate"},
		{"no channels", Format{SampleRate: 16000, BitsPerSample: 16}, "channels"},
		{"odd depth", Format{SampleRate: 16000, BitsPerSample: 12, Channels: 1}, "bits_per_sample"},
		{"float64", Format{SampleRate: 16000, BitsPerSample: 64, Channels: 1, Float: true}, "bits_per_sample"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *types.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantErr, cfgErr.Field)
		})
	}
}

func TestFormatSizes(t *testing.T) {
	f := Format{SampleRate: 48000, BitsPerSample: 16, Channels: 2, Interleaved: true}

	assert.Equal(t, 960, f.SamplesFor(20*time.Millisecond))
	assert.Equal(t, 3840, f.FrameBytes(960))
	assert.Equal(t, 20*time.Millisecond, f.Duration(960))
	assert.Equal(t, "48000Hz s16 stereo", f.String())
}

func TestFrameDecodesAndMixes(t *testing.T) {
	f := Format{SampleRate: 8000, BitsPerSample: 16, Channels: 2, Interleaved: true}
	fr := NewFrame(3, time.Second, f, EncodeS16LE([]int16{32767, 0, -32767, 0}))

	assert.Equal(t, 2, fr.Len())
	assert.Equal(t, 250*time.Microsecond, fr.Duration())
	assert.InDeltaSlice(t, []float64{0.5, -0.5}, fr.Mono(), 1e-9)
}

func TestSampleFormatNames(t *testing.T) {
	assert.Equal(t, "S16_LE", DefaultFormat().arecordSampleFormat())
	assert.Equal(t, "s24le", Format{BitsPerSample: 24}.ffmpegSampleFormat())
	assert.Equal(t, "FLOAT_LE", Format{BitsPerSample: 32, Float: true}.arecordSampleFormat())
}

func TestParseDeviceOutput(t *testing.T) {
	output := `**** List of CAPTURE Hardware Devices ****
card 0: PCH [HDA Intel PCH], device 0: ALC3246 Analog [ALC3246 Analog]
card 2: Microphone [USB Microphone], device 0: USB Audio [USB Audio]
`
	devices := parseDeviceOutput(output, DeviceListConfig{
		DevicePattern: regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\]`),
		ParseDevice: func(m []string) *Device {
			return &Device{ID: "default:CARD=" + m[2], Name: m[3]}
		},
	})

	require.Len(t, devices, 2)
	assert.Equal(t, Device{ID: "default:CARD=PCH", Name: "HDA Intel PCH"}, devices[0])
	assert.Equal(t, "USB Microphone", devices[1].Name)
}
