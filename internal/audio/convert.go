package audio

import (
	"encoding/binary"
	"math"
)

// Fixed16Scale maps normalized samples onto signed 16-bit values.
// Decoding and encoding use the same scale so that a round trip adds no
// clipping beyond the first quantization.
const Fixed16Scale = 32767.0

// Normalize scales every sample by gain, saturating at [-1,1], and reports the
// largest absolute amplitude of the result. The input is not modified.
func Normalize(samples []float64, gain float64) ([]float64, float64) {
	out := make([]float64, len(samples))
	var peak float64
	for i, s := range samples {
		v := clampUnit(s * gain)
		out[i] = v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return out, peak
}

// FloatToFixed16 converts normalized samples to signed 16-bit PCM using
// round(s*32767), clamped to the int16 range.
func FloatToFixed16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if math.IsNaN(s) {
			continue
		}
		v := math.Round(s * Fixed16Scale)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// Fixed16ToFloat converts signed 16-bit PCM to normalized samples.
// -32768 saturates to -1.
func Fixed16ToFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = clampUnit(float64(s) / Fixed16Scale)
	}
	return out
}

// EncodeS16LE serializes 16-bit samples as little-endian bytes.
func EncodeS16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodeS16LE parses little-endian 16-bit samples. A trailing odd byte is ignored.
func DecodeS16LE(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// Decode converts raw PCM in format f to interleaved samples normalized to
// [-1,1]. 8-bit PCM is unsigned with a 128 offset; wider integer formats are
// signed little-endian. Float samples are passed through unchanged.
func Decode(data []byte, f Format) []float64 {
	bps := f.BytesPerSample()
	if bps == 0 || f.Channels == 0 {
		return nil
	}
	total := len(data) / bps
	perChannel := total / f.Channels
	total = perChannel * f.Channels
	out := make([]float64, total)

	for i := range total {
		src := i
		if !f.Interleaved && f.Channels > 1 {
			// Planar input: channel c of sample n lives at c*perChannel+n.
			n, c := i/f.Channels, i%f.Channels
			src = c*perChannel + n
		}
		out[i] = decodeSample(data[src*bps:src*bps+bps], f)
	}
	return out
}

// decodeSample converts a single little-endian sample.
func decodeSample(b []byte, f Format) float64 {
	if f.Float {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	switch f.BitsPerSample {
	case 8:
		return clampUnit((float64(b[0]) - 128) / 127)
	case 16:
		return clampUnit(float64(int16(binary.LittleEndian.Uint16(b))) / Fixed16Scale)
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xffffff
		}
		return clampUnit(float64(v) / 8388607)
	case 32:
		return clampUnit(float64(int32(binary.LittleEndian.Uint32(b))) / math.MaxInt32)
	default:
		return 0
	}
}

// MixToMono averages interleaved channels into a single channel.
func MixToMono(samples []float64, channels int) []float64 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float64, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// EncodePCM serializes normalized interleaved samples in format f.
// It is the inverse of Decode for interleaved formats.
func EncodePCM(samples []float64, f Format) []byte {
	bps := f.BytesPerSample()
	out := make([]byte, len(samples)*bps)
	for i, s := range samples {
		b := out[i*bps : i*bps+bps]
		if f.Float {
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(s)))
			continue
		}
		s = clampUnit(s)
		switch f.BitsPerSample {
		case 8:
			b[0] = byte(math.Round(s*127 + 128))
		case 16:
			binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(s*Fixed16Scale))))
		case 24:
			v := int32(math.Round(s * 8388607))
			b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
		case 32:
			binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(s*math.MaxInt32))))
		}
	}
	return out
}

// clampUnit saturates v to [-1,1]. NaN maps to zero.
func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
