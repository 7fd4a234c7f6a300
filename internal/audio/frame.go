package audio

import "time"

// Frame is a read-only view over one captured buffer of PCM samples.
// The backing buffer belongs to the frame source and is recycled once the
// frame is released, so callers must copy anything they keep.
type Frame struct {
	// Index is the capture order of the frame, starting at zero.
	Index uint64
	// Timestamp is the offset of the first sample from session start.
	Timestamp time.Duration
	// Format describes the sample layout of the frame.
	Format Format

	data []byte
}

// NewFrame wraps data as a frame. The slice is not copied.
func NewFrame(index uint64, ts time.Duration, f Format, data []byte) Frame {
	return Frame{Index: index, Timestamp: ts, Format: f, data: data}
}

// Bytes returns the raw PCM bytes. The slice must not be modified.
func (fr Frame) Bytes() []byte {
	return fr.data
}

// Len returns the number of samples per channel.
func (fr Frame) Len() int {
	n := fr.Format.FrameBytes(1)
	if n == 0 {
		return 0
	}
	return len(fr.data) / n
}

// Duration returns the playback time covered by the frame.
func (fr Frame) Duration() time.Duration {
	return fr.Format.Duration(fr.Len())
}

// Samples decodes the frame into interleaved samples normalized to [-1,1].
func (fr Frame) Samples() []float64 {
	return Decode(fr.data, fr.Format)
}

// Mono decodes the frame and averages all channels into one.
func (fr Frame) Mono() []float64 {
	return MixToMono(fr.Samples(), fr.Format.Channels)
}
