package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// wavChunkSamples is the number of samples decoded per read from a WAV file.
const wavChunkSamples = 4096

// ErrInvalidWAV is returned for files that are not PCM WAV.
var ErrInvalidWAV = errors.New("not a valid PCM wav file")

// WAVDevice replays an integer PCM WAV file.
type WAVDevice struct {
	Path string
	// Realtime paces reads to the sample rate.
	Realtime bool
}

// Name implements Device.
func (d *WAVDevice) Name() string { return d.Path }

// Live implements Device.
func (d *WAVDevice) Live() bool { return d.Realtime }

// WAVFormat reads the PCM layout from the header of the WAV file at path.
func WAVFormat(path string) (audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Format{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return audio.Format{}, fmt.Errorf("%s: %w", path, ErrInvalidWAV)
	}
	return audio.Format{
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: int(dec.BitDepth),
		Channels:      int(dec.NumChans),
		Interleaved:   true,
	}, nil
}

// Open implements Device. The file format must match f.
func (d *WAVDevice) Open(ctx context.Context, f audio.Format) (io.ReadCloser, error) {
	file, err := os.Open(d.Path)
	if err != nil {
		return nil, &types.DeviceError{Op: "open", Err: err}
	}

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, &types.DeviceError{Op: "open", Err: fmt.Errorf("%s: %w", d.Path, ErrInvalidWAV)}
	}
	if f.Float || int(dec.SampleRate) != f.SampleRate || int(dec.NumChans) != f.Channels || int(dec.BitDepth) != f.BitsPerSample {
		file.Close()
		return nil, types.NewConfigError("audio", "wav file is %dHz %d-bit %dch, session expects %s",
			dec.SampleRate, dec.BitDepth, dec.NumChans, f.String())
	}

	return &wavStream{
		ctx:    ctx,
		file:   file,
		dec:    dec,
		format: f,
		pace:   d.Realtime,
		start:  time.Now(),
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			Data:   make([]int, wavChunkSamples*f.Channels),
		},
	}, nil
}

// wavStream converts decoded WAV samples back into little-endian PCM bytes.
type wavStream struct {
	ctx     context.Context
	file    *os.File
	dec     *wav.Decoder
	format  audio.Format
	buf     *goaudio.IntBuffer
	pending []byte
	pace    bool
	start   time.Time
	samples int
}

func (s *wavStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wavStream) fill() error {
	if s.pace {
		due := s.start.Add(s.format.Duration(s.samples))
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return s.ctx.Err()
			case <-t.C:
			}
		}
	}

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	s.samples += n / s.format.Channels
	s.pending = encodeInts(s.buf.Data[:n], s.format.BitsPerSample)
	return nil
}

func (s *wavStream) Close() error {
	return s.file.Close()
}

// encodeInts serializes decoder samples in the file's own bit depth.
func encodeInts(data []int, bits int) []byte {
	bps := bits / 8
	out := make([]byte, len(data)*bps)
	for i, v := range data {
		b := out[i*bps:]
		switch bits {
		case 8:
			b[0] = byte(v)
		case 16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case 24:
			b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
		case 32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		}
	}
	return out
}
