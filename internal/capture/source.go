package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

const (
	// DefaultBuffers is the number of frame buffers cycled by a Source.
	DefaultBuffers = 3
	// MinBuffers leaves one buffer filling while another is analyzed.
	MinBuffers = 2

	dropLogInterval = time.Second
)

// Source cuts a PCM stream into frames. A fixed pool of buffers cycles
// between the producer (Run) and the consumer (Next/Release):
// free, filling, queued, in analysis, then free again.
//
// When the consumer falls behind on a live device, the producer reclaims the
// oldest queued frame rather than blocking, so capture never stalls. A frame
// returned by Next is never reclaimed before it is released.
type Source struct {
	r          io.Reader
	format     audio.Format
	spf        int
	frameBytes int
	buffers    int
	blocking   bool
	onDrop     func(index uint64)

	mu        sync.Mutex
	free      [][]byte
	queue     []audio.Frame
	held      map[*byte]struct{}
	delivered bool
	lastIndex uint64
	done      bool
	err       error

	ready chan struct{} // queue grew or stream ended
	freed chan struct{} // a buffer was released

	frames      atomic.Uint64
	dropped     atomic.Uint64
	lastDropLog time.Time
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithBuffers sets the size of the buffer pool.
func WithBuffers(n int) SourceOption {
	return func(s *Source) {
		s.buffers = n
	}
}

// WithBlocking makes the producer wait for a free buffer instead of dropping.
// Use it for sources that are not real time, such as files.
func WithBlocking() SourceOption {
	return func(s *Source) {
		s.blocking = true
	}
}

// WithDropHook registers fn to be called with the index of every dropped frame.
func WithDropHook(fn func(index uint64)) SourceOption {
	return func(s *Source) {
		s.onDrop = fn
	}
}

// NewSource returns a Source reading frames of samplesPerFrame samples per
// channel in format f from r.
func NewSource(r io.Reader, f audio.Format, samplesPerFrame int, opts ...SourceOption) (*Source, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if samplesPerFrame < 1 {
		return nil, types.NewConfigError("frame_duration", "must cover at least one sample")
	}

	s := &Source{
		r:          r,
		format:     f,
		spf:        samplesPerFrame,
		frameBytes: f.FrameBytes(samplesPerFrame),
		buffers:    DefaultBuffers,
		held:       make(map[*byte]struct{}),
		ready:      make(chan struct{}, 1),
		freed:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.buffers < MinBuffers {
		return nil, types.NewConfigError("buffers", "must be at least %d, got %d", MinBuffers, s.buffers)
	}

	s.free = make([][]byte, 0, s.buffers)
	for range s.buffers {
		s.free = append(s.free, make([]byte, s.frameBytes))
	}
	s.queue = make([]audio.Frame, 0, s.buffers)
	return s, nil
}

// Run reads frames until end of stream, a read error or ctx cancellation.
// A short final frame is zero-padded. Read failures are returned as
// *types.DeviceError and also reported by Next.
func (s *Source) Run(ctx context.Context) error {
	defer s.finish()

	for index := uint64(0); ; index++ {
		buf, reclaimed, ok := s.acquire(ctx)
		if !ok {
			return nil
		}

		n, err := io.ReadFull(s.r, buf)
		partial := false
		switch {
		case err == nil:
		case errors.Is(err, io.ErrUnexpectedEOF):
			clear(buf[n:])
			partial = true
		case errors.Is(err, io.EOF):
			s.giveBack(buf, reclaimed)
			return nil
		default:
			s.discard(buf, reclaimed)
			if ctx.Err() != nil {
				return nil
			}
			derr := &types.DeviceError{Op: "read", Err: err}
			s.mu.Lock()
			s.err = derr
			s.mu.Unlock()
			return derr
		}

		if reclaimed != nil {
			s.drop(*reclaimed)
		}
		s.enqueue(audio.NewFrame(index, s.format.Duration(int(index)*s.spf), s.format, buf))

		if partial {
			return nil
		}
	}
}

// acquire returns a buffer to fill. On a live source with no free buffer it
// takes the oldest queued frame and returns it as reclaimed; the frame only
// counts as dropped once the buffer is actually refilled.
func (s *Source) acquire(ctx context.Context) ([]byte, *audio.Frame, bool) {
	for {
		s.mu.Lock()
		if n := len(s.free); n > 0 {
			buf := s.free[n-1]
			s.free = s.free[:n-1]
			s.mu.Unlock()
			return buf, nil, true
		}
		if !s.blocking && len(s.queue) > 0 {
			old := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return old.Bytes(), &old, true
		}
		s.mu.Unlock()

		select {
		case <-s.freed:
		case <-ctx.Done():
			return nil, nil, false
		}
	}
}

// giveBack returns an unfilled buffer. A reclaimed frame goes back to the
// head of the queue unless the consumer has already moved past it.
func (s *Source) giveBack(buf []byte, reclaimed *audio.Frame) {
	s.mu.Lock()
	if reclaimed != nil && (!s.delivered || reclaimed.Index > s.lastIndex) {
		s.queue = append([]audio.Frame{*reclaimed}, s.queue...)
		s.mu.Unlock()
		return
	}
	s.free = append(s.free, buf)
	s.mu.Unlock()
	if reclaimed != nil {
		s.drop(*reclaimed)
	}
}

// discard frees a buffer the failed read may have partly overwritten. A
// reclaimed frame in it is lost and counts as dropped.
func (s *Source) discard(buf []byte, reclaimed *audio.Frame) {
	s.mu.Lock()
	s.free = append(s.free, buf)
	s.mu.Unlock()
	if reclaimed != nil {
		s.drop(*reclaimed)
	}
}

func (s *Source) enqueue(fr audio.Frame) {
	s.mu.Lock()
	s.queue = append(s.queue, fr)
	s.mu.Unlock()
	s.frames.Add(1)
	notify(s.ready)
}

func (s *Source) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	notify(s.ready)
}

func (s *Source) drop(fr audio.Frame) {
	total := s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop(fr.Index)
	}
	if now := time.Now(); now.Sub(s.lastDropLog) >= dropLogInterval {
		s.lastDropLog = now
		slog.Warn("analysis overrun, dropping oldest frame", "frame", fr.Index, "dropped_total", total)
		return
	}
	slog.Debug("dropped frame", "frame", fr.Index)
}

// Next returns the next frame in capture order. After the stream ends it
// returns io.EOF, or the read failure that ended it.
func (s *Source) Next(ctx context.Context) (audio.Frame, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			fr := s.queue[0]
			s.queue = s.queue[1:]
			s.held[&fr.Bytes()[0]] = struct{}{}
			s.delivered = true
			s.lastIndex = fr.Index
			s.mu.Unlock()
			return fr, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return audio.Frame{}, err
			}
			return audio.Frame{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}
}

// Release returns the buffer of a frame obtained from Next to the pool.
// Releasing a frame twice, or one not obtained from Next, has no effect.
func (s *Source) Release(fr audio.Frame) {
	data := fr.Bytes()
	if len(data) == 0 {
		return
	}
	key := &data[0]

	s.mu.Lock()
	if _, ok := s.held[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.held, key)
	s.free = append(s.free, data[:s.frameBytes])
	s.mu.Unlock()
	notify(s.freed)
}

// Frames returns the number of frames produced.
func (s *Source) Frames() uint64 {
	return s.frames.Load()
}

// Dropped returns the number of frames discarded on overrun.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// Format returns the PCM format of every frame.
func (s *Source) Format() audio.Format {
	return s.format
}

// SamplesPerFrame returns the frame length in samples per channel.
func (s *Source) SamplesPerFrame() int {
	return s.spf
}

// notify leaves a wake-up token on ch without blocking.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
