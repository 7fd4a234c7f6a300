// Package recording delivers finished speech segments to storage: WAV files
// on disk, S3-compatible object storage and HTTP endpoints.
package recording

import (
	"context"
	"errors"
	"fmt"

	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
)

// Sentinel errors for segment delivery.
var (
	// ErrEmptySegment is returned for segments without audio.
	ErrEmptySegment = errors.New("segment has no audio")
	// ErrQueueFull is returned when the delivery queue cannot accept a segment.
	ErrQueueFull = errors.New("segment queue is full")
	// ErrQueueClosed is returned when writing to a closed queue.
	ErrQueueClosed = errors.New("segment queue is closed")
)

// Sink receives finished segments. Implementations must be safe for use
// from one goroutine at a time.
type Sink interface {
	Write(ctx context.Context, seg *segment.Segment) error
	Close() error
}

// Flusher is implemented by sinks that buffer segments.
type Flusher interface {
	Flush(ctx context.Context) error
}

// MultiSink writes every segment to all sinks.
type MultiSink []Sink

// Write implements Sink. Every sink is attempted; failures are joined.
func (m MultiSink) Write(ctx context.Context, seg *segment.Segment) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, seg); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every sink that buffers.
func (m MultiSink) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if f, ok := s.(Flusher); ok {
			errs = append(errs, f.Flush(ctx))
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, seg *segment.Segment) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, seg *segment.Segment) error { return f(ctx, seg) }

// Close implements Sink.
func (f SinkFunc) Close() error { return nil }

// Config selects the sinks segments are delivered to.
type Config struct {
	WAV       *WAVConfig  `json:"wav,omitempty" yaml:"wav,omitempty"`
	S3        *S3Config   `json:"s3,omitempty" yaml:"s3,omitempty"`
	HTTP      *HTTPConfig `json:"http,omitempty" yaml:"http,omitempty"`
	QueueSize int         `json:"queue_size,omitempty" yaml:"queue_size,omitempty" validate:"gte=0,lte=1024"`
}

// Enabled reports whether any sink is configured.
func (c Config) Enabled() bool {
	return c.WAV != nil || c.S3 != nil || c.HTTP != nil
}

// New builds the configured sinks behind a delivery queue. It returns nil
// when no sink is configured.
func New(cfg Config, opts ...QueueOption) (*Queue, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	var sinks MultiSink
	if cfg.WAV != nil {
		s, err := NewWAVSink(*cfg.WAV)
		if err != nil {
			return nil, fmt.Errorf("wav sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.S3 != nil {
		s, err := NewS3Sink(*cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.HTTP != nil {
		s, err := NewHTTPSink(*cfg.HTTP)
		if err != nil {
			return nil, fmt.Errorf("http sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	var sink Sink = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}
	return NewQueue(sink, cfg.QueueSize, opts...), nil
}
