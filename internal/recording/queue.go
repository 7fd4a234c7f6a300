package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

const (
	// DefaultQueueSize is the number of segments buffered for delivery.
	DefaultQueueSize = 32
	// deliveryTimeout bounds a single delivery attempt.
	deliveryTimeout = 5 * time.Minute
)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithRetries sets how often a failed delivery is retried.
func WithRetries(n int) QueueOption {
	return func(q *Queue) { q.retries = max(n, 0) }
}

// WithRetryDelay sets the backoff between delivery attempts.
func WithRetryDelay(initial, maxDelay time.Duration) QueueOption {
	return func(q *Queue) { q.initialDelay, q.maxDelay = initial, maxDelay }
}

// WithErrorHandler is called for every segment that could not be delivered.
func WithErrorHandler(fn func(*segment.Segment, error)) QueueOption {
	return func(q *Queue) { q.onError = fn }
}

// WithDeliveredHandler is called for every delivered segment.
func WithDeliveredHandler(fn func(*segment.Segment)) QueueOption {
	return func(q *Queue) { q.onDelivered = fn }
}

// Queue delivers segments to a sink from a background worker so writers
// never block on storage. Close drains the queue before closing the sink.
type Queue struct {
	sink         Sink
	items        chan *segment.Segment
	retries      int
	initialDelay time.Duration
	maxDelay     time.Duration
	onError      func(*segment.Segment, error)
	onDelivered  func(*segment.Segment)

	mu      sync.Mutex
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewQueue starts a delivery worker for sink. A size below one selects
// DefaultQueueSize.
func NewQueue(sink Sink, size int, opts ...QueueOption) *Queue {
	if size < 1 {
		size = DefaultQueueSize
	}
	q := &Queue{
		sink:         sink,
		items:        make(chan *segment.Segment, size),
		retries:      types.MaxSinkRetries,
		initialDelay: types.InitialRetryDelay,
		maxDelay:     types.MaxRetryDelay,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wg.Go(q.worker)
	return q
}

// Write implements Sink. It returns ErrQueueFull instead of blocking.
func (q *Queue) Write(_ context.Context, seg *segment.Segment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pending.Add(1)
	select {
	case q.items <- seg:
		return nil
	default:
		q.pending.Add(-1)
		slog.Warn("segment queue full", "id", seg.ID)
		return ErrQueueFull
	}
}

// Depth returns the number of segments not yet delivered, including the
// one in flight.
func (q *Queue) Depth() int {
	return int(q.pending.Load())
}

// Flush waits until every queued segment has been handled and flushes the
// sink when it buffers.
func (q *Queue) Flush(ctx context.Context) error {
	ticker := time.NewTicker(types.PollInterval)
	defer ticker.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if f, ok := q.sink.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// Close stops accepting segments, delivers the remaining ones and closes
// the sink.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	return q.sink.Close()
}

// worker delivers queued segments, draining remaining items on shutdown.
func (q *Queue) worker() {
	for {
		select {
		case <-q.stopCh:
			for {
				select {
				case seg := <-q.items:
					q.deliver(seg)
				default:
					return
				}
			}
		case seg := <-q.items:
			q.deliver(seg)
		}
	}
}

func (q *Queue) deliver(seg *segment.Segment) {
	defer q.pending.Add(-1)

	backoff := util.NewBackoff(q.initialDelay, q.maxDelay)
	var err error
	for attempt := 0; attempt <= q.retries; attempt++ {
		if attempt > 0 {
			if !q.wait(backoff.Next()) {
				slog.Warn("queue closing, abandoning retries", "id", seg.ID, "attempts", attempt)
				break
			}
			slog.Info("retrying segment delivery", "id", seg.ID, "attempt", attempt, "error", err)
		}
		if err = q.write(seg); err == nil || errors.Is(err, ErrEmptySegment) {
			break
		}
	}

	if err != nil {
		slog.Error("segment delivery failed", "id", seg.ID, "error", err)
		if q.onError != nil {
			q.onError(seg, err)
		}
		return
	}
	if q.onDelivered != nil {
		q.onDelivered(seg)
	}
}

// wait sleeps for d and reports false when the queue is closed first.
func (q *Queue) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (q *Queue) write(seg *segment.Segment) error {
	ctx, cancel := context.WithTimeoutCause(context.Background(), deliveryTimeout, errors.New("segment delivery timeout"))
	defer cancel()
	return q.sink.Write(ctx, seg)
}
