// Package pipeline runs capture sessions: it pulls frames from a device,
// classifies them, smooths the decisions, cuts speech segments and reports
// everything to callbacks, a message hub and the configured sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/eventlog"
	"github.com/oszuidwest/zwfm-speechgate/internal/metrics"
	"github.com/oszuidwest/zwfm-speechgate/internal/recording"
	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

const (
	// sinkFlushTimeout bounds how long teardown waits for segment delivery.
	sinkFlushTimeout = 30 * time.Second
	// warnInterval rate limits repeated per-frame warnings.
	warnInterval = time.Second
)

// Sentinel errors for pipeline operations.
var (
	ErrAlreadyRunning = errors.New("pipeline already running")
	ErrNotRunning     = errors.New("pipeline not running")
	ErrNotInitialized = errors.New("pipeline not initialized")
	// ErrSessionActive rejects re-initialization while a session runs.
	ErrSessionActive = types.NewConfigError("session", "cannot re-initialize while a session is running")
)

// Callbacks receive pipeline events. OnDecision, OnSpeaking and OnSegment
// run on the analysis goroutine and must not block; OnProgress runs on the
// progress ticker. OnTerminal is called once per session with nil on
// success, before Stop and Wait return; it must not call either.
type Callbacks struct {
	OnDecision func(types.DecisionEvent)
	OnProgress func(types.ProgressEvent)
	OnSpeaking func(types.SpeakingEvent)
	OnSegment  func(types.SegmentEvent)
	OnTerminal func(error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithCallbacks sets the event callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) { c.callbacks = cb }
}

// WithSink delivers finished segments to sink. The controller flushes but
// never closes it.
func WithSink(sink recording.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHub publishes events as websocket messages on hub.
func WithHub(h *Hub) Option {
	return func(c *Controller) { c.hub = h }
}

// WithEventLog records session, speech and segment events.
func WithEventLog(l *eventlog.Logger) Option {
	return func(c *Controller) { c.events = l }
}

// Controller owns at most one capture session.
type Controller struct {
	callbacks Callbacks
	sink      recording.Sink
	metrics   *metrics.Metrics
	hub       *Hub
	events    *eventlog.Logger

	mu        sync.RWMutex
	state     types.PipelineState
	cfg       *SessionConfig
	prepared  *Analyzer // Built by Init, consumed by the next Start
	current   *session
	lastError string
}

// session is one run from Start until the stream ends or Stop.
type session struct {
	id       string
	cfg      SessionConfig
	analyzer *Analyzer
	source   *capture.Source
	stream   *onceCloser
	cancel   context.CancelFunc
	started  time.Time
	done     chan struct{}

	// Set before done is closed.
	err     error
	stopErr error

	analyzed     atomic.Uint64
	speechFrames atomic.Uint64
	segments     atomic.Int64

	statsMu sync.Mutex
	stats   sessionStats

	lastWarn time.Time
}

// sessionStats is the latest analysis snapshot, guarded by statsMu.
type sessionStats struct {
	speaking       bool
	threshold      float64
	level          float64
	peak           float64
	segmenterState segment.State
	longestSilence time.Duration
	recentSpeaking time.Duration
}

// New returns a stopped controller.
func New(opts ...Option) *Controller {
	c := &Controller{state: types.StateStopped}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init validates cfg and prepares a session. It replaces a previous
// configuration unless a session is running.
func (c *Controller) Init(cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.StateStopped {
		return ErrSessionActive
	}

	an, err := NewAnalyzer(cfg)
	if err != nil {
		return err
	}
	if c.prepared != nil {
		if err := c.prepared.Close(); err != nil {
			slog.Warn("failed to close previous detector", "error", err)
		}
	}
	c.cfg = &cfg
	c.prepared = an
	slog.Info("pipeline initialized",
		"format", cfg.Format.String(),
		"method", cfg.VAD.Method,
		"frame_duration", cfg.FrameDuration,
		"device", cfg.Device.Name())
	return nil
}

// State returns the current pipeline state.
func (c *Controller) State() types.PipelineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsRunning reports whether a session is running.
func (c *Controller) IsRunning() bool {
	return c.State() == types.StateRunning
}

// Config returns a copy of the current session configuration.
func (c *Controller) Config() (SessionConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfg == nil {
		return SessionConfig{}, false
	}
	return *c.cfg, true
}

// Start opens the device and begins analysis. ctx bounds the session's
// lifetime; cancelling it ends the session like Stop. A device failure is
// returned as *types.DeviceError and leaves the pipeline stopped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		return ErrNotInitialized
	}
	if c.state != types.StateStopped {
		return ErrAlreadyRunning
	}

	c.state = types.StateStarting
	cfg := *c.cfg

	an := c.prepared
	c.prepared = nil
	if an == nil {
		var err error
		if an, err = NewAnalyzer(cfg); err != nil {
			c.state = types.StateStopped
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) error {
		cancel()
		if cerr := an.Close(); cerr != nil {
			slog.Warn("failed to close detector", "error", cerr)
		}
		c.state = types.StateStopped
		c.lastError = err.Error()
		slog.Error("failed to start session", "device", cfg.Device.Name(), "error", err)
		return err
	}

	stream, err := cfg.Device.Open(runCtx, cfg.Format)
	if err != nil {
		var derr *types.DeviceError
		if !errors.As(err, &derr) {
			err = &types.DeviceError{Op: "open", Err: err}
		}
		return fail(err)
	}
	oc := &onceCloser{ReadCloser: stream}
	// Closing the stream unblocks a pending read once the session ends.
	context.AfterFunc(runCtx, func() { _ = oc.Close() })

	s := &session{
		id:       uuid.NewString(),
		cfg:      cfg,
		analyzer: an,
		stream:   oc,
		cancel:   cancel,
		started:  time.Now(),
		done:     make(chan struct{}),
	}

	opts := []capture.SourceOption{
		capture.WithBuffers(cfg.Buffers),
		capture.WithDropHook(func(uint64) { c.metrics.AddDropped(1) }),
	}
	if !cfg.Device.Live() {
		opts = append(opts, capture.WithBlocking())
	}
	src, err := capture.NewSource(oc, cfg.Format, cfg.SamplesPerFrame(), opts...)
	if err != nil {
		_ = oc.Close()
		return fail(err)
	}
	s.source = src

	g, gctx := errgroup.WithContext(runCtx)
	progressCtx, stopProgress := context.WithCancel(gctx)
	g.Go(func() error {
		return src.Run(gctx)
	})
	g.Go(func() error {
		defer stopProgress()
		return c.analyze(gctx, s)
	})
	g.Go(func() error {
		return capture.RunProgress(progressCtx, cfg.ProgressInterval, src.Frames, c.emitProgress)
	})

	c.current = s
	c.state = types.StateRunning
	c.lastError = ""
	go c.finish(s, g)

	slog.Info("session started", "session_id", s.id, "device", cfg.Device.Name(), "live", cfg.Device.Live())
	c.logSession(eventlog.SessionStarted, s, nil)
	return nil
}

// Stop ends the running session and blocks until the device is released,
// the open segment is finalized and the sink is flushed. It returns the
// teardown errors.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != types.StateRunning || c.current == nil {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = types.StateStopping
	s := c.current
	c.mu.Unlock()

	slog.Info("stopping session", "session_id", s.id)
	s.requestStop()
	<-s.done
	return s.stopErr
}

// Wait blocks until the current session ends and returns its terminal
// error. It returns nil immediately when no session was started.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.err
	}
}

// Err returns the terminal error of the last finished session.
func (c *Controller) Err() error {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cleanup stops a running session and discards the configuration.
func (c *Controller) Cleanup() error {
	var errs []error
	if err := c.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prepared != nil {
		errs = append(errs, c.prepared.Close())
		c.prepared = nil
	}
	c.cfg = nil
	return errors.Join(errs...)
}

// Status returns a snapshot of the pipeline.
func (c *Controller) Status() types.PipelineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := types.PipelineStatus{
		State:     c.state,
		LastError: c.lastError,
	}
	if c.cfg != nil {
		st.DetectionMethod = string(c.cfg.VAD.Method)
	}
	if q, ok := c.sink.(interface{ Depth() int }); ok {
		st.SinkQueueDepth = q.Depth()
	}

	s := c.current
	if s == nil {
		return st
	}
	st.SessionID = s.id
	if c.state == types.StateRunning {
		st.Uptime = time.Since(s.started).Truncate(time.Second).String()
	}
	st.Frames = s.analyzed.Load()
	st.Dropped = s.source.Dropped()
	st.SpeechFrames = s.speechFrames.Load()
	st.Segments = s.segments.Load()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st.Speaking = s.stats.speaking
	st.Threshold = s.stats.threshold
	st.Level = s.stats.level
	st.PeakLevel = s.stats.peak
	st.SegmenterState = string(s.stats.segmenterState)
	st.LongestSilenceMs = s.stats.longestSilence.Milliseconds()
	st.RecentSpeakingMs = s.stats.recentSpeaking.Milliseconds()
	return st
}

// analyze is the consumer loop: one frame at a time from the source
// through the analyzer to the event outputs.
func (c *Controller) analyze(ctx context.Context, s *session) error {
	for {
		fr, err := s.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		start := time.Now()
		res, aerr := s.analyzer.Process(fr, start)
		s.source.Release(fr)
		if aerr != nil {
			s.warn("frame analysis degraded", "frame", fr.Index, "error", aerr)
		}

		s.analyzed.Add(1)
		dec := res.Decision
		if dec.IsSpeech {
			s.speechFrames.Add(1)
		}
		c.metrics.ObserveFrame(dec.Level, dec.Threshold, dec.IsSpeech, time.Since(start))

		seg := s.analyzer.Segmenter()
		s.statsMu.Lock()
		s.stats = sessionStats{
			speaking:       dec.IsSpeech,
			threshold:      dec.Threshold,
			level:          dec.Level,
			peak:           res.PeakDB,
			segmenterState: seg.State(),
			longestSilence: seg.LongestSilence(),
			recentSpeaking: seg.MostRecentSpeaking(),
		}
		s.statsMu.Unlock()

		if cb := c.callbacks.OnDecision; cb != nil {
			cb(dec)
		}
		c.hub.Publish(types.WSDecisionResponse{Type: "decision", Decision: dec})

		c.dispatch(s, res.Events)

		if seg.Done() {
			slog.Info("segment recorded, ending session", "session_id", s.id)
			s.requestStop()
			return nil
		}
	}
}

// dispatch forwards segmenter events.
func (c *Controller) dispatch(s *session, events []segment.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case segment.SpeakingStarted, segment.SpeakingStopped:
			sp := ev.SpeakingEvent()
			kind := eventlog.SpeakingStopped
			if sp.Speaking {
				kind = eventlog.SpeakingStarted
			}
			slog.Debug("speaking changed", "session_id", s.id, "speaking", sp.Speaking, "at", ev.At)
			if cb := c.callbacks.OnSpeaking; cb != nil {
				cb(sp)
			}
			c.hub.Publish(types.WSSpeakingResponse{Type: "speaking", Speaking: sp})
			c.logEvent(c.events.LogSpeech(kind, s.id, eventlog.SpeechDetails{
				OffsetMs:           ev.At.Milliseconds(),
				MostRecentSpeaking: sp.MostRecentSpeakingDuration,
				LongestSilence:     sp.LongestSilenceDuration,
			}))

		case segment.SegmentReady:
			c.deliver(s, ev.Segment)
		}
	}
}

// deliver hands a finished segment to the outputs and the sink.
func (c *Controller) deliver(s *session, seg *segment.Segment) {
	s.segments.Add(1)
	c.metrics.ObserveSegment(seg.Duration())
	slog.Info("segment ready", "session_id", s.id, "id", seg.ID, "start", seg.Start, "duration", seg.Duration())

	ev := seg.Event()
	if cb := c.callbacks.OnSegment; cb != nil {
		cb(ev)
	}
	c.hub.Publish(types.WSSegmentResponse{Type: "segment", Segment: ev})
	c.logEvent(c.events.LogSegment(eventlog.SegmentReady, s.id, eventlog.SegmentDetails{
		SegmentID:  seg.ID,
		StartMs:    seg.Start.Milliseconds(),
		DurationMs: seg.Duration().Milliseconds(),
	}))

	if c.sink == nil {
		return
	}
	if err := c.sink.Write(context.Background(), seg); err != nil {
		slog.Warn("failed to queue segment", "session_id", s.id, "id", seg.ID, "error", err)
		c.metrics.SinkError()
		c.logEvent(c.events.LogSegment(eventlog.SegmentFailed, s.id, eventlog.SegmentDetails{SegmentID: seg.ID, Error: err.Error()}))
	}
	if q, ok := c.sink.(interface{ Depth() int }); ok {
		c.metrics.SetQueueDepth(q.Depth())
	}
}

// finish waits for the session goroutines and tears the session down.
func (c *Controller) finish(s *session, g *errgroup.Group) {
	err := g.Wait()
	s.cancel()

	var errs []error
	if cerr := s.stream.Close(); cerr != nil {
		errs = append(errs, fmt.Errorf("close device: %w", cerr))
	}

	// The analysis goroutine has exited; the analyzer is ours now.
	c.dispatch(s, s.analyzer.Flush())
	if f, ok := c.sink.(recording.Flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), sinkFlushTimeout)
		if ferr := f.Flush(ctx); ferr != nil {
			errs = append(errs, fmt.Errorf("flush sink: %w", ferr))
		}
		cancel()
	}
	if cerr := s.analyzer.Close(); cerr != nil {
		errs = append(errs, fmt.Errorf("close detector: %w", cerr))
	}

	s.err = err
	s.stopErr = errors.Join(errs...)

	outcome := "completed"
	c.mu.Lock()
	if c.state == types.StateStopping {
		outcome = "stopped"
	}
	c.state = types.StateStopped
	if err != nil {
		outcome = "failed"
		c.lastError = err.Error()
	} else if s.stopErr != nil {
		c.lastError = s.stopErr.Error()
	}
	c.mu.Unlock()

	c.metrics.SessionEnded(outcome)
	if err != nil {
		slog.Error("session failed", "session_id", s.id, "error", err)
		c.logSession(eventlog.SessionError, s, err)
	} else {
		slog.Info("session ended", "session_id", s.id, "outcome", outcome,
			"frames", s.analyzed.Load(), "dropped", s.source.Dropped(), "segments", s.segments.Load())
		c.logSession(eventlog.SessionStopped, s, nil)
	}
	ended := types.WSSessionEndedResponse{Type: "session_ended", SessionID: s.id, Outcome: outcome}
	if err != nil {
		ended.Error = err.Error()
	}
	c.hub.Publish(ended)

	if cb := c.callbacks.OnTerminal; cb != nil {
		cb(err)
	}
	close(s.done)
}

func (c *Controller) emitProgress(ev types.ProgressEvent) {
	if cb := c.callbacks.OnProgress; cb != nil {
		cb(ev)
	}
	c.hub.Publish(types.WSProgressResponse{Type: "progress", Progress: ev})
}

func (c *Controller) logSession(kind eventlog.EventType, s *session, err error) {
	d := eventlog.SessionDetails{
		Device:  s.cfg.Device.Name(),
		Method:  string(s.cfg.VAD.Method),
		Frames:  s.analyzed.Load(),
		Dropped: s.source.Dropped(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	c.logEvent(c.events.LogSession(kind, s.id, d))
}

func (c *Controller) logEvent(err error) {
	if err != nil {
		slog.Warn("failed to write event log", "error", err)
	}
}

// requestStop cancels the session, which also closes the device stream.
func (s *session) requestStop() {
	s.cancel()
}

// warn logs at most once per warnInterval. Only the analysis goroutine calls it.
func (s *session) warn(msg string, args ...any) {
	if now := time.Now(); now.Sub(s.lastWarn) >= warnInterval {
		s.lastWarn = now
		slog.Warn(msg, append([]any{"session_id", s.id}, args...)...)
	}
}

// onceCloser makes Close idempotent so stop and teardown can both close the stream.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.ReadCloser.Close() })
	return o.err
}
