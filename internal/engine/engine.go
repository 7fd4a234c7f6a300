// Package engine ties configuration, the capture pipeline, segment sinks,
// metrics and the event log together. It supervises live sessions and
// restarts them with backoff when the device fails.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/config"
	"github.com/oszuidwest/zwfm-speechgate/internal/eventlog"
	"github.com/oszuidwest/zwfm-speechgate/internal/metrics"
	"github.com/oszuidwest/zwfm-speechgate/internal/pipeline"
	"github.com/oszuidwest/zwfm-speechgate/internal/recording"
	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

// Sentinel errors for engine operations.
var (
	ErrClosed = errors.New("engine closed")
)

// Option configures an Engine.
type Option func(*Engine)

// WithDevice overrides the configured capture device.
func WithDevice(dev capture.Device) Option {
	return func(e *Engine) { e.device = dev }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithCallbacks forwards pipeline events to cb. OnTerminal is reserved for
// supervision and ignored.
func WithCallbacks(cb pipeline.Callbacks) Option {
	return func(e *Engine) { e.callbacks = cb }
}

// Engine runs capture sessions from the application configuration.
type Engine struct {
	config    *config.Config
	device    capture.Device
	registry  prometheus.Registerer
	callbacks pipeline.Callbacks

	ctrl    *pipeline.Controller
	hub     *pipeline.Hub
	metrics *metrics.Metrics
	sink    *recording.Queue
	events  *eventlog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	supervised bool
	stopChan   chan struct{}
	startTime  time.Time
	retryCount int
	backoff    *util.Backoff
	lastError  string
	closed     bool
}

// New builds an engine from cfg. Sessions run until Stop, Close or the
// cancellation of ctx.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config:  cfg,
		hub:     pipeline.NewHub(),
		backoff: util.NewBackoff(types.InitialRetryDelay, types.MaxRetryDelay),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	e.metrics = metrics.New(e.registry)

	snap := cfg.Snapshot()
	if path := snap.EventLogPath(); path != "" {
		logger, err := eventlog.NewLogger(path)
		if err != nil {
			return nil, util.WrapError("open event log", err)
		}
		e.events = logger
	}

	sink, err := recording.New(snap.Sinks,
		recording.WithErrorHandler(e.segmentFailed),
		recording.WithDeliveredHandler(e.segmentDelivered),
	)
	if err != nil {
		return nil, errors.Join(util.WrapError("create sinks", err), e.events.Close())
	}
	e.sink = sink

	cb := e.callbacks
	cb.OnTerminal = e.onTerminal
	ctrlOpts := []pipeline.Option{
		pipeline.WithCallbacks(cb),
		pipeline.WithMetrics(e.metrics),
		pipeline.WithHub(e.hub),
		pipeline.WithEventLog(e.events),
	}
	if sink != nil {
		ctrlOpts = append(ctrlOpts, pipeline.WithSink(sink))
	}
	e.ctrl = pipeline.New(ctrlOpts...)
	e.ctx, e.cancel = context.WithCancel(ctx)
	return e, nil
}

// Hub returns the message hub for websocket clients.
func (e *Engine) Hub() *pipeline.Hub {
	return e.hub
}

// EventLogPath returns the event log path, or "" when disabled.
func (e *Engine) EventLogPath() string {
	return e.events.Path()
}

// State returns the current pipeline state.
func (e *Engine) State() types.PipelineState {
	return e.ctrl.State()
}

// Status returns the pipeline status. A supervision failure is reported as
// the last error.
func (e *Engine) Status() types.PipelineStatus {
	st := e.ctrl.Status()
	e.mu.Lock()
	defer e.mu.Unlock()
	if st.LastError == "" {
		st.LastError = e.lastError
	}
	return st
}

// Start begins a supervised session on the configured device.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.ctrl.IsRunning() {
		return pipeline.ErrAlreadyRunning
	}
	if err := e.startLocked(); err != nil {
		return err
	}
	e.supervised = true
	e.stopChan = make(chan struct{})
	e.retryCount = 0
	e.backoff.Reset()
	e.lastError = ""
	return nil
}

// Run processes dev to completion without supervision and returns the
// session's terminal error.
func (e *Engine) Run(ctx context.Context, dev capture.Device) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	snap := e.config.Snapshot()
	if err := e.ctrl.Init(snap.SessionConfig(dev)); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.ctrl.Start(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()
	return e.ctrl.Wait(context.Background())
}

// startLocked initializes and starts one session. Caller must hold e.mu.
func (e *Engine) startLocked() error {
	snap := e.config.Snapshot()
	dev := e.device
	if dev == nil {
		dev = snap.Device()
	}
	if err := e.ctrl.Init(snap.SessionConfig(dev)); err != nil {
		return err
	}
	if err := e.ctrl.Start(e.ctx); err != nil {
		return err
	}
	e.startTime = time.Now()
	return nil
}

// Stop ends the session and cancels a pending restart.
func (e *Engine) Stop() error {
	e.mu.Lock()
	wasSupervised := e.supervised
	e.supervised = false
	if e.stopChan != nil {
		close(e.stopChan)
		e.stopChan = nil
	}
	e.mu.Unlock()

	err := e.ctrl.Stop()
	if errors.Is(err, pipeline.ErrNotRunning) && wasSupervised {
		// A restart was pending.
		return nil
	}
	return err
}

// Restart stops and starts the session, picking up configuration changes.
func (e *Engine) Restart() error {
	if err := e.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		return fmt.Errorf("stop: %w", err)
	}
	return e.Start()
}

// UpdateVAD stores detector settings for the next session.
func (e *Engine) UpdateVAD(v config.VADConfig) error {
	return e.config.SetVAD(v)
}

// Close stops the session and releases sinks and the event log.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		errs = append(errs, err)
	}
	e.cancel()
	errs = append(errs, e.ctrl.Cleanup())
	if e.sink != nil {
		errs = append(errs, e.sink.Close())
	}
	errs = append(errs, e.events.Close())
	return errors.Join(errs...)
}

// onTerminal restarts supervised live sessions that ended on their own.
func (e *Engine) onTerminal(err error) {
	if cb := e.callbacks.OnTerminal; cb != nil {
		cb(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.supervised || e.ctx.Err() != nil {
		return
	}
	if !e.shouldRestart(err) {
		e.supervised = false
		return
	}

	msg := "device stream ended"
	if err != nil {
		msg = err.Error()
	}
	if time.Since(e.startTime) >= types.StableRunThreshold {
		e.retryCount = 0
		e.backoff.Reset()
	} else {
		e.retryCount++
	}
	if e.retryCount >= types.MaxRestarts {
		slog.Error("capture failed, giving up", "attempts", types.MaxRestarts, "error", msg)
		e.lastError = fmt.Sprintf("stopped after %d failed attempts: %s", types.MaxRestarts, msg)
		e.supervised = false
		return
	}

	delay := e.backoff.Next()
	slog.Info("capture stopped, waiting before restart",
		"delay", delay, "attempt", e.retryCount+1, "max_retries", types.MaxRestarts, "error", msg)
	go e.restartAfter(delay, e.stopChan)
}

// shouldRestart reports whether a session end is a device failure. Caller
// must hold e.mu.
func (e *Engine) shouldRestart(err error) bool {
	if err != nil {
		var derr *types.DeviceError
		return errors.As(err, &derr)
	}
	snap := e.config.Snapshot()
	dev := e.device
	if dev == nil {
		dev = snap.Device()
	}
	// A live stream only ends on its own when the device goes away.
	return dev.Live() && snap.Segment.ContinuousRecording
}

func (e *Engine) restartAfter(delay time.Duration, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-e.ctx.Done():
		return
	case <-time.After(delay):
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.supervised || e.closed {
		return
	}
	if err := e.startLocked(); err != nil {
		slog.Error("failed to restart capture", "error", err)
		e.lastError = err.Error()
		var derr *types.DeviceError
		if !errors.As(err, &derr) {
			e.supervised = false
			return
		}
		e.retryCount++
		if e.retryCount >= types.MaxRestarts {
			e.supervised = false
			return
		}
		go e.restartAfter(e.backoff.Next(), e.stopChan)
	}
}

func (e *Engine) segmentDelivered(seg *segment.Segment) {
	slog.Debug("segment delivered", "id", seg.ID)
	e.logSegment(eventlog.SegmentDelivered, seg, nil)
}

func (e *Engine) segmentFailed(seg *segment.Segment, err error) {
	slog.Error("segment delivery failed", "id", seg.ID, "error", err)
	e.metrics.SinkError()
	e.logSegment(eventlog.SegmentFailed, seg, err)
}

func (e *Engine) logSegment(kind eventlog.EventType, seg *segment.Segment, err error) {
	d := eventlog.SegmentDetails{
		SegmentID:  seg.ID,
		StartMs:    seg.Start.Milliseconds(),
		DurationMs: seg.Duration().Milliseconds(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	if lerr := e.events.LogSegment(kind, e.ctrl.Status().SessionID, d); lerr != nil {
		slog.Warn("failed to write event log", "error", lerr)
	}
}
