// Package types provides shared type definitions used across the speech gate.
package types

import (
	"time"
)

// PipelineState represents the current state of the capture pipeline.
type PipelineState string

const (
	// StateStopped indicates no capture session is running.
	StateStopped PipelineState = "stopped"
	// StateStarting indicates the capture device is being opened.
	StateStarting PipelineState = "starting"
	// StateRunning indicates frames are being captured and analyzed.
	StateRunning PipelineState = "running"
	// StateStopping indicates the session is draining and releasing the device.
	StateStopping PipelineState = "stopping"
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// PollInterval is the interval for polling process state.
	PollInterval = 50 * time.Millisecond
	// MaxRestarts is the number of consecutive device failures before a
	// supervised session gives up.
	MaxRestarts = 10
	// StableRunThreshold is how long a session must run before its failure
	// resets the restart count.
	StableRunThreshold = 30 * time.Second
)

const (
	// InitialRetryDelay is the starting delay between sink delivery attempts.
	InitialRetryDelay = 500 * time.Millisecond
	// MaxRetryDelay is the maximum delay between sink delivery attempts.
	MaxRetryDelay = 10000 * time.Millisecond
	// MaxSinkRetries is the number of redeliveries attempted for a failed segment.
	MaxSinkRetries = 3
)

// DecisionEvent is emitted for every analyzed frame.
type DecisionEvent struct {
	IsSpeech   bool          `json:"is_speech"`   // Smoothed speech state
	RawSpeech  bool          `json:"raw_speech"`  // Unsmoothed classifier output
	Confidence float64       `json:"confidence"`  // Speech confidence in [0,1]
	Level      float64       `json:"level"`       // Frame level in dB
	Energy     float64       `json:"energy"`      // Frame RMS, linear
	Threshold  float64       `json:"threshold"`   // Threshold the frame was judged against
	FrameIndex uint64        `json:"frame_index"` // Capture order index
	Timestamp  time.Duration `json:"timestamp"`   // Offset from session start
}

// ProgressEvent is emitted periodically while a session runs.
type ProgressEvent struct {
	Elapsed     time.Duration `json:"elapsed"`      // Wall time since the session started
	FrameNumber uint64        `json:"frame_number"` // Frames captured so far
}

// SegmentEvent describes a finished speech segment handed to the sink.
type SegmentEvent struct {
	ID         string        `json:"id"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Frames     int           `json:"frames"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
}

// SpeakingEvent reports a confirmed transition of the segmenter.
type SpeakingEvent struct {
	Speaking                   bool  `json:"speaking"`
	MostRecentSpeakingDuration int64 `json:"most_recent_speaking_duration_ms,omitzero"`
	LongestSilenceDuration     int64 `json:"longest_silence_duration_ms,omitzero"`
}

// PipelineStatus contains a summary of the pipeline's operational state.
type PipelineStatus struct {
	State            PipelineState `json:"state"`                       // Current pipeline state
	SessionID        string        `json:"session_id,omitzero"`         // Active or last session
	DetectionMethod  string        `json:"detection_method,omitzero"`   // Selected detector strategy
	Uptime           string        `json:"uptime,omitzero"`             // Time since start
	LastError        string        `json:"last_error,omitzero"`         // Most recent error
	Frames           uint64        `json:"frames"`                      // Frames analyzed
	Dropped          uint64        `json:"dropped"`                     // Frames dropped on overrun
	SpeechFrames     uint64        `json:"speech_frames"`               // Frames with smoothed speech
	Segments         int64         `json:"segments"`                    // Segments delivered
	Speaking         bool          `json:"speaking"`                    // Smoothed speech state
	Threshold        float64       `json:"threshold"`                   // Current decision threshold
	Level            float64       `json:"level"`                       // Last frame level in dB
	PeakLevel        float64       `json:"peak_level"`                  // Held peak level in dB
	LongestSilenceMs int64         `json:"longest_silence_ms,omitzero"` // Longest silence in session
	RecentSpeakingMs int64         `json:"recent_speaking_ms,omitzero"` // Most recent speech run
	SegmenterState   string        `json:"segmenter_state,omitzero"`    // Segmenter state name
	SinkQueueDepth   int           `json:"sink_queue_depth,omitzero"`   // Segments awaiting delivery
}

// AudioDevice represents an available audio input device.
type AudioDevice struct {
	ID   string `json:"id"`   // Device identifier
	Name string `json:"name"` // Device display name
}

// VersionInfo describes the running build.
type VersionInfo struct {
	Current   string `json:"current"`              // Current version
	Commit    string `json:"commit,omitempty"`     // Git commit hash
	BuildTime string `json:"build_time,omitempty"` // Build timestamp
}

// WSStatusResponse is sent to clients with the full pipeline status.
type WSStatusResponse struct {
	Type     string         `json:"type"`     // Message type identifier
	Pipeline PipelineStatus `json:"pipeline"` // Pipeline status
	Devices  []AudioDevice  `json:"devices"`  // Available audio devices
	Version  VersionInfo    `json:"version"`  // Version information
}

// WSDecisionResponse is sent to clients with the latest frame decision.
type WSDecisionResponse struct {
	Type     string        `json:"type"`
	Decision DecisionEvent `json:"decision"`
}

// WSProgressResponse is sent to clients on every progress tick.
type WSProgressResponse struct {
	Type     string        `json:"type"`
	Progress ProgressEvent `json:"progress"`
}

// WSSegmentResponse is sent to clients when a segment is delivered.
type WSSegmentResponse struct {
	Type    string       `json:"type"`
	Segment SegmentEvent `json:"segment"`
}

// WSSessionEndedResponse is sent to clients when a session finishes.
type WSSessionEndedResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"` // completed, stopped or failed
	Error     string `json:"error,omitempty"`
}

// WSSpeakingResponse is sent to clients when speech starts or ends.
type WSSpeakingResponse struct {
	Type     string        `json:"type"`
	Speaking SpeakingEvent `json:"speaking"`
}
