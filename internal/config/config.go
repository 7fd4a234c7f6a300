// Package config provides application configuration management.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/eventlog"
	"github.com/oszuidwest/zwfm-speechgate/internal/pipeline"
	"github.com/oszuidwest/zwfm-speechgate/internal/recording"
	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
	"github.com/oszuidwest/zwfm-speechgate/internal/vad"
)

// SchemaVersion is the configuration schema written by this build. Files
// with a different major version are rejected.
const SchemaVersion = "v1.0.0"

// Configuration defaults are used when values are not specified.
const (
	DefaultListen        = ":8080"
	DefaultFrameMs       = 20
	DefaultProgressMs    = 1000
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultAutoGainLevel = audio.DefaultAGCTarget
)

// ServerConfig holds the control server settings.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Listen    string `yaml:"listen" json:"listen" validate:"required"`
	APIKey    string `yaml:"api_key" json:"api_key"` //nolint:gosec // Configuration field
	AutoStart bool   `yaml:"auto_start" json:"auto_start"`
	Metrics   bool   `yaml:"metrics" json:"metrics"`
}

// AudioConfig holds the capture device and stream format.
type AudioConfig struct {
	Input         string `yaml:"input" json:"input"`
	FFmpegPath    string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	SampleRate    int    `yaml:"sample_rate" json:"sample_rate" validate:"gte=8000,lte=192000"`
	Channels      int    `yaml:"channels" json:"channels" validate:"gte=1,lte=8"`
	BitsPerSample int    `yaml:"bits_per_sample" json:"bits_per_sample" validate:"oneof=8 16 24 32"`
	Float         bool   `yaml:"float" json:"float"`
	FrameMs       int    `yaml:"frame_ms" json:"frame_ms" validate:"gte=1,lte=1000"`
	Buffers       int    `yaml:"buffers" json:"buffers" validate:"gte=2,lte=64"`
}

// Format returns the configured stream format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{
		SampleRate:    a.SampleRate,
		BitsPerSample: a.BitsPerSample,
		Channels:      a.Channels,
		Float:         a.Float,
		Interleaved:   true,
	}
}

// VADConfig holds detector and smoothing settings.
type VADConfig struct {
	vad.Config `yaml:",inline"`
	Smoothing  pipeline.SmoothingConfig `yaml:"smoothing" json:"smoothing"`
}

// SegmentConfig holds the segmentation timing in milliseconds.
type SegmentConfig struct {
	MinSpeechMs          int  `yaml:"min_speech_ms" json:"min_speech_ms" validate:"gte=0"`
	SilenceTimeoutMs     int  `yaml:"silence_timeout_ms" json:"silence_timeout_ms" validate:"gte=0"`
	MaxSegmentMs         int  `yaml:"max_segment_ms" json:"max_segment_ms" validate:"gte=0"`
	PreRollFrames        int  `yaml:"pre_roll_frames" json:"pre_roll_frames" validate:"gte=0,lte=100"`
	PostRollFrames       int  `yaml:"post_roll_frames" json:"post_roll_frames" validate:"gte=0,lte=100"`
	OnlyRecordOnSpeaking bool `yaml:"only_record_on_speaking" json:"only_record_on_speaking"`
	ContinuousRecording  bool `yaml:"continuous_recording" json:"continuous_recording"`
}

// Segment converts to the segmenter configuration.
func (s SegmentConfig) Segment() segment.Config {
	return segment.Config{
		MinSpeechDuration:    time.Duration(s.MinSpeechMs) * time.Millisecond,
		SilenceTimeout:       time.Duration(s.SilenceTimeoutMs) * time.Millisecond,
		MaxSegmentDuration:   time.Duration(s.MaxSegmentMs) * time.Millisecond,
		PreRollFrames:        s.PreRollFrames,
		PostRollFrames:       s.PostRollFrames,
		OnlyRecordOnSpeaking: s.OnlyRecordOnSpeaking,
		ContinuousRecording:  s.ContinuousRecording,
	}
}

// AutoGainConfig holds the automatic gain control settings.
type AutoGainConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Target  float64 `yaml:"target" json:"target" validate:"gt=0,lte=1"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

// EventLogConfig holds the JSONL event log settings.
type EventLogConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	SchemaVersion      string           `yaml:"schema_version" json:"schema_version"`
	Server             ServerConfig     `yaml:"server" json:"server"`
	Audio              AudioConfig      `yaml:"audio" json:"audio"`
	VAD                VADConfig        `yaml:"vad" json:"vad"`
	Segment            SegmentConfig    `yaml:"segment" json:"segment"`
	ProgressIntervalMs int              `yaml:"progress_interval_ms" json:"progress_interval_ms" validate:"gte=0"`
	AutoGain           AutoGainConfig   `yaml:"auto_gain" json:"auto_gain"`
	Sinks              recording.Config `yaml:"sinks" json:"sinks"`
	Logging            LoggingConfig    `yaml:"logging" json:"logging"`
	EventLog           EventLogConfig   `yaml:"event_log" json:"event_log"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	seg := segment.DefaultConfig()
	return &Config{
		SchemaVersion: SchemaVersion,
		Server: ServerConfig{
			Enabled: true,
			Listen:  DefaultListen,
			Metrics: true,
		},
		Audio: AudioConfig{
			SampleRate:    audio.DefaultSampleRate,
			Channels:      audio.DefaultChannels,
			BitsPerSample: audio.DefaultBitsPerSample,
			FrameMs:       DefaultFrameMs,
			Buffers:       capture.DefaultBuffers,
		},
		VAD: VADConfig{
			Config: vad.DefaultConfig(),
			Smoothing: pipeline.SmoothingConfig{
				Capacity: vad.DefaultSmoothingSize,
				Enter:    vad.DefaultEnterThreshold,
				Exit:     vad.DefaultExitThreshold,
			},
		},
		Segment: SegmentConfig{
			MinSpeechMs:          int(seg.MinSpeechDuration.Milliseconds()),
			SilenceTimeoutMs:     int(seg.SilenceTimeout.Milliseconds()),
			MaxSegmentMs:         int(seg.MaxSegmentDuration.Milliseconds()),
			PreRollFrames:        seg.PreRollFrames,
			PostRollFrames:       seg.PostRollFrames,
			OnlyRecordOnSpeaking: seg.OnlyRecordOnSpeaking,
			ContinuousRecording:  seg.ContinuousRecording,
		},
		ProgressIntervalMs: DefaultProgressMs,
		AutoGain:           AutoGainConfig{Target: DefaultAutoGainLevel},
		Logging:            LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		filePath:           filePath,
	}
}

// Path returns the configuration file path.
func (c *Config) Path() string {
	return c.filePath
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		key, kerr := GenerateAPIKey()
		if kerr != nil {
			return util.WrapError("generate API key", kerr)
		}
		c.Server.APIKey = key
		slog.Info("creating default configuration", "path", c.filePath)
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()
	return c.validateLocked()
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	d := New("")
	if c.SchemaVersion == "" {
		c.SchemaVersion = SchemaVersion
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	// Audio defaults
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = d.Audio.Channels
	}
	if c.Audio.BitsPerSample == 0 {
		c.Audio.BitsPerSample = d.Audio.BitsPerSample
	}
	if c.Audio.FrameMs == 0 {
		c.Audio.FrameMs = d.Audio.FrameMs
	}
	if c.Audio.Buffers == 0 {
		c.Audio.Buffers = d.Audio.Buffers
	}
	// VAD defaults
	if c.VAD.Method == "" {
		c.VAD.Method = d.VAD.Method
	}
	if c.VAD.InitialThreshold == 0 {
		c.VAD.InitialThreshold = d.VAD.InitialThreshold
	}
	if c.VAD.AdaptationRate == 0 {
		c.VAD.AdaptationRate = d.VAD.AdaptationRate
	}
	if c.VAD.MarginFactor == 0 {
		c.VAD.MarginFactor = d.VAD.MarginFactor
	}
	if c.VAD.LevelThresholdDB == 0 {
		c.VAD.LevelThresholdDB = d.VAD.LevelThresholdDB
	}
	if c.VAD.RecognizerThreshold == 0 {
		c.VAD.RecognizerThreshold = d.VAD.RecognizerThreshold
	}
	if c.VAD.Smoothing == (pipeline.SmoothingConfig{}) {
		c.VAD.Smoothing = d.VAD.Smoothing
	}
	if c.AutoGain.Target == 0 {
		c.AutoGain.Target = d.AutoGain.Target
	}
	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate checks all configuration fields for correctness.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

// validateLocked checks the configuration. Caller must hold c.mu.
func (c *Config) validateLocked() error {
	if err := checkSchemaVersion(c.SchemaVersion); err != nil {
		return err
	}
	if verr := util.ValidateStruct(c); verr != nil {
		return types.ConfigErrorFrom(verr)
	}
	if _, err := vad.ParseMethod(string(c.VAD.Method)); err != nil {
		return err
	}
	if c.VAD.Smoothing.Exit >= c.VAD.Smoothing.Enter {
		return types.NewConfigError("vad.smoothing", "exit (%v) must be below enter (%v)", c.VAD.Smoothing.Exit, c.VAD.Smoothing.Enter)
	}
	if err := c.Audio.Format().Validate(); err != nil {
		return err
	}
	if s3 := c.Sinks.S3; s3 != nil && !s3.IsConfigured() {
		return types.NewConfigError("sinks.s3", "requires bucket, access_key_id and secret_access_key")
	}
	if w := c.Sinks.WAV; w != nil && w.Dir == "" {
		return types.NewConfigError("sinks.wav.dir", "is required")
	}
	if c.EventLog.Enabled && c.EventLog.Path != "" {
		if err := util.ValidatePath("event_log.path", c.EventLog.Path); err != nil {
			return err
		}
	}
	return nil
}

// checkSchemaVersion accepts versions with the supported major.
func checkSchemaVersion(v string) error {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return types.NewConfigError("schema_version", "%q is not a valid version", v)
	}
	if got, want := semver.Major(v), semver.Major(SchemaVersion); got != want {
		return types.NewConfigError("schema_version", "major %s is not supported, expected %s", got, want)
	}
	return nil
}

// Save persists the configuration.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Setters for individual settings ---

// SetVAD validates and stores detector settings. They apply to the next
// session.
func (c *Config) SetVAD(v VADConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.VAD
	c.VAD = v
	if err := c.validateLocked(); err != nil {
		c.VAD = prev
		return err
	}
	return c.saveLocked()
}

// SetAudioInput updates the audio input device and saves the configuration.
func (c *Config) SetAudioInput(input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.Input = input
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	Server           ServerConfig
	Audio            AudioConfig
	VAD              VADConfig
	Segment          SegmentConfig
	ProgressInterval time.Duration
	AutoGain         AutoGainConfig
	Sinks            recording.Config
	Logging          LoggingConfig
	EventLog         EventLogConfig
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Server:           c.Server,
		Audio:            c.Audio,
		VAD:              c.VAD,
		Segment:          c.Segment,
		ProgressInterval: time.Duration(c.ProgressIntervalMs) * time.Millisecond,
		AutoGain:         c.AutoGain,
		Sinks:            cloneSinks(c.Sinks),
		Logging:          c.Logging,
		EventLog:         c.EventLog,
	}
}

// SessionConfig builds the pipeline configuration for dev.
func (s *Snapshot) SessionConfig(dev capture.Device) pipeline.SessionConfig {
	cfg := pipeline.DefaultSessionConfig(dev)
	cfg.Format = s.Audio.Format()
	cfg.FrameDuration = time.Duration(s.Audio.FrameMs) * time.Millisecond
	cfg.Buffers = s.Audio.Buffers
	cfg.VAD = s.VAD.Config
	cfg.Smoothing = s.VAD.Smoothing
	cfg.Segment = s.Segment.Segment()
	cfg.ProgressInterval = s.ProgressInterval
	cfg.AutoGain = s.AutoGain.Enabled
	cfg.AutoGainTarget = s.AutoGain.Target
	return cfg
}

// Device returns the configured capture device.
func (s *Snapshot) Device() capture.Device {
	return &capture.CommandDevice{Input: s.Audio.Input, FFmpegPath: s.Audio.FFmpegPath}
}

// EventLogPath returns the event log path, or "" when disabled.
func (s *Snapshot) EventLogPath() string {
	if !s.EventLog.Enabled {
		return ""
	}
	if s.EventLog.Path == "" {
		return eventlog.DefaultLogPath()
	}
	return s.EventLog.Path
}

// HasAPIKey reports whether the control API requires a key.
func (s *Snapshot) HasAPIKey() bool {
	return s.Server.APIKey != ""
}

// LogLevel parses the configured slog level.
func (s *Snapshot) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func cloneSinks(in recording.Config) recording.Config {
	out := in
	if in.WAV != nil {
		w := *in.WAV
		out.WAV = &w
	}
	if in.S3 != nil {
		s := *in.S3
		out.S3 = &s
	}
	if in.HTTP != nil {
		h := *in.HTTP
		if in.HTTP.OAuth != nil {
			o := *in.HTTP.OAuth
			o.Scopes = slices.Clone(o.Scopes)
			h.OAuth = &o
		}
		out.HTTP = &h
	}
	return out
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
