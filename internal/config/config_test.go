package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/vad"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := New(path)
	require.NoError(t, cfg.Load())

	_, err := os.Stat(path)
	require.NoError(t, err)

	snap := cfg.Snapshot()
	assert.Len(t, snap.Server.APIKey, 32)
	assert.Equal(t, DefaultListen, snap.Server.Listen)

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, snap, reloaded.Snapshot())
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1.2.0"
audio:
  input: "hw:1"
  sample_rate: 16000
vad:
  method: volume_threshold
  level_threshold_db: -45
segment:
  min_speech_ms: 100
  silence_timeout_ms: 800
  continuous_recording: true
  only_record_on_speaking: true
sinks:
  wav:
    dir: /tmp/segments
  http:
    url: https://asr.example.com/v1/segments
    timeout: 10s
    oauth:
      token_url: https://auth.example.com/token
      client_id: speechgate
      client_secret: secret
`)
	cfg := New(path)
	require.NoError(t, cfg.Load())
	snap := cfg.Snapshot()

	assert.Equal(t, "hw:1", snap.Audio.Input)
	assert.Equal(t, 16000, snap.Audio.SampleRate)
	assert.Equal(t, 1, snap.Audio.Channels)
	assert.Equal(t, DefaultFrameMs, snap.Audio.FrameMs)
	assert.Equal(t, vad.MethodVolumeThreshold, snap.VAD.Method)
	assert.InDelta(t, -45.0, snap.VAD.LevelThresholdDB, 1e-9)
	assert.InDelta(t, vad.DefaultAdaptationRate, snap.VAD.AdaptationRate, 1e-9)
	assert.Equal(t, vad.DefaultSmoothingSize, snap.VAD.Smoothing.Capacity)
	assert.Equal(t, DefaultLogLevel, snap.Logging.Level)

	require.NotNil(t, snap.Sinks.HTTP)
	assert.Equal(t, 10*time.Second, snap.Sinks.HTTP.Timeout)
	require.NotNil(t, snap.Sinks.HTTP.OAuth)
	assert.Equal(t, "speechgate", snap.Sinks.HTTP.OAuth.ClientID)
	assert.Nil(t, snap.Sinks.S3)

	dev := &capture.ReaderDevice{}
	sc := snap.SessionConfig(dev)
	assert.Equal(t, 16000, sc.Format.SampleRate)
	assert.Equal(t, 20*time.Millisecond, sc.FrameDuration)
	assert.Equal(t, 800*time.Millisecond, sc.Segment.SilenceTimeout)
	assert.Equal(t, time.Second, sc.ProgressInterval)
	require.NoError(t, sc.Validate())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"future schema", "schema_version: \"2.0.0\"\n", "schema_version"},
		{"garbage schema", "schema_version: \"latest\"\n", "schema_version"},
		{"bad sample rate", "audio:\n  sample_rate: 1000\n", "audio.sample_rate"},
		{"bad bit depth", "audio:\n  bits_per_sample: 12\n", "audio.bits_per_sample"},
		{"adaptation rate", "vad:\n  adaptation_rate: 2\n", ""},
		{"unknown method", "vad:\n  method: magic\n", ""},
		{"inverted smoothing", "vad:\n  smoothing:\n    capacity: 5\n    enter: 0.2\n    exit: 0.4\n", "vad.smoothing"},
		{"log level", "logging:\n  level: verbose\n", "logging.level"},
		{"incomplete s3", "sinks:\n  s3:\n    bucket: b\n", "sinks.s3"},
		{"wav without dir", "sinks:\n  wav:\n    prefix: x\n", "sinks.wav.dir"},
		{"http without url", "sinks:\n  http:\n    api_key: k\n", "sinks.http.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(writeConfig(t, tt.body)).Load()
			var cerr *types.ConfigError
			require.ErrorAs(t, err, &cerr)
			if tt.field != "" {
				assert.Equal(t, tt.field, cerr.Field)
			}
		})
	}
}

func TestLoadParseError(t *testing.T) {
	err := New(writeConfig(t, "audio: [unclosed\n")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestSetVAD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := New(path)
	require.NoError(t, cfg.Load())

	v := cfg.Snapshot().VAD
	v.AdaptationRate = 0.25
	require.NoError(t, cfg.SetVAD(v))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	assert.InDelta(t, 0.25, reloaded.Snapshot().VAD.AdaptationRate, 1e-9)

	bad := v
	bad.AdaptationRate = 0
	bad.InitialThreshold = -1
	require.Error(t, cfg.SetVAD(bad))
	assert.InDelta(t, 0.25, cfg.Snapshot().VAD.AdaptationRate, 1e-9, "rejected update is not applied")
}

func TestSnapshotIsolation(t *testing.T) {
	cfg := New(writeConfig(t, "sinks:\n  wav:\n    dir: /tmp/a\n"))
	require.NoError(t, cfg.Load())

	snap := cfg.Snapshot()
	snap.Sinks.WAV.Dir = "/tmp/b"
	assert.Equal(t, "/tmp/a", cfg.Snapshot().Sinks.WAV.Dir)
}

func TestSnapshotHelpers(t *testing.T) {
	snap := New("").Snapshot()
	assert.Equal(t, slog.LevelInfo, snap.LogLevel())
	snap.Logging.Level = "debug"
	assert.Equal(t, slog.LevelDebug, snap.LogLevel())

	assert.Empty(t, snap.EventLogPath())
	snap.EventLog.Enabled = true
	assert.NotEmpty(t, snap.EventLogPath())
	snap.EventLog.Path = "/tmp/events.jsonl"
	assert.Equal(t, "/tmp/events.jsonl", snap.EventLogPath())

	assert.False(t, snap.HasAPIKey())
	assert.Equal(t, "default", snap.Device().Name())
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[A-Za-z0-9]{32}$`, a)
}
