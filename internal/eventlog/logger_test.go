package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerReadLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	l, err := NewLogger(path)
	require.NoError(t, err)

	require.NoError(t, l.LogSession(SessionStarted, "s1", SessionDetails{Device: "default", Method: "energy"}))
	require.NoError(t, l.LogSpeech(SpeakingStarted, "s1", SpeechDetails{OffsetMs: 200}))
	require.NoError(t, l.LogSegment(SegmentReady, "s1", SegmentDetails{SegmentID: "a", DurationMs: 800}))
	require.NoError(t, l.LogSpeech(SpeakingStopped, "s1", SpeechDetails{OffsetMs: 1400, MostRecentSpeaking: 1000}))
	require.NoError(t, l.LogSegment(SegmentDelivered, "s1", SegmentDetails{SegmentID: "a"}))
	require.NoError(t, l.LogSession(SessionStopped, "s1", SessionDetails{Frames: 70}))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	all, more, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, all, 6)
	assert.Equal(t, SessionStopped, all[0].Type, "newest first")
	assert.Equal(t, "s1", all[0].SessionID)
	assert.False(t, all[0].Timestamp.IsZero())

	page, more, err := ReadLast(path, 1, 1, FilterSegment)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, SegmentReady, page[0].Type)

	speech, more, err := ReadLast(path, 1, 0, FilterSpeech)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, SpeakingStopped, speech[0].Type)
}

func TestReadLastEdgeCases(t *testing.T) {
	events, more, err := ReadLast(filepath.Join(t.TempDir(), "missing.jsonl"), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, more)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"type\":\"session_error\"}\n"), 0o600))
	events, _, err = ReadLast(path, 10, 0, FilterSession)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SessionError, events[0].Type)

	events, _, err = ReadLast(path, 0, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.LogSession(SessionStarted, "s", SessionDetails{}))
	assert.NoError(t, l.Close())
}
