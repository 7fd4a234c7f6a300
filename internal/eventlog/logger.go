// Package eventlog records session, speech and segment events in a JSON
// lines file and reads them back newest first.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionStarted EventType = "session_started"
	SessionStopped EventType = "session_stopped"
	SessionError   EventType = "session_error"
)

// Speech event types.
const (
	SpeakingStarted EventType = "speaking_started"
	SpeakingStopped EventType = "speaking_stopped"
)

// Segment event types.
const (
	SegmentReady     EventType = "segment_ready"
	SegmentDelivered EventType = "segment_delivered"
	SegmentFailed    EventType = "segment_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SessionDetails contains session-specific event details.
type SessionDetails struct {
	Device  string `json:"device,omitempty"`
	Method  string `json:"method,omitempty"`
	Frames  uint64 `json:"frames,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SpeechDetails contains speech transition details.
type SpeechDetails struct {
	OffsetMs           int64 `json:"offset_ms"`
	MostRecentSpeaking int64 `json:"most_recent_speaking_ms,omitempty"`
	LongestSilence     int64 `json:"longest_silence_ms,omitempty"`
}

// SegmentDetails contains segment-specific event details.
type SegmentDetails struct {
	SegmentID  string `json:"segment_id"`
	StartMs    int64  `json:"start_ms"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "speechgate", "logs", "events.jsonl")
	default:
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/speechgate", "events.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // Path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file. A nil logger discards the event.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogSession logs a session lifecycle event.
func (l *Logger) LogSession(eventType EventType, sessionID string, details SessionDetails) error {
	return l.Log(&Event{Type: eventType, SessionID: sessionID, Details: &details})
}

// LogSpeech logs a speaking transition.
func (l *Logger) LogSpeech(eventType EventType, sessionID string, details SpeechDetails) error {
	return l.Log(&Event{Type: eventType, SessionID: sessionID, Details: &details})
}

// LogSegment logs a segment event.
func (l *Logger) LogSegment(eventType EventType, sessionID string, details SegmentDetails) error {
	return l.Log(&Event{Type: eventType, SessionID: sessionID, Details: &details})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file, or "" for a nil logger.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterSession TypeFilter = "session"
	FilterSpeech  TypeFilter = "speech"
	FilterSegment TypeFilter = "segment"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterSession:
		return IsSessionEvent(t)
	case FilterSpeech:
		return IsSpeechEvent(t)
	case FilterSegment:
		return IsSegmentEvent(t)
	default:
		return true
	}
}

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest
// first, and whether older matching events remain. n is capped at
// MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath) //nolint:gosec // Path comes from trusted configuration
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// IsSessionEvent reports whether the event type is a session event.
func IsSessionEvent(t EventType) bool {
	return t == SessionStarted || t == SessionStopped || t == SessionError
}

// IsSpeechEvent reports whether the event type is a speaking transition.
func IsSpeechEvent(t EventType) bool {
	return t == SpeakingStarted || t == SpeakingStopped
}

// IsSegmentEvent reports whether the event type is a segment event.
func IsSegmentEvent(t EventType) bool {
	return t == SegmentReady || t == SegmentDelivered || t == SegmentFailed
}
