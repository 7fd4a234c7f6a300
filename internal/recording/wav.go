package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

const (
	// wavFormatPCM is the WAVE format tag for integer PCM.
	wavFormatPCM = 1
	// cleanupInterval bounds how often retention cleanup runs.
	cleanupInterval = time.Hour
	// fileTimeLayout is the timestamp embedded in segment file names.
	fileTimeLayout = "2006-01-02-15-04-05"
)

// datePattern matches the date in a segment file name.
var datePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// unsafeChars matches characters not allowed in file name prefixes.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// writeWAV encodes seg as 16-bit PCM WAV.
func writeWAV(w io.WriteSeeker, seg *segment.Segment) error {
	if len(seg.Samples) == 0 {
		return ErrEmptySegment
	}
	data := make([]int, len(seg.Samples))
	for i, s := range seg.Samples {
		data[i] = int(s)
	}

	enc := wav.NewEncoder(w, seg.Format.SampleRate, 16, seg.Format.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: seg.Format.Channels, SampleRate: seg.Format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return enc.Close()
}

// EncodeWAV returns seg as an in-memory WAV file.
func EncodeWAV(seg *segment.Segment) ([]byte, error) {
	var ws writeSeekBuffer
	if err := writeWAV(&ws, seg); err != nil {
		return nil, err
	}
	return ws.Bytes(), nil
}

// SegmentFilename returns the file name used for seg, e.g.
// "2025-01-15-14-00-05-1a2b3c4d.wav" or with a prefix
// "studio-2025-01-15-14-00-05-1a2b3c4d.wav".
func SegmentFilename(prefix string, seg *segment.Segment) string {
	id := seg.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("%s-%s.wav", seg.CreatedAt.UTC().Format(fileTimeLayout), id)
	if p := sanitizeFilename(prefix); p != "" {
		name = p + "-" + name
	}
	return name
}

func sanitizeFilename(name string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// WAVConfig configures the WAV file sink.
type WAVConfig struct {
	Dir           string `json:"dir" yaml:"dir"`
	Prefix        string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty" yaml:"retention_days,omitempty" validate:"gte=0"`
}

// WAVSink writes each segment to its own WAV file.
type WAVSink struct {
	cfg WAVConfig

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewWAVSink validates the directory and returns a sink writing into it.
func NewWAVSink(cfg WAVConfig) (*WAVSink, error) {
	if err := util.ValidatePath("dir", cfg.Dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil { //nolint:gosec // Recordings are meant to be shared
		return nil, fmt.Errorf("create segment directory: %w", err)
	}
	if err := util.CheckPathWritable(cfg.Dir); err != nil {
		return nil, err
	}
	return &WAVSink{cfg: cfg}, nil
}

// Write implements Sink. The file appears under its final name only once
// it is complete.
func (s *WAVSink) Write(_ context.Context, seg *segment.Segment) error {
	tmp, err := os.CreateTemp(s.cfg.Dir, ".segment-*.wav")
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	tmpPath := tmp.Name()

	err = writeWAV(tmp, seg)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	path := filepath.Join(s.cfg.Dir, SegmentFilename(s.cfg.Prefix, seg))
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize segment file: %w", err)
	}
	slog.Info("segment written", "id", seg.ID, "path", path, "duration", seg.Duration())

	s.maybeCleanup(time.Now())
	return nil
}

func (s *WAVSink) maybeCleanup(now time.Time) {
	if s.cfg.RetentionDays == 0 {
		return
	}
	s.mu.Lock()
	due := now.Sub(s.lastCleanup) >= cleanupInterval
	if due {
		s.lastCleanup = now
	}
	s.mu.Unlock()
	if due {
		s.Cleanup(now)
	}
}

// Cleanup removes segment files older than the retention period and
// returns how many were deleted.
func (s *WAVSink) Cleanup(now time.Time) int {
	if s.cfg.RetentionDays == 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	prefix := sanitizeFilename(s.cfg.Prefix)

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		slog.Warn("cleanup: failed to read segment directory", "path", s.cfg.Dir, "error", err)
		return 0
	}

	var deleted int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") ||
			!strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".wav") {
			continue
		}
		fileDate, ok := extractDateFromFilename(name)
		if !ok || !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, name)); err != nil {
			slog.Warn("cleanup: failed to delete segment file", "file", name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		slog.Info("cleanup: deleted segment files", "count", deleted)
	}
	return deleted
}

// Close implements Sink.
func (s *WAVSink) Close() error { return nil }

// extractDateFromFilename extracts the date from a name like "studio-2025-01-15-14-00-05-ab.wav".
func extractDateFromFilename(filename string) (time.Time, bool) {
	matches := datePattern.FindStringSubmatch(filename)
	if len(matches) < 2 {
		return time.Time{}, false
	}
	date, err := time.Parse(time.DateOnly, matches[1])
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// writeSeekBuffer is an in-memory io.WriteSeeker for the WAV encoder, which
// patches the header sizes after writing the samples.
type writeSeekBuffer struct {
	buf []byte
	pos int
}

func (b *writeSeekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	n := copy(b.buf[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.buf))
	default:
		return 0, errors.New("invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *writeSeekBuffer) Bytes() []byte {
	return b.buf
}
