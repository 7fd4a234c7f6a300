// Package capture reads raw PCM from audio devices and hands it out as
// fixed-size frames over a small pool of reusable buffers.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

// Device is an audio input producing raw PCM in the requested format.
type Device interface {
	// Open starts capture. Cancelling ctx or closing the stream stops it.
	Open(ctx context.Context, f audio.Format) (io.ReadCloser, error)
	// Name identifies the device in logs and status.
	Name() string
	// Live reports whether the device produces audio in real time.
	// Non-live sources are never dropped from.
	Live() bool
}

// CommandDevice captures from the platform audio command (arecord or FFmpeg).
type CommandDevice struct {
	// Input is the platform device identifier; empty selects the default.
	Input string
	// FFmpegPath is used on platforms that capture through FFmpeg.
	FFmpegPath string
}

// Name implements Device.
func (d *CommandDevice) Name() string {
	if d.Input == "" {
		return "default"
	}
	return d.Input
}

// Live implements Device.
func (d *CommandDevice) Live() bool { return true }

// Open implements Device.
func (d *CommandDevice) Open(ctx context.Context, f audio.Format) (io.ReadCloser, error) {
	cmdName, args, err := audio.BuildCaptureCommand(d.Input, d.FFmpegPath, f)
	if err != nil {
		return nil, &types.DeviceError{Op: "open", Err: err}
	}

	slog.Info("starting audio capture", "command", cmdName, "input", d.Name(), "format", f.String())

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cmdName, args...)

	// Signal first, kill after ShutdownTimeout.
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &types.DeviceError{Op: "open", Err: err}
	}
	s := &commandStream{cmd: cmd, stdout: stdout, cancel: cancel}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &types.DeviceError{Op: "open", Err: err}
	}
	return s, nil
}

// commandStream is the stdout of a running capture command.
type commandStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
	closed   bool
	mu       sync.Mutex
}

// Read returns captured bytes. When the command exits on its own with a
// failure, the last stderr line is reported instead of io.EOF.
func (s *commandStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if !errors.Is(err, io.EOF) {
		return n, err
	}
	if werr := s.wait(); werr != nil && !s.isClosed() {
		if msg := util.ExtractLastError(s.stderr.String()); msg != "" {
			return n, fmt.Errorf("%w: %s", werr, msg)
		}
		return n, werr
	}
	return n, io.EOF
}

// Close stops the capture command and waits for it to exit.
func (s *commandStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Exit caused by our own signal.
		return nil
	}
	return err
}

func (s *commandStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *commandStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// ReaderDevice serves PCM from an arbitrary reader, for pipes and tests.
type ReaderDevice struct {
	Reader io.Reader
	// LiveInput marks the reader as a real-time source.
	LiveInput bool
	// Label names the device; empty selects "reader".
	Label string
}

// Name implements Device.
func (d *ReaderDevice) Name() string {
	if d.Label == "" {
		return "reader"
	}
	return d.Label
}

// Live implements Device.
func (d *ReaderDevice) Live() bool { return d.LiveInput }

// Open implements Device. The reader is closed with the stream when it
// implements io.Closer.
func (d *ReaderDevice) Open(context.Context, audio.Format) (io.ReadCloser, error) {
	if d.Reader == nil {
		return nil, &types.DeviceError{Op: "open", Err: errors.New("no reader configured")}
	}
	if rc, ok := d.Reader.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(d.Reader), nil
}
