//go:build !linux

package audio

import "strconv"

// buildFFmpegCaptureArgs constructs FFmpeg arguments that write raw PCM in
// format f to stdout.
func buildFFmpegCaptureArgs(inputFormat, device string, f Format) []string {
	return []string{
		"-f", inputFormat,
		"-i", device,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", f.ffmpegSampleFormat(),
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"pipe:1",
	}
}
