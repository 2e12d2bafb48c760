package segment

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Compile-time check that FFmpegExtractor implements Extractor.
var _ Extractor = (*FFmpegExtractor)(nil)

// FFmpegExtractor implements Extractor using the ffmpeg CLI. Clips are
// re-encoded so each one is independently decodable with timestamps starting
// at zero.
type FFmpegExtractor struct {
	ffmpegPath string
}

// NewFFmpegExtractor creates a new FFmpegExtractor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegExtractor(ffmpegPath string) *FFmpegExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegExtractor{ffmpegPath: ffmpegPath}
}

// Extract produces one clip covering [startS, startS+durationS) of source.
func (e *FFmpegExtractor) Extract(ctx context.Context, source string, startS, durationS float64, dest string) error {
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", startS),
		"-t", fmt.Sprintf("%.3f", durationS),
		"-i", source,
		"-c:v", "libx264",
		"-preset", "fast",
		"-b:v", "1000k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "faststart",
		"-avoid_negative_ts", "make_zero", // Clip timestamps start at 0
		"-threads", "0",
		dest,
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
