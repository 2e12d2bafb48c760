// Package media provides source probing and input admission for the pipeline.
// Probing shells out to ffprobe and parses its JSON output; admission applies
// the configured input policy and produces the job's media metadata.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/subpipe/internal/fault"
	"github.com/maauso/subpipe/internal/job"
)

// ErrFFprobeExecution is returned when the ffprobe command fails.
var ErrFFprobeExecution = errors.New("ffprobe execution failed")

const probeTimeout = 30 * time.Second

// Prober extracts stream metadata from a media file using ffprobe.
type Prober struct {
	ffprobePath string
}

// NewProber creates a Prober. If ffprobePath is empty, it defaults to
// "ffprobe" (found via PATH).
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// Probe runs ffprobe against the given path and returns the parsed metadata.
func (p *Prober) Probe(ctx context.Context, path string) (job.Media, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return job.Media{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return job.Media{}, fmt.Errorf("%w: %w, stderr: %s",
			ErrFFprobeExecution, err, strings.TrimSpace(stderr.String()))
	}

	var payload probePayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return job.Media{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	m := job.Media{}
	for _, s := range payload.Streams {
		switch s.CodecType {
		case "video":
			if m.VideoCodec != "" {
				continue // keep the primary video stream
			}
			m.VideoCodec = s.CodecName
			m.Width = s.Width
			m.Height = s.Height
			m.FrameRate = parseFraction(s.RFrameRate)
		case "audio":
			if m.AudioCodec == "" {
				m.AudioCodec = s.CodecName
			}
			m.HasAudio = true
		}
	}

	if payload.Format.Duration != "" {
		d, err := strconv.ParseFloat(payload.Format.Duration, 64)
		if err != nil {
			return job.Media{}, fmt.Errorf("parse duration %q: %w", payload.Format.Duration, err)
		}
		m.DurationS = d
	}
	m.DurationStr = formatDuration(m.DurationS)

	if info, err := os.Stat(path); err == nil {
		m.SizeBytes = info.Size()
	}

	return m, nil
}

// parseFraction evaluates an ffprobe rational such as "30000/1001".
func parseFraction(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// formatDuration renders seconds as HH:MM:SS.
func formatDuration(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// Policy is the input-admission policy.
type Policy struct {
	// MaxSizeBytes is the largest admissible source file.
	MaxSizeBytes int64
	// MaxDurationS is the longest admissible source duration.
	MaxDurationS float64
	// AdmittedCodecs lists acceptable video codec names. Empty admits any.
	AdmittedCodecs []string
}

// MetadataSource extracts media metadata for a local file. Implemented by
// Prober; faked in tests.
type MetadataSource interface {
	Probe(ctx context.Context, path string) (job.Media, error)
}

// Compile-time check that Prober implements MetadataSource.
var _ MetadataSource = (*Prober)(nil)

// Validator admits or rejects a source file against the policy.
type Validator struct {
	prober MetadataSource
	policy Policy
}

// NewValidator creates a Validator.
func NewValidator(prober MetadataSource, policy Policy) *Validator {
	return &Validator{prober: prober, policy: policy}
}

// Admit probes the source and enforces the admission policy. Every rejection
// is an InvalidInput fault with a precise reason; nothing downstream retries it.
func (v *Validator) Admit(ctx context.Context, path string) (job.Media, error) {
	info, err := os.Stat(path)
	if err != nil {
		return job.Media{}, fault.Wrap(fault.KindInvalidInput, "media",
			fmt.Sprintf("source not readable: %s", path), err)
	}
	if info.IsDir() {
		return job.Media{}, fault.New(fault.KindInvalidInput, "media",
			fmt.Sprintf("source is a directory: %s", path))
	}
	if v.policy.MaxSizeBytes > 0 && info.Size() > v.policy.MaxSizeBytes {
		return job.Media{}, fault.New(fault.KindInvalidInput, "media",
			fmt.Sprintf("source size %d exceeds limit %d bytes", info.Size(), v.policy.MaxSizeBytes))
	}

	m, err := v.prober.Probe(ctx, path)
	if err != nil {
		return job.Media{}, fault.Wrap(fault.KindInvalidInput, "media", "probe failed", err)
	}

	if m.VideoCodec == "" {
		return job.Media{}, fault.New(fault.KindInvalidInput, "media", "no video stream present")
	}
	if !m.HasAudio {
		// Generation has no fallback without an audio track.
		return job.Media{}, fault.New(fault.KindInvalidInput, "media", "no audio stream present")
	}
	if m.DurationS <= 0 {
		return job.Media{}, fault.New(fault.KindInvalidInput, "media", "source has zero duration")
	}
	if v.policy.MaxDurationS > 0 && m.DurationS > v.policy.MaxDurationS {
		return job.Media{}, fault.New(fault.KindInvalidInput, "media",
			fmt.Sprintf("duration %.1fs exceeds limit %.1fs", m.DurationS, v.policy.MaxDurationS))
	}
	if len(v.policy.AdmittedCodecs) > 0 && !codecAdmitted(m.VideoCodec, v.policy.AdmittedCodecs) {
		return job.Media{}, fault.New(fault.KindInvalidInput, "media",
			fmt.Sprintf("codec %q is not admitted", m.VideoCodec))
	}

	return m, nil
}

func codecAdmitted(codec string, admitted []string) bool {
	for _, c := range admitted {
		if strings.EqualFold(strings.TrimSpace(c), codec) {
			return true
		}
	}
	return false
}
