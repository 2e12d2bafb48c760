// Package segment splits an admitted source into fixed-interval sub-clips.
// Extraction shells out to ffmpeg; the segmenter itself owns the interval
// algebra, checksum-based resume, size adaptation, and disk-pressure checks.
package segment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/maauso/subpipe/internal/fault"
	"github.com/maauso/subpipe/internal/job"
)

// ErrNoDuration is returned when segmentation is requested for a source
// without a positive duration.
var ErrNoDuration = errors.New("segment: source duration must be positive")

// minSplitDuration is the floor below which size adaptation stops halving.
const minSplitDuration = 1.0

// Extractor is the port over the external segmenter tool: given a source and
// an interval it produces an independently decodable clip at dest.
type Extractor interface {
	Extract(ctx context.Context, source string, startS, durationS float64, dest string) error
}

// Options configures segmentation.
type Options struct {
	// ChunkDurationS is the target segment duration in seconds.
	ChunkDurationS float64
	// MaxSegmentBytes caps a produced clip's size; larger clips are re-split
	// with halved duration.
	MaxSegmentBytes int64
	// DiskReserveBytes is the free-space floor below which segmentation
	// stalls. Zero sizes the reserve dynamically as twice the estimated
	// remaining segment bytes.
	DiskReserveBytes int64
}

// Segmenter produces the job's segment list on scratch storage.
type Segmenter struct {
	extractor   Extractor
	scratchRoot string
	opts        Options
	logger      *slog.Logger
}

// New creates a Segmenter writing under scratchRoot/<job-id>/.
func New(extractor Extractor, scratchRoot string, opts Options, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		extractor:   extractor,
		scratchRoot: scratchRoot,
		opts:        opts,
		logger:      logger,
	}
}

// ScratchDir returns the job's scratch partition.
func (s *Segmenter) ScratchDir(jobID string) string {
	return filepath.Join(s.scratchRoot, jobID)
}

// interval is one planned extraction range.
type interval struct {
	start    float64
	duration float64
}

// plan computes the fixed-interval split of a source duration. The final
// interval absorbs the remainder so that the intervals tile the source
// exactly.
func plan(durationS, chunkS float64) []interval {
	n := int(math.Ceil(durationS / chunkS))
	if n == 0 {
		return nil
	}
	out := make([]interval, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * chunkS
		out = append(out, interval{
			start:    round3(start),
			duration: round3(math.Min(chunkS, durationS-start)),
		})
	}
	return out
}

// round3 rounds to millisecond precision, the resolution of segment offsets.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Run extracts (or resumes extracting) all segments for the job. prior is the
// segment list from a previous attempt; clips already on disk with a matching
// checksum are reused, partial or mismatched files are deleted and recreated.
// persist, when non-nil, is invoked with the normalized list so far after
// each extraction, so a crashed run resumes mid-list instead of starting
// over. The returned list is ordered, time-contiguous, and indexed from zero.
func (s *Segmenter) Run(ctx context.Context, jobID, sourcePath string, mediaDurationS float64, prior []job.Segment, persist func(context.Context, []job.Segment) error) ([]job.Segment, error) {
	if mediaDurationS <= 0 {
		return nil, ErrNoDuration
	}

	dir := s.ScratchDir(jobID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fault.Wrap(fault.KindDiskExhausted, "segment", "create scratch directory", err)
	}

	known := make(map[float64]job.Segment, len(prior))
	for _, seg := range prior {
		known[seg.Start] = seg
	}

	pending := plan(mediaDurationS, s.opts.ChunkDurationS)
	done := make([]job.Segment, 0, len(pending))

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iv := pending[0]
		pending = pending[1:]

		seg, split, err := s.produce(ctx, dir, sourcePath, iv, known, mediaDurationS, done)
		if err != nil {
			return nil, err
		}
		if split {
			// Clip exceeded the size cap: halve the interval and retry both
			// halves. Recorded durations keep the offset algebra exact.
			half := round3(iv.duration / 2)
			pending = append([]interval{
				{start: iv.start, duration: half},
				{start: round3(iv.start + half), duration: round3(iv.duration - half)},
			}, pending...)
			continue
		}
		done = append(done, seg)
		if persist != nil {
			if err := persist(ctx, normalize(done)); err != nil {
				return nil, fmt.Errorf("persist segment progress: %w", err)
			}
		}
	}

	return normalize(done), nil
}

// normalize returns a copy of segs sorted by start with contiguous indices.
func normalize(segs []job.Segment) []job.Segment {
	out := make([]job.Segment, len(segs))
	copy(out, segs)
	sort.Slice(out, func(i, k int) bool { return out[i].Start < out[k].Start })
	for i := range out {
		out[i].Index = i
	}
	return out
}

// produce extracts one interval, reusing a verified prior clip when present.
// It reports split=true when the produced clip exceeds the size cap and the
// interval can still be halved.
func (s *Segmenter) produce(ctx context.Context, dir, sourcePath string, iv interval, known map[float64]job.Segment, totalDurationS float64, done []job.Segment) (job.Segment, bool, error) {
	dest := filepath.Join(dir, clipName(iv.start))

	if prior, ok := known[iv.start]; ok && prior.Duration == iv.duration && prior.Checksum != "" {
		if sum, err := fileChecksum(prior.LocalPath); err == nil && sum == prior.Checksum {
			s.logger.Debug("reusing verified segment",
				slog.Float64("start", iv.start),
				slog.String("path", prior.LocalPath),
			)
			return prior, false, nil
		}
		// Partial or mismatched clip from a prior run.
		_ = os.Remove(prior.LocalPath)
	}
	_ = os.Remove(dest)

	if err := s.checkDiskReserve(dir, sourcePath, totalDurationS, done); err != nil {
		return job.Segment{}, false, err
	}

	if err := s.extractor.Extract(ctx, sourcePath, iv.start, iv.duration, dest); err != nil {
		return job.Segment{}, false, fmt.Errorf("extract segment at %.3fs: %w", iv.start, err)
	}

	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		return job.Segment{}, false, fault.New(fault.KindUnknown, "segment",
			fmt.Sprintf("segmenter produced no output at %.3fs", iv.start))
	}

	if s.opts.MaxSegmentBytes > 0 && info.Size() > s.opts.MaxSegmentBytes && iv.duration > minSplitDuration {
		_ = os.Remove(dest)
		s.logger.Warn("segment exceeds size cap, halving interval",
			slog.Float64("start", iv.start),
			slog.Float64("duration", iv.duration),
			slog.Int64("size_bytes", info.Size()),
		)
		return job.Segment{}, true, nil
	}

	sum, err := fileChecksum(dest)
	if err != nil {
		return job.Segment{}, false, fmt.Errorf("checksum segment at %.3fs: %w", iv.start, err)
	}

	return job.Segment{
		Start:     iv.start,
		Duration:  iv.duration,
		LocalPath: dest,
		Checksum:  sum,
		SizeBytes: info.Size(),
	}, false, nil
}

// checkDiskReserve stalls segmentation with a DiskExhausted fault when free
// scratch space falls below the reserve.
func (s *Segmenter) checkDiskReserve(dir, sourcePath string, totalDurationS float64, done []job.Segment) error {
	free, err := freeBytes(dir)
	if err != nil {
		return nil // reserve check is best effort
	}

	reserve := s.opts.DiskReserveBytes
	if reserve == 0 {
		reserve = 2 * estimateRemainingBytes(sourcePath, totalDurationS, done)
	}
	if reserve > 0 && free < uint64(reserve) {
		return fault.New(fault.KindDiskExhausted, "segment",
			fmt.Sprintf("free scratch space %d below reserve %d bytes", free, reserve)).
			WithContext("scratch_dir", dir)
	}
	return nil
}

// estimateRemainingBytes predicts the scratch bytes still to be written,
// scaling the source byte rate over the unextracted duration.
func estimateRemainingBytes(sourcePath string, totalDurationS float64, done []job.Segment) int64 {
	info, err := os.Stat(sourcePath)
	if err != nil || totalDurationS <= 0 {
		return 0
	}
	var doneS float64
	for _, seg := range done {
		doneS += seg.Duration
	}
	remaining := totalDurationS - doneS
	if remaining <= 0 {
		return 0
	}
	bytesPerSecond := float64(info.Size()) / totalDurationS
	return int64(bytesPerSecond * remaining)
}

// clipName names a clip by its start offset in milliseconds so that names
// stay stable across resumes and size adaptation.
func clipName(startS float64) string {
	return fmt.Sprintf("segment_%09d.mp4", int64(math.Round(startS*1000)))
}

// fileChecksum returns the hex SHA-256 of a file's contents.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path is scratch-derived
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
