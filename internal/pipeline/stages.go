package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"

	"github.com/maauso/subpipe/internal/fault"
	"github.com/maauso/subpipe/internal/job"
	"github.com/maauso/subpipe/internal/model"
	"github.com/maauso/subpipe/internal/subtitle"
)

// validate admits the source and records its metadata.
func (s *Scheduler) validate(ctx context.Context, j *job.Job) error {
	m, err := s.deps.Validator.Admit(ctx, j.SourcePath)
	if err != nil {
		return err
	}
	j.SetMedia(m)
	return s.transition(ctx, j, job.StageValidated)
}

// segment extracts the source into contiguous clips, reusing any verified
// clips from a previous run. Partial progress is persisted per clip so a
// crashed extraction resumes mid-list.
func (s *Scheduler) segment(ctx context.Context, j *job.Job) error {
	snapshot := j.Clone()
	progress := func(pctx context.Context, segs []job.Segment) error {
		j.SetSegments(segs)
		return s.persist(pctx, j)
	}
	segs, err := s.deps.Segmenter.Run(ctx, j.ID, j.SourcePath, snapshot.Media.DurationS, snapshot.Segments, progress)
	if err != nil {
		return err
	}
	j.SetSegments(segs)
	return s.transition(ctx, j, job.StageSegmented)
}

// upload stages every segment clip into the job's blob namespace. Segments
// already marked uploaded are skipped, so a resumed job uploads nothing twice.
func (s *Scheduler) upload(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(s.cfg.MaxConcurrentUploads))

	for _, seg := range j.Clone().Segments {
		if j.IsUploaded(seg.Index) {
			continue
		}
		g.Go(func() error {
			ref, err := s.deps.Blobs.Put(gctx, j.BlobNamespace, filepath.Base(seg.LocalPath), seg.LocalPath)
			if err != nil {
				return fmt.Errorf("upload segment %d: %w", seg.Index, err)
			}
			j.MarkUploaded(seg.Index, ref)
			logger.Debug("segment uploaded", "segment", seg.Index, "ref", ref)
			return s.persist(gctx, j)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !j.AllUploaded() {
		return fault.New(fault.KindUnknown, "scheduler", "upload pass finished with segments missing")
	}
	return s.transition(ctx, j, job.StageUploaded)
}

// unit is one (segment, target) generation work item.
type unit struct {
	seg    job.Segment
	target job.Target
}

// generate produces model output for every pending unit. Units are dispatched
// FIFO within the job under the process-wide generation semaphore. Invalid
// model output consumes the unit's attempt and is retried in the next pass;
// quota faults pause the whole job without consuming attempts.
func (s *Scheduler) generate(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	for {
		pending := s.pendingUnits(j)
		if len(pending) == 0 {
			return s.transition(ctx, j, job.StageGenerated)
		}

		var (
			mu       sync.Mutex
			quotaHit error
			retries  int
		)
		g, gctx := errgroup.WithContext(ctx)
		for _, u := range pending {
			g.Go(func() error {
				if err := s.genSem.Acquire(gctx, 1); err != nil {
					return fault.Wrap(fault.KindCancelled, "scheduler", "cancelled awaiting generation slot", err)
				}
				defer s.genSem.Release(1)

				err := s.generateUnit(gctx, j, u)
				if err == nil {
					return nil
				}
				policy := fault.PolicyFor(fault.KindOf(err))
				if policy.Pause {
					mu.Lock()
					quotaHit = err
					mu.Unlock()
					return nil
				}
				if policy.ConsumeAttempt && policy.Retry {
					key := job.UnitKey(u.seg.Index, u.target)
					n := j.ConsumeAttempt(key)
					if n < s.cfg.MaxAttempts {
						logger.Warn("unit attempt failed, will retry",
							"unit", key, "attempt", n, "err", err)
						mu.Lock()
						retries++
						mu.Unlock()
						return nil
					}
					return fault.Wrap(fault.KindOf(err), "scheduler",
						fmt.Sprintf("unit %s exhausted %d attempts", key, n), err)
				}
				// Fatal for the job; the group cancels the sibling units.
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if quotaHit != nil {
			until := s.deps.Clock.Now().Add(s.cfg.QuotaCooldown)
			logger.Warn("generation quota exhausted, pausing", "until", until)
			j.PauseUntil(until)
			if err := s.persist(ctx, j); err != nil {
				return err
			}
			if err := s.waitIfPaused(ctx, j); err != nil {
				return err
			}
			continue
		}
		if retries > 0 {
			logger.Info("re-dispatching failed units", "count", retries)
		}
	}
}

// pendingUnits lists units without a usable result, FIFO by segment then by
// target order. A recorded result whose scratch file disappeared is treated
// as pending again.
func (s *Scheduler) pendingUnits(j *job.Job) []unit {
	snapshot := j.Clone()
	var units []unit
	for _, seg := range snapshot.Segments {
		for _, t := range snapshot.Targets {
			key := job.UnitKey(seg.Index, t)
			if path, ok := snapshot.Results[key]; ok {
				if _, err := os.Stat(path); err == nil {
					continue
				}
				j.ClearResults(t, []int{seg.Index})
			}
			units = append(units, unit{seg: seg, target: t})
		}
	}
	sort.SliceStable(units, func(a, b int) bool {
		return units[a].seg.Index < units[b].seg.Index
	})
	return units
}

// generateUnit runs one generation RPC, validates that the output parses,
// and durably records the result.
func (s *Scheduler) generateUnit(ctx context.Context, j *job.Job, u unit) error {
	req := model.Request{
		SegmentRef:      u.seg.BlobKey,
		SegmentChecksum: u.seg.Checksum,
		Language:        u.target.Language,
		Mode:            u.target.Mode,
		Prompt:          s.deps.Prompts.Resolve(u.target.Language, u.target.Mode),
	}
	text, err := s.deps.Generator.Generate(ctx, req)
	if err != nil {
		return err
	}

	// Validate now so a retry happens while the attempt budget is in scope.
	if _, perr := subtitle.Parse(text); perr != nil {
		return fault.Wrap(fault.KindModelOutputInvalid, "scheduler",
			fmt.Sprintf("segment %d %s output rejected", u.seg.Index, u.target.Key()), perr)
	}

	path, err := s.writeResult(j, u, text)
	if err != nil {
		return err
	}
	j.SetResult(job.UnitKey(u.seg.Index, u.target), path)
	return s.persist(ctx, j)
}

// writeResult stores raw model output under the job's scratch partition.
func (s *Scheduler) writeResult(j *job.Job, u unit, text string) (string, error) {
	dir := filepath.Join(s.deps.Segmenter.ScratchDir(j.ID), "results")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", classifyScratchErr("create results dir", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%03d_%s.srt", u.seg.Index, u.target.Key()))
	if err := renameio.WriteFile(path, []byte(text), 0o600); err != nil {
		return "", classifyScratchErr("write result", err)
	}
	return path, nil
}

// merge verifies every unit result still parses and advances to MERGED. A
// missing result file rewinds the job to UPLOADED so the units regenerate.
func (s *Scheduler) merge(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	snapshot := j.Clone()
	var lost bool
	for _, t := range snapshot.Targets {
		if _, err := s.assembleTrack(snapshot, t); err != nil {
			if errors.Is(err, errResultLost) {
				logger.Warn("result files lost, rewinding to regenerate", "target", t.Key())
				j.ClearResults(t, nil)
				lost = true
				continue
			}
			return err
		}
	}
	if lost {
		return s.transition(ctx, j, job.StageUploaded)
	}
	return s.transition(ctx, j, job.StageMerged)
}

// quality gates every target's merged track. Retry verdicts clear the
// target's results and rewind to UPLOADED while the attempt budget lasts.
func (s *Scheduler) quality(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	snapshot := j.Clone()
	var retryTargets []job.Target
	for _, t := range snapshot.Targets {
		track, err := s.assembleTrack(snapshot, t)
		if err != nil {
			return err
		}
		verdict, _, reasons, err := s.deps.Gate.Evaluate(ctx, track,
			snapshot.Media.DurationS, s.cfg.SourceLanguage, t.Language)
		if err != nil {
			return err
		}
		switch verdict {
		case subtitle.VerdictAccept:
			continue
		case subtitle.VerdictRetry:
			n := j.ConsumeAttempt(t.Key())
			if n >= s.cfg.MaxAttempts {
				return fault.New(fault.KindQualityBelowThreshold, "quality",
					fmt.Sprintf("target %s below thresholds after %d attempts: %s",
						t.Key(), n, joinReasons(reasons)))
			}
			logger.Warn("quality retry", "target", t.Key(), "attempt", n, "reasons", joinReasons(reasons))
			retryTargets = append(retryTargets, t)
		case subtitle.VerdictFail:
			return fault.New(fault.KindStructuralInvariant, "quality",
				fmt.Sprintf("target %s structurally invalid: %s", t.Key(), joinReasons(reasons)))
		}
	}

	if len(retryTargets) > 0 {
		// The gate does not attribute faults to individual segments, so the
		// whole target regenerates.
		for _, t := range retryTargets {
			j.ClearResults(t, nil)
		}
		return s.transition(ctx, j, job.StageUploaded)
	}
	return s.transition(ctx, j, job.StageQualityChecked)
}

// errResultLost marks a unit result whose scratch file disappeared.
var errResultLost = errors.New("pipeline: unit result file lost")

// assembleTrack parses every unit result for a target and merges the
// per-segment sequences into one absolute-time track.
func (s *Scheduler) assembleTrack(snapshot *job.Job, t job.Target) ([]subtitle.Cue, error) {
	perSegment := make(map[int][]subtitle.Cue, len(snapshot.Segments))
	for _, seg := range snapshot.Segments {
		path, ok := snapshot.Results[job.UnitKey(seg.Index, t)]
		if !ok {
			return nil, fmt.Errorf("%w: segment %d %s has no result", errResultLost, seg.Index, t.Key())
		}
		data, err := os.ReadFile(path) // #nosec G304 - scratch partition path
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d %s: %v", errResultLost, seg.Index, t.Key(), err)
		}
		cues, err := subtitle.Parse(string(data))
		if err != nil {
			return nil, fault.Wrap(fault.KindModelOutputInvalid, "scheduler",
				fmt.Sprintf("stored result for segment %d %s no longer parses", seg.Index, t.Key()), err)
		}
		perSegment[seg.Index] = cues
	}
	return s.deps.Merger.Merge(snapshot.Segments, perSegment)
}

// emit writes both output formats and the summary file for every target.
func (s *Scheduler) emit(ctx context.Context, j *job.Job) error {
	snapshot := j.Clone()
	outDir := filepath.Join(s.cfg.OutputDir, snapshot.BaseName)
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return classifyScratchErr("create output dir", err)
	}

	summaries := make(map[string]subtitle.Metrics, len(snapshot.Targets))
	for _, t := range snapshot.Targets {
		track, err := s.assembleTrack(snapshot, t)
		if err != nil {
			return err
		}
		paths := job.OutputPaths{
			SRT: filepath.Join(outDir, fmt.Sprintf("%s_%s.srt", snapshot.BaseName, t.Key())),
			VTT: filepath.Join(outDir, fmt.Sprintf("%s_%s.vtt", snapshot.BaseName, t.Key())),
		}
		if err := subtitle.WriteSRT(paths.SRT, track); err != nil {
			return classifyScratchErr("emit compact form", err)
		}
		if err := subtitle.WriteVTT(paths.VTT, track); err != nil {
			return classifyScratchErr("emit cue form", err)
		}
		j.SetOutput(t, paths)
		summaries[t.Key()] = subtitle.ComputeMetrics(track, snapshot.Media.DurationS)
	}

	if err := s.writeSummary(j.Clone(), outDir, summaries); err != nil {
		return err
	}
	return s.transition(ctx, j, job.StageEmitted)
}

// complete stamps the job and hands it to the reaper.
func (s *Scheduler) complete(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	if err := s.transition(ctx, j, job.StageCompleted); err != nil {
		return err
	}
	logger.Info("job completed", "outputs", len(j.Clone().Outputs))
	s.cleanup(j, logger)
	return nil
}

// classifyScratchErr maps local write failures onto the fault taxonomy,
// distinguishing a full disk from other IO errors.
func classifyScratchErr(op string, err error) error {
	if isNoSpace(err) {
		return fault.Wrap(fault.KindDiskExhausted, "scheduler", op, err)
	}
	return fault.Wrap(fault.KindTransientIO, "scheduler", op, err)
}

// isNoSpace reports whether an IO error means the volume is out of space.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "no reasons recorded"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
