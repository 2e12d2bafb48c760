// Package pipeline contains the stage scheduler that drives jobs through the
// subtitle pipeline, and the cleanup reaper for terminal jobs. The scheduler
// is the single writer of job state: stage components return pure results
// and the scheduler integrates and persists them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/maauso/subpipe/internal/blob"
	"github.com/maauso/subpipe/internal/clock"
	"github.com/maauso/subpipe/internal/fault"
	"github.com/maauso/subpipe/internal/job"
	"github.com/maauso/subpipe/internal/model"
	"github.com/maauso/subpipe/internal/subtitle"
)

// SourceValidator admits or rejects a source file.
type SourceValidator interface {
	Admit(ctx context.Context, path string) (job.Media, error)
}

// SegmentPlanner extracts a source into contiguous clips under scratch.
// persist is invoked with the list so far after each extraction so partial
// progress survives a crash.
type SegmentPlanner interface {
	Run(ctx context.Context, jobID, sourcePath string, mediaDurationS float64, prior []job.Segment, persist func(context.Context, []job.Segment) error) ([]job.Segment, error)
	ScratchDir(jobID string) string
}

// PromptSource resolves the prompt for a target language and mode.
type PromptSource interface {
	Resolve(language string, mode job.Mode) model.Prompt
}

// TrackMerger assembles per-segment cues into one absolute-time track.
type TrackMerger interface {
	Merge(segments []job.Segment, perSegment map[int][]subtitle.Cue) ([]subtitle.Cue, error)
}

// QualityGate evaluates a merged track.
type QualityGate interface {
	Evaluate(ctx context.Context, cues []subtitle.Cue, mediaDurationS float64, sourceLang, targetLang string) (subtitle.Verdict, subtitle.Metrics, []string, error)
}

// Cleaner releases a terminal job's blob namespace and scratch directory.
type Cleaner interface {
	CleanupJob(ctx context.Context, j *job.Job) error
}

// Config holds the scheduler limits and policy knobs.
type Config struct {
	MaxAttempts              int
	MaxConcurrentJobs        int64
	MaxConcurrentUploads     int64
	MaxConcurrentGenerations int64
	QuotaCooldown            time.Duration
	SourceLanguage           string
	OutputDir                string
}

// Deps are the ports the scheduler drives.
type Deps struct {
	Store     job.Store
	Validator SourceValidator
	Segmenter SegmentPlanner
	Blobs     blob.Store
	Generator model.Generator
	Prompts   PromptSource
	Merger    TrackMerger
	Gate      QualityGate
	Cleaner   Cleaner
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Scheduler drives jobs from their current stage to a terminal one.
type Scheduler struct {
	cfg  Config
	deps Deps

	// genSem bounds generations process-wide, across all jobs.
	genSem *semaphore.Weighted
	// saveMu serializes durable writes of job records.
	saveMu sync.Mutex
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = 3
	}
	if cfg.MaxConcurrentGenerations <= 0 {
		cfg.MaxConcurrentGenerations = 4
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		genSem: semaphore.NewWeighted(cfg.MaxConcurrentGenerations),
	}
}

// Create builds a new job for a source file and persists it.
func (s *Scheduler) Create(ctx context.Context, sourcePath string, targets []job.Target) (*job.Job, error) {
	if len(targets) == 0 {
		return nil, errors.New("pipeline: at least one target is required")
	}
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	j := job.New(sourcePath, base, targets)
	if err := s.deps.Store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}
	s.deps.Logger.Info("job created",
		"job", j.ID, "source", sourcePath, "targets", len(targets))
	return j, nil
}

// Run drives one job until it reaches a terminal stage. The job record is
// persisted after every stage transition and every completed unit, so a
// crashed run resumes from its last durable state.
func (s *Scheduler) Run(ctx context.Context, j *job.Job) error {
	logger := s.deps.Logger.With("job", j.ID)

	for !j.IsTerminal() {
		if err := s.waitIfPaused(ctx, j); err != nil {
			return s.settleFault(ctx, j, logger, err)
		}

		stage := j.CurrentStage()
		var err error
		switch stage {
		case job.StageNew:
			err = s.validate(ctx, j)
		case job.StageValidated:
			err = s.segment(ctx, j)
		case job.StageSegmented:
			err = s.upload(ctx, j, logger)
		case job.StageUploaded:
			err = s.generate(ctx, j, logger)
		case job.StageGenerated:
			err = s.merge(ctx, j, logger)
		case job.StageMerged:
			err = s.quality(ctx, j, logger)
		case job.StageQualityChecked:
			err = s.emit(ctx, j)
		case job.StageEmitted:
			err = s.complete(ctx, j, logger)
		default:
			err = fault.New(fault.KindUnknown, "scheduler",
				fmt.Sprintf("unhandled stage %s", stage))
		}

		if err != nil {
			return s.settleFault(ctx, j, logger, err)
		}
		if next := j.CurrentStage(); next != stage {
			logger.Info("stage transition", "from", stage, "to", next)
		}
	}
	return nil
}

// settleFault applies the fault policy to an error that escaped a stage.
// Unit-level retries are handled inside the stages; whatever reaches here
// either pauses, fails, abandons, or leaves the job resumable.
func (s *Scheduler) settleFault(ctx context.Context, j *job.Job, logger *slog.Logger, err error) error {
	kind := fault.KindOf(err)
	rec := errorRecord(kind, err)
	policy := fault.PolicyFor(kind)

	switch {
	case policy.Pause:
		until := s.deps.Clock.Now().Add(s.cfg.QuotaCooldown)
		logger.Warn("quota exhausted, pausing job", "until", until, "err", err)
		j.SetError(rec)
		j.PauseUntil(until)
		return s.persist(context.WithoutCancel(ctx), j)

	case policy.Abandon:
		logger.Info("job abandoned", "err", err)
		if aerr := j.Abandon(rec); aerr != nil {
			return aerr
		}
		if perr := s.persist(context.WithoutCancel(ctx), j); perr != nil {
			return perr
		}
		s.cleanup(j, logger)
		return nil

	case policy.Fatal, policy.ConsumeAttempt:
		// Attempt-counted kinds only reach here with their budget exhausted.
		logger.Error("job failed", "kind", kind, "err", err)
		if ferr := j.Fail(rec); ferr != nil {
			return ferr
		}
		if perr := s.persist(context.WithoutCancel(ctx), j); perr != nil {
			return perr
		}
		s.cleanup(j, logger)
		return err

	default:
		// Transient faults already exhausted their internal retry budget.
		// Record and leave the job at its current stage for a later resume.
		logger.Warn("leaving job resumable after transient fault", "err", err)
		j.SetError(rec)
		if perr := s.persist(context.WithoutCancel(ctx), j); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}
}

// cleanup invokes the reaper for a terminal job.
func (s *Scheduler) cleanup(j *job.Job, logger *slog.Logger) {
	if s.deps.Cleaner == nil {
		return
	}
	// Cleanup must proceed even when the run's context is gone.
	if err := s.deps.Cleaner.CleanupJob(context.Background(), j); err != nil {
		logger.Warn("cleanup failed, deferred to sweep", "err", err)
	}
}

// waitIfPaused blocks until a quota pause elapses.
func (s *Scheduler) waitIfPaused(ctx context.Context, j *job.Job) error {
	until := j.Clone().PausedUntil
	for {
		remaining := until.Sub(s.deps.Clock.Now())
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindCancelled, "scheduler", "cancelled during quota pause", ctx.Err())
		case <-time.After(minDuration(remaining, 100*time.Millisecond)):
		}
	}
}

// RunAll runs a batch of jobs with at most MaxConcurrentJobs in flight.
// A failed job does not cancel its siblings.
func (s *Scheduler) RunAll(ctx context.Context, jobs []*job.Job) error {
	var g errgroup.Group
	g.SetLimit(int(s.cfg.MaxConcurrentJobs))

	errs := make([]error, len(jobs))
	for i, j := range jobs {
		g.Go(func() error {
			errs[i] = s.Run(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Resume loads every non-terminal job from the store and runs it.
func (s *Scheduler) Resume(ctx context.Context) error {
	jobs, err := s.deps.Store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	s.deps.Logger.Info("resuming jobs", "count", len(jobs))
	return s.RunAll(ctx, jobs)
}

// persist durably writes the job record. Writes are serialized because the
// file store's backup rotation is not concurrency-safe per record.
func (s *Scheduler) persist(ctx context.Context, j *job.Job) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.deps.Store.Save(ctx, j)
}

// transition moves the job to the next stage and persists the record.
func (s *Scheduler) transition(ctx context.Context, j *job.Job, to job.Stage) error {
	if err := j.TransitionTo(to); err != nil {
		return fault.Wrap(fault.KindUnknown, "scheduler", "stage transition rejected", err)
	}
	return s.persist(ctx, j)
}

// errorRecord converts a classified error into its durable form.
func errorRecord(kind fault.Kind, err error) job.ErrorRecord {
	rec := job.ErrorRecord{
		Kind:    string(kind),
		Message: err.Error(),
		At:      time.Now(),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		rec.Component = fe.Component
		if len(fe.Context) > 0 {
			rec.Context = make(map[string]string, len(fe.Context))
			for k, v := range fe.Context {
				rec.Context[k] = v
			}
		}
	}
	return rec
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
