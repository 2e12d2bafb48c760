package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maauso/subpipe/internal/blob"
	"github.com/maauso/subpipe/internal/clock"
	"github.com/maauso/subpipe/internal/job"
)

// Reaper releases the resources of terminal jobs: the blob namespace and the
// scratch partition. Job records themselves are retained. It runs on every
// terminal transition and as a periodic sweep that picks up cleanups that
// failed the first time.
type Reaper struct {
	store       job.Store
	blobs       blob.Store
	scratchRoot string
	keepTemp    bool
	retention   time.Duration
	clk         clock.Clock
	logger      *slog.Logger
}

// NewReaper creates a Reaper. keepTemp preserves scratch directories for
// debugging; blob namespaces are always released.
func NewReaper(store job.Store, blobs blob.Store, scratchRoot string, keepTemp bool, retention time.Duration, clk clock.Clock, logger *slog.Logger) *Reaper {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reaper{
		store:       store,
		blobs:       blobs,
		scratchRoot: scratchRoot,
		keepTemp:    keepTemp,
		retention:   retention,
		clk:         clk,
		logger:      logger,
	}
}

// Compile-time check that Reaper implements Cleaner.
var _ Cleaner = (*Reaper)(nil)

// CleanupJob releases one terminal job's resources. A failed blob deletion
// marks the record cleanup-pending so the next sweep retries it.
func (r *Reaper) CleanupJob(ctx context.Context, j *job.Job) error {
	logger := r.logger.With("job", j.ID)

	if err := r.blobs.DeletePrefix(ctx, j.BlobNamespace); err != nil {
		logger.Warn("blob namespace cleanup failed, marking pending", "err", err)
		j.SetCleanupPending(true)
		if serr := r.store.Save(ctx, j); serr != nil {
			logger.Error("could not persist cleanup-pending marker", "err", serr)
		}
		return err
	}

	if j.Clone().CleanupPending {
		j.SetCleanupPending(false)
		if err := r.store.Save(ctx, j); err != nil {
			logger.Error("could not clear cleanup-pending marker", "err", err)
		}
	}

	if !r.keepTemp {
		scratch := filepath.Join(r.scratchRoot, j.ID)
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("scratch removal failed", "dir", scratch, "err", err)
			return err
		}
	}

	logger.Info("job resources released")
	return nil
}

// Sweep retries cleanup for terminal jobs older than the retention window.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := r.clk.Now().Add(-r.retention)
	jobs, err := r.store.ListTerminal(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, j := range jobs {
		scratch := filepath.Join(r.scratchRoot, j.ID)
		_, scratchErr := os.Stat(scratch)
		if !j.Clone().CleanupPending && (r.keepTemp || scratchErr != nil) {
			continue
		}
		if err := r.CleanupJob(ctx, j); err != nil {
			r.logger.Warn("sweep cleanup failed, will retry next sweep", "job", j.ID, "err", err)
		}
	}
	return nil
}

// RunPeriodic sweeps at the given interval until the context ends.
func (r *Reaper) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Warn("periodic sweep failed", "err", err)
			}
		}
	}
}
