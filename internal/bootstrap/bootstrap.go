// Package bootstrap wires configuration into the pipeline's dependency graph.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/maauso/subpipe/internal/blob"
	"github.com/maauso/subpipe/internal/clock"
	"github.com/maauso/subpipe/internal/config"
	"github.com/maauso/subpipe/internal/job"
	"github.com/maauso/subpipe/internal/media"
	"github.com/maauso/subpipe/internal/model"
	"github.com/maauso/subpipe/internal/pipeline"
	"github.com/maauso/subpipe/internal/segment"
	"github.com/maauso/subpipe/internal/subtitle"
)

// Dependencies holds the initialized top-level components the CLI drives.
type Dependencies struct {
	Scheduler *pipeline.Scheduler
	Reaper    *pipeline.Reaper
	Store     job.Store
}

// NewDependencies builds the full dependency graph from configuration.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := job.NewFileStore(cfg.JobStoreDir, logger)
	if err != nil {
		return nil, fmt.Errorf("create job store: %w", err)
	}

	blobs, err := initBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	validator := media.NewValidator(media.NewProber(cfg.FFprobePath), media.Policy{
		MaxSizeBytes:   cfg.MaxVideoSizeBytes,
		MaxDurationS:   cfg.MaxDurationS,
		AdmittedCodecs: cfg.AdmittedCodecs,
	})

	segmenter := segment.New(
		segment.NewFFmpegExtractor(cfg.FFmpegPath),
		cfg.TempDir,
		segment.Options{
			ChunkDurationS:   cfg.ChunkDurationS,
			MaxSegmentBytes:  cfg.MaxSegmentBytes,
			DiskReserveBytes: cfg.DiskReserveBytes,
		},
		logger,
	)

	client, err := model.NewHTTPClient(cfg.ModelEndpoint, cfg.ModelAPIKey,
		model.WithModelID(cfg.ModelIdentifier))
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}
	generator := model.NewAdapter(client, cfg.ModelIdentifier, logger,
		model.WithMaxRetries(cfg.MaxModelRetries))

	prompts, err := model.NewRegistry(cfg.PromptTemplateDir)
	if err != nil {
		return nil, fmt.Errorf("load prompt templates: %w", err)
	}

	merger := subtitle.NewMerger(secondsToDuration(cfg.MaxCueDurationS), logger)
	// No scorer is wired yet; cross-language tracks pass the structural and
	// coverage checks only.
	gate := subtitle.NewGate(subtitle.Thresholds{
		MinCoverage:           cfg.MinCoverage,
		MaxDensityCPS:         cfg.MaxDensityCPS,
		MinTranslationQuality: cfg.MinTranslation,
		MinCulturalAccuracy:   cfg.MinCulturalAcc,
	}, nil, logger)

	reaper := pipeline.NewReaper(store, blobs, cfg.TempDir, cfg.KeepTemp,
		secondsToDuration(cfg.RetentionS), clock.Real{}, logger)

	scheduler := pipeline.NewScheduler(pipeline.Config{
		MaxAttempts:              cfg.MaxAttempts,
		MaxConcurrentJobs:        int64(cfg.MaxConcurrentJobs),
		MaxConcurrentUploads:     int64(cfg.MaxConcurrentUploads),
		MaxConcurrentGenerations: int64(cfg.MaxConcurrentGenerations),
		QuotaCooldown:            secondsToDuration(cfg.QuotaCooldownS),
		SourceLanguage:           cfg.SourceLanguage,
		OutputDir:                cfg.OutputDir,
	}, pipeline.Deps{
		Store:     store,
		Validator: validator,
		Segmenter: segmenter,
		Blobs:     blobs,
		Generator: generator,
		Prompts:   prompts,
		Merger:    merger,
		Gate:      gate,
		Cleaner:   reaper,
		Clock:     clock.Real{},
		Logger:    logger,
	})

	return &Dependencies{
		Scheduler: scheduler,
		Reaper:    reaper,
		Store:     store,
	}, nil
}

// initBlobStore creates the staging backend: S3 when a bucket is configured,
// otherwise a directory next to the scratch partition.
func initBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	if cfg.S3Enabled() {
		s3Store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 blob store: %w", err)
		}
		logger.Info("S3 blob store configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	dir := filepath.Join(cfg.TempDir, "blobs")
	localStore, err := blob.NewLocalStore(dir)
	if err != nil {
		return nil, fmt.Errorf("create local blob store: %w", err)
	}
	logger.Info("local blob store configured", slog.String("dir", dir))
	return localStore, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
