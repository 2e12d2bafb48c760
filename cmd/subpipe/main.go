// Package main provides the subpipe command line entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maauso/subpipe/internal/bootstrap"
	"github.com/maauso/subpipe/internal/config"
	"github.com/maauso/subpipe/internal/job"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		videoPath = flag.String("video", "", "source video file to process")
		languages = flag.String("languages", "", "comma-separated target language codes, e.g. eng,spa")
		sdh       = flag.String("sdh", "", "comma-separated languages that also get an SDH variant")
		resume    = flag.String("resume", "", "job id to resume, or 'all' for every interrupted job")
		sweep     = flag.Bool("sweep", false, "retry pending cleanups for old terminal jobs and exit")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	// Interrupts cancel the context; in-flight jobs are recorded as
	// abandoned and can be re-submitted later.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting subpipe",
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.String("output_dir", cfg.OutputDir),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	switch {
	case *sweep:
		return deps.Reaper.Sweep(ctx)
	case *resume == "all":
		return deps.Scheduler.Resume(ctx)
	case *resume != "":
		j, err := deps.Store.Load(ctx, *resume)
		if err != nil {
			return fmt.Errorf("load job %s: %w", *resume, err)
		}
		if j.IsTerminal() {
			return fmt.Errorf("job %s already finished in stage %s", j.ID, j.CurrentStage())
		}
		return deps.Scheduler.Run(ctx, j)
	case *videoPath != "":
		targets, err := parseTargets(*languages, *sdh, cfg.SourceLanguage)
		if err != nil {
			return err
		}
		j, err := deps.Scheduler.Create(ctx, *videoPath, targets)
		if err != nil {
			return err
		}
		if err := deps.Scheduler.Run(ctx, j); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
		return nil
	default:
		return errors.New("nothing to do: pass -video, -resume, or -sweep")
	}
}

// parseTargets builds the requested track set. Without -languages the source
// language gets a single standard track.
func parseTargets(languages, sdh, sourceLanguage string) ([]job.Target, error) {
	langs := splitList(languages)
	if len(langs) == 0 {
		langs = []string{sourceLanguage}
	}

	seen := make(map[string]bool, len(langs))
	targets := make([]job.Target, 0, len(langs))
	for _, lang := range langs {
		if seen[lang] {
			continue
		}
		seen[lang] = true
		targets = append(targets, job.Target{Language: lang})
	}

	for _, lang := range splitList(sdh) {
		if !seen[lang] {
			return nil, fmt.Errorf("sdh language %q is not in -languages", lang)
		}
		targets = append(targets, job.Target{Language: lang, Mode: job.ModeSDH})
	}
	return targets, nil
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
