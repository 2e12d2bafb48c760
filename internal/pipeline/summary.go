package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/maauso/subpipe/internal/job"
	"github.com/maauso/subpipe/internal/subtitle"
)

// writeSummary renders the informational companion file listing the emitted
// tracks and their measurements. The file is advisory; its timestamp is the
// only part of the output tree that varies between identical runs.
func (s *Scheduler) writeSummary(snapshot *job.Job, outDir string, metrics map[string]subtitle.Metrics) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Subtitle generation summary for %s\n", snapshot.BaseName)
	fmt.Fprintf(&b, "generated: %s\n", s.deps.Clock.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "source: %s\n", snapshot.SourcePath)
	if m := snapshot.Media; m != nil {
		fmt.Fprintf(&b, "duration: %s\n", m.DurationStr)
		fmt.Fprintf(&b, "resolution: %dx%d\n", m.Width, m.Height)
		fmt.Fprintf(&b, "video codec: %s\n", m.VideoCodec)
	}
	fmt.Fprintf(&b, "segments: %d\n", len(snapshot.Segments))

	keys := make([]string, 0, len(snapshot.Targets))
	for _, t := range snapshot.Targets {
		keys = append(keys, t.Key())
	}
	for _, key := range keys {
		out := snapshot.Outputs[key]
		fmt.Fprintf(&b, "\ntrack %s:\n", key)
		fmt.Fprintf(&b, "  srt: %s\n", out.SRT)
		fmt.Fprintf(&b, "  vtt: %s\n", out.VTT)
		for _, line := range strings.Split(strings.TrimRight(metrics[key].Report(), "\n"), "\n") {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}

	path := summaryPath(outDir, snapshot.BaseName)
	if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return classifyScratchErr("write summary", err)
	}
	return nil
}

// summaryPath returns the informational file's location for a job.
func summaryPath(outDir, baseName string) string {
	return filepath.Join(outDir, baseName+"_info.txt")
}
