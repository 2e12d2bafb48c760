// Package subtitle implements the cue model shared by the pipeline: parsing
// model output, offsetting and merging per-segment sequences, rendering the
// two emitted formats, and the quality gate over a merged sequence.
package subtitle

import (
	"fmt"
	"time"
)

// Cue is one timed subtitle entry. Times are offsets from the start of the
// sequence's time base (segment-local before merging, absolute after).
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string // may contain newlines for multi-line cues
}

// Duration returns the cue's display duration.
func (c Cue) Duration() time.Duration {
	return c.End - c.Start
}

// formatTimestamp renders d as HH:MM:SS<sep>mmm with millisecond precision.
func formatTimestamp(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d%c%03d",
		ms/3600000, (ms%3600000)/60000, (ms%60000)/1000, sep, ms%1000)
}
