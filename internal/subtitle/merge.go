package subtitle

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/maauso/subpipe/internal/fault"
	"github.com/maauso/subpipe/internal/job"
)

const (
	// clipTolerance is how far a segment-local cue may run past the segment
	// end before it is clipped back to the segment duration.
	clipTolerance = 50 * time.Millisecond

	// snapLimit is the largest overlap resolved by snapping the later cue
	// forward. Larger overlaps truncate the earlier cue instead.
	snapLimit = 200 * time.Millisecond
)

// Merger assembles per-segment cue sequences into one absolute-time track.
type Merger struct {
	maxCueDuration time.Duration
	logger         *slog.Logger
}

// NewMerger creates a Merger. maxCueDuration bounds individual cue length;
// zero disables splitting.
func NewMerger(maxCueDuration time.Duration, logger *slog.Logger) *Merger {
	return &Merger{maxCueDuration: maxCueDuration, logger: logger}
}

// Merge offsets each segment's cues by the segment start, concatenates them
// in segment order, resolves overlaps, splits over-long cues, and renumbers
// from 1. The result is deterministic for identical inputs. A sequence that
// still violates the track invariants afterwards is a structural fault.
func (m *Merger) Merge(segments []job.Segment, perSegment map[int][]Cue) ([]Cue, error) {
	var merged []Cue
	for _, seg := range segments {
		for _, c := range perSegment[seg.Index] {
			c, ok := clipToSegment(c, seg)
			if !ok {
				m.logger.Warn("dropping degenerate cue after clipping",
					"segment", seg.Index, "start", c.Start, "text", c.Text)
				continue
			}
			merged = append(merged, c)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Start < merged[j].Start
	})

	merged = m.resolveOverlaps(merged)
	merged = m.splitLongCues(merged)

	for i := range merged {
		merged[i].Index = i + 1
	}

	if err := checkTrackInvariants(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// clipToSegment constrains a segment-local cue to the segment window, shifts
// it to absolute time, and reports whether it survived.
func clipToSegment(c Cue, seg job.Segment) (Cue, bool) {
	segDur := secondsToDuration(seg.Duration)
	if c.Start < 0 {
		c.Start = 0
	}
	if c.End > segDur+clipTolerance {
		c.End = segDur
	}
	if c.End <= c.Start {
		return c, false
	}
	offset := secondsToDuration(seg.Start)
	c.Start += offset
	c.End += offset
	return c, true
}

// resolveOverlaps applies the tie-break policy pairwise in start order.
func (m *Merger) resolveOverlaps(cues []Cue) []Cue {
	out := cues[:0]
	for _, cur := range cues {
		if len(out) == 0 {
			out = append(out, cur)
			continue
		}
		prev := &out[len(out)-1]
		if cur.Start < prev.End {
			overlap := prev.End - cur.Start
			if overlap <= snapLimit {
				cur.Start = prev.End
				if cur.End <= cur.Start {
					m.logger.Warn("dropping cue swallowed by overlap snap",
						"start", cur.Start, "text", cur.Text)
					continue
				}
			} else {
				m.logger.Warn("truncating cue to resolve overlap",
					"overlap", overlap, "prev_end", prev.End, "next_start", cur.Start)
				prev.End = cur.Start - time.Millisecond
				if prev.End <= prev.Start {
					// The earlier cue collapsed entirely; replace it.
					out[len(out)-1] = cur
					continue
				}
			}
		}
		out = append(out, cur)
	}
	return out
}

// splitLongCues breaks every cue longer than the bound into the minimum
// number of pieces that respect it. Each piece takes the full bound except
// the last, and the piece texts concatenate back to the original.
func (m *Merger) splitLongCues(cues []Cue) []Cue {
	if m.maxCueDuration <= 0 {
		return cues
	}
	var out []Cue
	for _, c := range cues {
		if c.Duration() <= m.maxCueDuration {
			out = append(out, c)
			continue
		}
		pieces := int((c.Duration() + m.maxCueDuration - 1) / m.maxCueDuration)
		texts := splitText(c.Text, pieces)
		for p := 0; p < pieces; p++ {
			start := c.Start + time.Duration(p)*m.maxCueDuration
			end := start + m.maxCueDuration
			if end > c.End {
				end = c.End
			}
			out = append(out, Cue{Start: start, End: end, Text: texts[p]})
		}
	}
	return out
}

// splitText divides text into n near-even rune chunks whose concatenation is
// the original. When the text is shorter than n every chunk repeats it whole.
func splitText(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		chunks := make([]string, n)
		for i := range chunks {
			chunks[i] = text
		}
		return chunks
	}
	chunks := make([]string, 0, n)
	base := len(runes) / n
	extra := len(runes) % n
	pos := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		chunks = append(chunks, string(runes[pos:pos+size]))
		pos += size
	}
	return chunks
}

// checkTrackInvariants verifies the merged-track contract: positive-length
// non-overlapping cues in strictly increasing start order with text.
func checkTrackInvariants(cues []Cue) error {
	for i, c := range cues {
		if c.End <= c.Start {
			return fault.New(fault.KindStructuralInvariant, "merger",
				fmt.Sprintf("cue %d has non-positive duration", i+1))
		}
		if c.Text == "" {
			return fault.New(fault.KindStructuralInvariant, "merger",
				fmt.Sprintf("cue %d has empty text", i+1))
		}
		if i > 0 {
			if c.Start <= cues[i-1].Start {
				return fault.New(fault.KindStructuralInvariant, "merger",
					fmt.Sprintf("cue %d does not start after cue %d", i+1, i))
			}
			if c.Start < cues[i-1].End {
				return fault.New(fault.KindStructuralInvariant, "merger",
					fmt.Sprintf("cue %d overlaps cue %d", i+1, i))
			}
		}
	}
	return nil
}

// secondsToDuration converts float seconds to a Duration at ms precision.
func secondsToDuration(s float64) time.Duration {
	return time.Duration(s*1000+0.5) * time.Millisecond
}
