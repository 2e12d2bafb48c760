package subtitle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Verdict is the quality gate outcome for one merged track.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictRetry  Verdict = "retry"
	VerdictFail   Verdict = "fail"
)

// Metrics are the structural measurements over a merged track.
type Metrics struct {
	CueCount        int
	EmptyCues       int
	OverlapCount    int
	MeanDensityCPS  float64
	MaxDensityCPS   float64
	MeanCueDuration float64
	MaxCueDuration  float64
	CoveredS        float64
	Coverage        float64

	// Linguistic scores, populated only for cross-language targets.
	TranslationQuality float64
	CulturalAccuracy   float64
	Scored             bool
}

// Scorer rates translation quality of a track against the source language.
// Scores are in [0, 1].
type Scorer interface {
	Score(ctx context.Context, cues []Cue, sourceLang, targetLang string) (quality, cultural float64, err error)
}

// Thresholds are the acceptance bounds for the quality gate.
type Thresholds struct {
	MinCoverage           float64
	MaxDensityCPS         float64
	MinTranslationQuality float64
	MinCulturalAccuracy   float64
}

// Gate evaluates merged tracks. The scorer is optional; without one the
// linguistic checks are skipped.
type Gate struct {
	thresholds Thresholds
	scorer     Scorer
	logger     *slog.Logger
}

// NewGate creates a Gate.
func NewGate(thresholds Thresholds, scorer Scorer, logger *slog.Logger) *Gate {
	return &Gate{thresholds: thresholds, scorer: scorer, logger: logger}
}

// ComputeMetrics measures a merged track against the media duration.
func ComputeMetrics(cues []Cue, mediaDurationS float64) Metrics {
	m := Metrics{CueCount: len(cues)}
	var densitySum float64
	for i, c := range cues {
		durS := c.Duration().Seconds()
		if strings.TrimSpace(c.Text) == "" {
			m.EmptyCues++
		}
		if i > 0 && c.Start < cues[i-1].End {
			m.OverlapCount++
		}
		if durS > 0 {
			density := float64(charCount(c.Text)) / durS
			densitySum += density
			if density > m.MaxDensityCPS {
				m.MaxDensityCPS = density
			}
		}
		m.CoveredS += durS
		if durS > m.MaxCueDuration {
			m.MaxCueDuration = durS
		}
	}
	if len(cues) > 0 {
		m.MeanDensityCPS = densitySum / float64(len(cues))
		m.MeanCueDuration = m.CoveredS / float64(len(cues))
	}
	if mediaDurationS > 0 {
		m.Coverage = m.CoveredS / mediaDurationS
	}
	return m
}

// charCount counts spoken characters, ignoring line breaks.
func charCount(text string) int {
	return utf8.RuneCountInString(strings.ReplaceAll(text, "\n", ""))
}

// Evaluate computes metrics and returns the verdict with its reasons.
// Structural violations (overlaps, empty cues) yield a fail verdict since
// regenerating the same inputs reproduces them; quality shortfalls yield
// retry and the scheduler decides whether attempts remain.
func (g *Gate) Evaluate(ctx context.Context, cues []Cue, mediaDurationS float64, sourceLang, targetLang string) (Verdict, Metrics, []string, error) {
	m := ComputeMetrics(cues, mediaDurationS)

	var structural, quality []string
	if m.OverlapCount > 0 {
		structural = append(structural, fmt.Sprintf("%d overlapping cues", m.OverlapCount))
	}
	if m.EmptyCues > 0 {
		structural = append(structural, fmt.Sprintf("%d empty cues", m.EmptyCues))
	}
	if m.Coverage < g.thresholds.MinCoverage {
		quality = append(quality, fmt.Sprintf("coverage %.2f below %.2f", m.Coverage, g.thresholds.MinCoverage))
	}
	if g.thresholds.MaxDensityCPS > 0 && m.MeanDensityCPS > g.thresholds.MaxDensityCPS {
		quality = append(quality, fmt.Sprintf("mean density %.1f cps above %.1f", m.MeanDensityCPS, g.thresholds.MaxDensityCPS))
	}

	if g.scorer != nil && !strings.EqualFold(sourceLang, targetLang) {
		tq, ca, err := g.scorer.Score(ctx, cues, sourceLang, targetLang)
		if err != nil {
			return "", m, nil, fmt.Errorf("score track %s: %w", targetLang, err)
		}
		m.TranslationQuality = tq
		m.CulturalAccuracy = ca
		m.Scored = true
		if tq < g.thresholds.MinTranslationQuality {
			quality = append(quality, fmt.Sprintf("translation quality %.2f below %.2f", tq, g.thresholds.MinTranslationQuality))
		}
		if ca < g.thresholds.MinCulturalAccuracy {
			quality = append(quality, fmt.Sprintf("cultural accuracy %.2f below %.2f", ca, g.thresholds.MinCulturalAccuracy))
		}
	}

	switch {
	case len(structural) > 0:
		g.logger.Warn("track failed structural checks",
			"target", targetLang, "reasons", strings.Join(structural, "; "))
		return VerdictFail, m, structural, nil
	case len(quality) > 0:
		g.logger.Info("track below quality thresholds",
			"target", targetLang, "reasons", strings.Join(quality, "; "))
		return VerdictRetry, m, quality, nil
	default:
		return VerdictAccept, m, nil, nil
	}
}

// Report renders the metrics as the human-readable block written into the
// job's summary file.
func (m Metrics) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cues: %d\n", m.CueCount)
	fmt.Fprintf(&b, "coverage: %.1f%%\n", m.Coverage*100)
	fmt.Fprintf(&b, "mean density: %.1f chars/sec\n", m.MeanDensityCPS)
	fmt.Fprintf(&b, "mean cue duration: %s\n", time.Duration(m.MeanCueDuration*float64(time.Second)).Round(time.Millisecond))
	fmt.Fprintf(&b, "max cue duration: %s\n", time.Duration(m.MaxCueDuration*float64(time.Second)).Round(time.Millisecond))
	if m.Scored {
		fmt.Fprintf(&b, "translation quality: %.2f\n", m.TranslationQuality)
		fmt.Fprintf(&b, "cultural accuracy: %.2f\n", m.CulturalAccuracy)
	}
	return b.String()
}
