package subtitle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// fakeScorer returns fixed linguistic scores.
type fakeScorer struct {
	quality  float64
	cultural float64
	err      error
	calls    int
}

func (f *fakeScorer) Score(_ context.Context, _ []Cue, _, _ string) (float64, float64, error) {
	f.calls++
	return f.quality, f.cultural, f.err
}

func defaultThresholds() Thresholds {
	return Thresholds{
		MinCoverage:           0.6,
		MaxDensityCPS:         25,
		MinTranslationQuality: 0.70,
		MinCulturalAccuracy:   0.80,
	}
}

func newTestGate(scorer Scorer) *Gate {
	return NewGate(defaultThresholds(), scorer, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// goodTrack covers 80 of 100 seconds at a modest reading speed.
func goodTrack() []Cue {
	cues := make([]Cue, 0, 20)
	for i := 0; i < 20; i++ {
		start := time.Duration(i*5) * time.Second
		cues = append(cues, Cue{
			Index: i + 1,
			Start: start,
			End:   start + 4*time.Second,
			Text:  "A calm spoken sentence.",
		})
	}
	return cues
}

func TestComputeMetrics(t *testing.T) {
	m := ComputeMetrics(goodTrack(), 100)

	if m.CueCount != 20 {
		t.Errorf("CueCount = %d", m.CueCount)
	}
	if m.OverlapCount != 0 || m.EmptyCues != 0 {
		t.Errorf("overlaps = %d, empties = %d", m.OverlapCount, m.EmptyCues)
	}
	if m.Coverage < 0.79 || m.Coverage > 0.81 {
		t.Errorf("Coverage = %v, want 0.80", m.Coverage)
	}
	// 23 chars over 4 seconds.
	if m.MeanDensityCPS < 5.7 || m.MeanDensityCPS > 5.8 {
		t.Errorf("MeanDensityCPS = %v", m.MeanDensityCPS)
	}
	if m.MaxCueDuration != 4 {
		t.Errorf("MaxCueDuration = %v", m.MaxCueDuration)
	}
}

func TestComputeMetrics_CountsDefects(t *testing.T) {
	cues := []Cue{
		{Start: 0, End: 2 * time.Second, Text: "a"},
		{Start: 1 * time.Second, End: 3 * time.Second, Text: "   "},
	}
	m := ComputeMetrics(cues, 10)
	if m.OverlapCount != 1 {
		t.Errorf("OverlapCount = %d, want 1", m.OverlapCount)
	}
	if m.EmptyCues != 1 {
		t.Errorf("EmptyCues = %d, want 1", m.EmptyCues)
	}
}

func TestGate_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts a clean same-language track", func(t *testing.T) {
		scorer := &fakeScorer{}
		g := newTestGate(scorer)
		verdict, _, reasons, err := g.Evaluate(ctx, goodTrack(), 100, "eng", "eng")
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if verdict != VerdictAccept {
			t.Errorf("verdict = %s, reasons = %v", verdict, reasons)
		}
		if scorer.calls != 0 {
			t.Error("same-language track must not be scored")
		}
	})

	t.Run("low coverage yields retry", func(t *testing.T) {
		g := newTestGate(nil)
		track := goodTrack()[:5]
		verdict, _, reasons, err := g.Evaluate(ctx, track, 100, "eng", "eng")
		if err != nil {
			t.Fatal(err)
		}
		if verdict != VerdictRetry {
			t.Errorf("verdict = %s", verdict)
		}
		if len(reasons) == 0 || !strings.Contains(reasons[0], "coverage") {
			t.Errorf("reasons = %v", reasons)
		}
	})

	t.Run("excess density yields retry", func(t *testing.T) {
		g := newTestGate(nil)
		dense := make([]Cue, 0, 100)
		for i := 0; i < 100; i++ {
			start := time.Duration(i) * time.Second
			dense = append(dense, Cue{
				Start: start,
				End:   start + time.Second,
				Text:  strings.Repeat("x", 40),
			})
		}
		verdict, m, _, err := g.Evaluate(ctx, dense, 100, "eng", "eng")
		if err != nil {
			t.Fatal(err)
		}
		if verdict != VerdictRetry {
			t.Errorf("verdict = %s (density %v)", verdict, m.MeanDensityCPS)
		}
	})

	t.Run("structural defect yields fail", func(t *testing.T) {
		g := newTestGate(nil)
		track := goodTrack()
		track[1].Start = track[0].End - 100*time.Millisecond
		verdict, _, reasons, err := g.Evaluate(ctx, track, 100, "eng", "eng")
		if err != nil {
			t.Fatal(err)
		}
		if verdict != VerdictFail {
			t.Errorf("verdict = %s, reasons = %v", verdict, reasons)
		}
	})

	t.Run("cross-language track is scored", func(t *testing.T) {
		scorer := &fakeScorer{quality: 0.9, cultural: 0.95}
		g := newTestGate(scorer)
		verdict, m, _, err := g.Evaluate(ctx, goodTrack(), 100, "eng", "spa")
		if err != nil {
			t.Fatal(err)
		}
		if verdict != VerdictAccept || scorer.calls != 1 {
			t.Errorf("verdict = %s, scorer calls = %d", verdict, scorer.calls)
		}
		if !m.Scored || m.TranslationQuality != 0.9 {
			t.Errorf("metrics = %+v", m)
		}
	})

	t.Run("low translation quality yields retry", func(t *testing.T) {
		g := newTestGate(&fakeScorer{quality: 0.5, cultural: 0.95})
		verdict, _, reasons, err := g.Evaluate(ctx, goodTrack(), 100, "eng", "spa")
		if err != nil {
			t.Fatal(err)
		}
		if verdict != VerdictRetry {
			t.Errorf("verdict = %s, reasons = %v", verdict, reasons)
		}
	})

	t.Run("scorer failure surfaces as error", func(t *testing.T) {
		g := newTestGate(&fakeScorer{err: errors.New("scorer down")})
		_, _, _, err := g.Evaluate(ctx, goodTrack(), 100, "eng", "spa")
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("without scorer cross-language checks are skipped", func(t *testing.T) {
		g := newTestGate(nil)
		verdict, _, _, err := g.Evaluate(ctx, goodTrack(), 100, "eng", "spa")
		if err != nil {
			t.Fatal(err)
		}
		if verdict != VerdictAccept {
			t.Errorf("verdict = %s", verdict)
		}
	})
}

func TestMetricsReport(t *testing.T) {
	m := ComputeMetrics(goodTrack(), 100)
	m.Scored = true
	m.TranslationQuality = 0.91
	m.CulturalAccuracy = 0.88

	report := m.Report()
	for _, want := range []string{"cues: 20", "coverage: 80.0%", "translation quality: 0.91"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}
