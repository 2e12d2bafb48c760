package segment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/maauso/subpipe/internal/fault"
	"github.com/maauso/subpipe/internal/job"
)

// fakeExtractor writes deterministic clip bytes sized by interval duration.
type fakeExtractor struct {
	calls       int
	bytesPerSec int
	failAtStart float64
	failWith    error
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, startS, durationS float64, dest string) error {
	f.calls++
	if f.failWith != nil && startS == f.failAtStart {
		return f.failWith
	}
	size := int(durationS * float64(f.bytesPerSec))
	if size < 1 {
		size = 1
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(int(startS) + i)
	}
	return os.WriteFile(dest, data, 0o600)
}

func newTestSegmenter(t *testing.T, ext Extractor, opts Options) *Segmenter {
	t.Helper()
	if opts.ChunkDurationS == 0 {
		opts.ChunkDurationS = 60
	}
	return New(ext, t.TempDir(), opts, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func writeSource(t *testing.T, size int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "source-*.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	return f.Name()
}

func TestPlan(t *testing.T) {
	t.Run("exact multiple yields full-length final segment", func(t *testing.T) {
		ivs := plan(180, 60)
		if len(ivs) != 3 {
			t.Fatalf("len = %d, want 3", len(ivs))
		}
		if ivs[2].duration != 60 {
			t.Errorf("final duration = %v, want 60", ivs[2].duration)
		}
	})

	t.Run("remainder goes to final segment", func(t *testing.T) {
		ivs := plan(125, 60)
		if len(ivs) != 3 {
			t.Fatalf("len = %d, want 3", len(ivs))
		}
		want := []interval{{0, 60}, {60, 60}, {120, 5}}
		for i, iv := range ivs {
			if iv != want[i] {
				t.Errorf("interval %d = %+v, want %+v", i, iv, want[i])
			}
		}
	})

	t.Run("short source yields one segment", func(t *testing.T) {
		ivs := plan(42.5, 60)
		if len(ivs) != 1 || ivs[0].duration != 42.5 {
			t.Fatalf("ivs = %+v", ivs)
		}
	})

	t.Run("intervals tile the duration", func(t *testing.T) {
		for _, dur := range []float64{125, 180, 59.999, 60.001, 3600.5} {
			var sum float64
			for _, iv := range plan(dur, 60) {
				sum += iv.duration
			}
			if math.Abs(sum-dur) > 0.001 {
				t.Errorf("duration %v: sum = %v", dur, sum)
			}
		}
	})
}

func TestSegmenter_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("produces contiguous indexed segments", func(t *testing.T) {
		ext := &fakeExtractor{bytesPerSec: 100}
		s := newTestSegmenter(t, ext, Options{})
		source := writeSource(t, 12500)

		segs, err := s.Run(ctx, "job-1-aaaaaa", source, 125, nil, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(segs) != 3 {
			t.Fatalf("len = %d, want 3", len(segs))
		}
		for i, seg := range segs {
			if seg.Index != i {
				t.Errorf("segment %d has index %d", i, seg.Index)
			}
			if seg.Checksum == "" || seg.SizeBytes == 0 {
				t.Errorf("segment %d missing checksum/size: %+v", i, seg)
			}
			if i > 0 {
				prev := segs[i-1]
				if math.Abs(prev.Start+prev.Duration-seg.Start) > 0.001 {
					t.Errorf("segments %d/%d not contiguous", i-1, i)
				}
			}
		}
		last := segs[len(segs)-1]
		if math.Abs(last.Start+last.Duration-125) > 0.001 {
			t.Errorf("final segment ends at %v, want 125", last.Start+last.Duration)
		}
	})

	t.Run("resume skips verified segments", func(t *testing.T) {
		ext := &fakeExtractor{bytesPerSec: 100}
		s := newTestSegmenter(t, ext, Options{})
		source := writeSource(t, 18000)

		first, err := s.Run(ctx, "job-2-bbbbbb", source, 180, nil, nil)
		if err != nil {
			t.Fatalf("first Run() error = %v", err)
		}
		callsAfterFirst := ext.calls

		second, err := s.Run(ctx, "job-2-bbbbbb", source, 180, first, nil)
		if err != nil {
			t.Fatalf("second Run() error = %v", err)
		}
		if ext.calls != callsAfterFirst {
			t.Errorf("resume re-extracted: calls %d -> %d", callsAfterFirst, ext.calls)
		}
		if len(second) != len(first) {
			t.Errorf("resume changed segment count: %d vs %d", len(second), len(first))
		}
	})

	t.Run("corrupt prior clip is recreated", func(t *testing.T) {
		ext := &fakeExtractor{bytesPerSec: 100}
		s := newTestSegmenter(t, ext, Options{})
		source := writeSource(t, 18000)

		first, err := s.Run(ctx, "job-3-cccccc", source, 180, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		// Truncate one clip to simulate a crash mid-write.
		if err := os.WriteFile(first[1].LocalPath, []byte("partial"), 0o600); err != nil {
			t.Fatal(err)
		}
		callsAfterFirst := ext.calls

		_, err = s.Run(ctx, "job-3-cccccc", source, 180, first, nil)
		if err != nil {
			t.Fatal(err)
		}
		if ext.calls != callsAfterFirst+1 {
			t.Errorf("expected exactly one re-extraction, calls %d -> %d", callsAfterFirst, ext.calls)
		}
	})

	t.Run("oversized clip is halved", func(t *testing.T) {
		// 100 B/s with a 500-byte cap: a 60 s interval (6000 B) is halved
		// down to 3.75 s pieces (375 B) that fit.
		ext := &fakeExtractor{bytesPerSec: 100}
		s := newTestSegmenter(t, ext, Options{MaxSegmentBytes: 500})
		source := writeSource(t, 6000)

		segs, err := s.Run(ctx, "job-4-dddddd", source, 60, nil, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(segs) < 16 {
			t.Fatalf("expected halved segments, got %d", len(segs))
		}
		var sum float64
		for _, seg := range segs {
			if seg.SizeBytes > 500 {
				t.Errorf("segment at %v exceeds cap: %d bytes", seg.Start, seg.SizeBytes)
			}
			sum += seg.Duration
		}
		if math.Abs(sum-60) > 0.01 {
			t.Errorf("durations sum to %v, want 60", sum)
		}
	})

	t.Run("low disk space is a DiskExhausted fault", func(t *testing.T) {
		orig := freeBytes
		freeBytes = func(string) (uint64, error) { return 100, nil }
		defer func() { freeBytes = orig }()

		ext := &fakeExtractor{bytesPerSec: 100}
		s := newTestSegmenter(t, ext, Options{DiskReserveBytes: 1 << 30})
		source := writeSource(t, 6000)

		_, err := s.Run(ctx, "job-5-eeeeee", source, 60, nil, nil)
		if err == nil {
			t.Fatal("expected disk reserve fault")
		}
		if kind := fault.KindOf(err); kind != fault.KindDiskExhausted {
			t.Errorf("fault kind = %v, want DiskExhausted", kind)
		}
	})

	t.Run("progress is persisted after every extraction", func(t *testing.T) {
		ext := &fakeExtractor{bytesPerSec: 100}
		s := newTestSegmenter(t, ext, Options{})
		source := writeSource(t, 12500)

		var persisted [][]job.Segment
		_, err := s.Run(ctx, "job-8-gggggg", source, 125, nil, func(_ context.Context, segs []job.Segment) error {
			persisted = append(persisted, segs)
			return nil
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(persisted) != 3 {
			t.Fatalf("persist calls = %d, want 3", len(persisted))
		}
		for i, segs := range persisted {
			if len(segs) != i+1 {
				t.Errorf("persist call %d carried %d segments, want %d", i, len(segs), i+1)
			}
		}
	})

	t.Run("failed extraction leaves completed segments persisted", func(t *testing.T) {
		ext := &fakeExtractor{bytesPerSec: 100, failAtStart: 120, failWith: fmt.Errorf("boom")}
		s := newTestSegmenter(t, ext, Options{})
		source := writeSource(t, 12500)

		var last []job.Segment
		_, err := s.Run(ctx, "job-9-hhhhhh", source, 125, nil, func(_ context.Context, segs []job.Segment) error {
			last = segs
			return nil
		})
		if err == nil {
			t.Fatal("expected extraction error")
		}
		if len(last) != 2 {
			t.Fatalf("persisted %d segments before the failure, want 2", len(last))
		}
		for _, seg := range last {
			if seg.Checksum == "" {
				t.Errorf("persisted segment at %v has no checksum", seg.Start)
			}
		}
	})

	t.Run("extraction failure propagates", func(t *testing.T) {
		ext := &fakeExtractor{bytesPerSec: 100, failAtStart: 60, failWith: fmt.Errorf("boom")}
		s := newTestSegmenter(t, ext, Options{})
		source := writeSource(t, 12500)

		_, err := s.Run(ctx, "job-6-ffffff", source, 125, nil, nil)
		if err == nil {
			t.Fatal("expected extraction error")
		}
	})

	t.Run("zero duration is rejected", func(t *testing.T) {
		s := newTestSegmenter(t, &fakeExtractor{bytesPerSec: 1}, Options{})
		if _, err := s.Run(ctx, "job-7-000000", "nope", 0, nil, nil); err != ErrNoDuration {
			t.Errorf("err = %v, want ErrNoDuration", err)
		}
	})
}
