package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maauso/subpipe/internal/blob"
	"github.com/maauso/subpipe/internal/clock"
	"github.com/maauso/subpipe/internal/job"
	"github.com/maauso/subpipe/internal/model"
	"github.com/maauso/subpipe/internal/subtitle"
)

// fakeValidator admits any source with canned metadata.
type fakeValidator struct {
	media job.Media
	err   error
}

func (f *fakeValidator) Admit(_ context.Context, _ string) (job.Media, error) {
	return f.media, f.err
}

// fakeSegmenter tiles the duration into fixed chunks and writes clip files
// under its scratch root. Prior segments are reused untouched, mirroring the
// real segmenter's resume behavior.
type fakeSegmenter struct {
	root   string
	chunkS float64
	runs   int
}

func (f *fakeSegmenter) ScratchDir(jobID string) string {
	return filepath.Join(f.root, jobID)
}

func (f *fakeSegmenter) Run(ctx context.Context, jobID, _ string, durS float64, prior []job.Segment, persist func(context.Context, []job.Segment) error) ([]job.Segment, error) {
	f.runs++
	if len(prior) > 0 {
		return prior, nil
	}
	dir := f.ScratchDir(jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	var segs []job.Segment
	for start := 0.0; start < durS; start += f.chunkS {
		idx := len(segs)
		segDur := math.Min(f.chunkS, durS-start)
		path := filepath.Join(dir, fmt.Sprintf("segment_%09d.mp4", int(start*1000)))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("clip-%d", idx)), 0o600); err != nil {
			return nil, err
		}
		segs = append(segs, job.Segment{
			Index:     idx,
			Start:     start,
			Duration:  segDur,
			LocalPath: path,
			Checksum:  fmt.Sprintf("sum-%d", idx),
			SizeBytes: 16,
		})
		if persist != nil {
			if err := persist(ctx, segs); err != nil {
				return nil, err
			}
		}
	}
	return segs, nil
}

// memBlob is an in-memory object store with injectable per-key failures.
type memBlob struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     int
	failPut  map[string]error // per-key error, consumed on first Put
	deletes  []string
	delErr   error
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, failPut: map[string]error{}}
}

func (m *memBlob) Put(_ context.Context, namespace, key, localPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failPut[key]; ok {
		delete(m.failPut, key)
		return "", err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	m.puts++
	full := namespace + "/" + key
	m.objects[full] = data
	return "mem://" + full, nil
}

func (m *memBlob) Exists(_ context.Context, namespace, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[namespace+"/"+key]
	return ok, nil
}

func (m *memBlob) DeletePrefix(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	m.deletes = append(m.deletes, namespace)
	for k := range m.objects {
		if strings.HasPrefix(k, namespace+"/") {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memBlob) objectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

var _ blob.Store = (*memBlob)(nil)

// fakeGenerator routes requests through a hook; the default hook emits a
// well-formed track for any segment.
type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	hook  func(req model.Request) (string, error)
}

func (f *fakeGenerator) Generate(_ context.Context, req model.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	return goodCueText(60), nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// goodCueText emits cues tiling durS at 4 seconds of speech per 5 seconds,
// which satisfies the default coverage and density thresholds.
func goodCueText(durS float64) string {
	var b strings.Builder
	n := 0
	for start := 0.0; start < durS; start += 5 {
		end := math.Min(start+4, durS)
		if end <= start {
			break
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\nSpoken line number %d.\n\n", n, srtTS(start), srtTS(end), n)
	}
	return b.String()
}

// sparseCueText emits a single short cue, far below the coverage threshold.
func sparseCueText() string {
	return "1\n00:00:00,000 --> 00:00:02,000\nBarely anything.\n"
}

func srtTS(sec float64) string {
	ms := int(sec*1000 + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, (ms%3600000)/60000, (ms%60000)/1000, ms%1000)
}

// harness wires a scheduler over fakes with a real merger and gate.
type harness struct {
	sched     *Scheduler
	store     *job.MemoryStore
	blobs     *memBlob
	generator *fakeGenerator
	segmenter *fakeSegmenter
	reaper    *Reaper
	outDir    string
	scratch   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	scratch := t.TempDir()
	outDir := t.TempDir()

	store := job.NewMemoryStore()
	blobs := newMemBlob()
	generator := &fakeGenerator{}
	segmenter := &fakeSegmenter{root: scratch, chunkS: 60}
	reaper := NewReaper(store, blobs, scratch, false, time.Hour, clock.Real{}, logger)

	cfg := Config{
		MaxAttempts:              3,
		MaxConcurrentJobs:        3,
		MaxConcurrentUploads:     3,
		MaxConcurrentGenerations: 4,
		QuotaCooldown:            10 * time.Millisecond,
		SourceLanguage:           "eng",
		OutputDir:                outDir,
	}
	deps := Deps{
		Store:     store,
		Validator: &fakeValidator{media: job.Media{DurationS: 125, Width: 1920, Height: 1080, HasAudio: true, VideoCodec: "h264", DurationStr: "00:02:05"}},
		Segmenter: segmenter,
		Blobs:     blobs,
		Generator: generator,
		Prompts:   mustRegistry(t),
		Merger:    subtitle.NewMerger(10*time.Second, logger),
		Gate: subtitle.NewGate(subtitle.Thresholds{
			MinCoverage:           0.6,
			MaxDensityCPS:         25,
			MinTranslationQuality: 0.70,
			MinCulturalAccuracy:   0.80,
		}, nil, logger),
		Cleaner: reaper,
		Clock:   clock.Real{},
		Logger:  logger,
	}
	return &harness{
		sched:     NewScheduler(cfg, deps),
		store:     store,
		blobs:     blobs,
		generator: generator,
		segmenter: segmenter,
		reaper:    reaper,
		outDir:    outDir,
		scratch:   scratch,
	}
}

func mustRegistry(t *testing.T) *model.Registry {
	t.Helper()
	r, err := model.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (h *harness) newJob(t *testing.T, targets ...job.Target) *job.Job {
	t.Helper()
	if len(targets) == 0 {
		targets = []job.Target{{Language: "eng"}}
	}
	j, err := h.sched.Create(context.Background(), "/videos/movie.mp4", targets)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

// loadJob re-reads the job's durable record.
func (h *harness) loadJob(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return j
}
