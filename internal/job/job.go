// Package job provides the Job aggregate for the subtitle pipeline.
// It includes the job state machine the scheduler drives, the Segment and
// Target value types, and store interfaces for crash-consistent persistence.
package job

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maauso/subpipe/internal/job/id"
)

// SchemaVersion is the version stamped into every persisted job record.
// Loading a record with a different version is a fatal error for that job.
const SchemaVersion = 1

// Stage represents the current state of a Job in the pipeline.
type Stage string

const (
	// StageNew indicates the job was created but the source is not yet admitted.
	StageNew Stage = "NEW"
	// StageValidated indicates the source passed input admission.
	StageValidated Stage = "VALIDATED"
	// StageSegmented indicates all segments were extracted to scratch.
	StageSegmented Stage = "SEGMENTED"
	// StageUploaded indicates every segment blob is present in the object store.
	StageUploaded Stage = "UPLOADED"
	// StageGenerated indicates every (segment, target) unit has a model result.
	StageGenerated Stage = "GENERATED"
	// StageMerged indicates per-segment cues were offset and merged per target.
	StageMerged Stage = "MERGED"
	// StageQualityChecked indicates the merged sequences passed the quality gate.
	StageQualityChecked Stage = "QUALITY_CHECKED"
	// StageEmitted indicates both output formats were written for every target.
	StageEmitted Stage = "EMITTED"
	// StageCompleted indicates the job finished successfully.
	StageCompleted Stage = "COMPLETED"
	// StageFailed indicates the job encountered a fatal error.
	StageFailed Stage = "FAILED"
	// StageAbandoned indicates the job was cancelled by the operator or shutdown.
	StageAbandoned Stage = "ABANDONED"
)

// ErrInvalidTransition is returned when an invalid stage transition is attempted.
var ErrInvalidTransition = errors.New("invalid stage transition")

// validTransitions defines which stage transitions are allowed. Every
// non-terminal stage may also move to FAILED or ABANDONED. MERGED rewinds to
// UPLOADED on a quality-retry verdict; GENERATED rewinds to UPLOADED when a
// resume finds result files missing from scratch.
var validTransitions = map[Stage][]Stage{
	StageNew:            {StageValidated},
	StageValidated:      {StageSegmented},
	StageSegmented:      {StageUploaded},
	StageUploaded:       {StageGenerated},
	StageGenerated:      {StageMerged, StageUploaded},
	StageMerged:         {StageQualityChecked, StageUploaded},
	StageQualityChecked: {StageEmitted},
	StageEmitted:        {StageCompleted},
	StageCompleted:      {},
	StageFailed:         {},
	StageAbandoned:      {},
}

// IsTerminal returns true if the stage is a final state.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageAbandoned
}

// canTransition checks if a transition from one stage to another is valid.
func canTransition(from, to Stage) bool {
	if to == StageFailed || to == StageAbandoned {
		return !from.IsTerminal()
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Mode selects the subtitle track variant for a target language.
type Mode string

const (
	// ModeStandard is the plain dialogue-only subtitle track.
	ModeStandard Mode = ""
	// ModeSDH is the accessibility variant that additionally transcribes
	// non-speech audio (sound effects, music cues, speaker labels).
	ModeSDH Mode = "sdh"
)

// Target identifies one requested output track: a language code plus variant.
type Target struct {
	// Language is the target language code, e.g. "eng" or "spa".
	Language string `json:"language"`
	// Mode is the track variant; empty for the standard track.
	Mode Mode `json:"mode,omitempty"`
}

// Key returns the stable string form used in map keys and file names,
// e.g. "eng" or "spa_sdh".
func (t Target) Key() string {
	if t.Mode == ModeStandard {
		return t.Language
	}
	return t.Language + "_" + string(t.Mode)
}

// UnitKey returns the stable key for one (segment, language, mode) unit of
// work, e.g. "3:spa_sdh". Attempt counters and per-segment results are keyed
// by this form.
func UnitKey(segmentIndex int, target Target) string {
	return fmt.Sprintf("%d:%s", segmentIndex, target.Key())
}

// UnitKeyTarget reports whether a unit key belongs to the given target.
func UnitKeyTarget(key string, target Target) bool {
	_, suffix, ok := strings.Cut(key, ":")
	return ok && suffix == target.Key()
}

// UnitKeySegment extracts the segment index from a unit key.
func UnitKeySegment(key string) (int, bool) {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok {
		return 0, false
	}
	var idx int
	if _, err := fmt.Sscanf(prefix, "%d", &idx); err != nil {
		return 0, false
	}
	return idx, true
}

// Segment is a contiguous interval of the source extracted as an
// independently decodable clip.
type Segment struct {
	// Index is the 0-based position of this segment in the source.
	Index int `json:"index"`
	// Start is the segment start offset in seconds from the source origin.
	Start float64 `json:"start"`
	// Duration is the segment length in seconds.
	Duration float64 `json:"duration"`
	// LocalPath is the scratch path of the extracted clip.
	LocalPath string `json:"local_path"`
	// BlobKey is the object-store key once uploaded; empty before upload.
	BlobKey string `json:"blob_key,omitempty"`
	// Checksum is the hex SHA-256 of the clip bytes.
	Checksum string `json:"checksum"`
	// SizeBytes is the clip size on disk.
	SizeBytes int64 `json:"size_bytes"`
}

// Media holds the probed metadata of an admitted source.
type Media struct {
	DurationS   float64 `json:"duration_s"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FrameRate   float64 `json:"frame_rate"`
	HasAudio    bool    `json:"has_audio"`
	VideoCodec  string  `json:"video_codec"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
	SizeBytes   int64   `json:"size_bytes"`
	DurationStr string  `json:"duration_str,omitempty"`
}

// ErrorRecord is the durable form of the most recent fault. It carries no
// secrets; only the latest record is retained to bound record size.
type ErrorRecord struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Component string            `json:"component"`
	At        time.Time         `json:"at"`
	Context   map[string]string `json:"context,omitempty"`
}

// OutputPaths holds the pair of emitted subtitle files for one target.
type OutputPaths struct {
	SRT string `json:"srt"`
	VTT string `json:"vtt"`
}

// Job is the unit of work: one source video and its requested targets.
// The scheduler is the single writer; other components receive clones.
type Job struct {
	mu sync.RWMutex

	// SchemaVersion is the persisted record version.
	SchemaVersion int `json:"schema_version"`
	// ID is the unique identifier for this job.
	ID string `json:"id"`
	// SourcePath is the local source video file.
	SourcePath string `json:"source_path"`
	// BaseName is the source file name without extension; used for output naming.
	BaseName string `json:"base_name"`
	// Targets is the non-empty set of requested output tracks.
	Targets []Target `json:"targets"`
	// Stage is the current pipeline stage.
	Stage Stage `json:"stage"`
	// AttemptCounts maps unit keys to the number of consumed attempts.
	AttemptCounts map[string]int `json:"attempt_counts,omitempty"`
	// Media is the probed metadata, populated at validation.
	Media *Media `json:"media,omitempty"`
	// Segments is the ordered, time-contiguous segment list.
	Segments []Segment `json:"segments,omitempty"`
	// Uploaded is the sorted set of segment indices present in the object store.
	Uploaded []int `json:"uploaded,omitempty"`
	// Results maps unit keys to the scratch path of the raw model cue text.
	Results map[string]string `json:"per_chunk_results,omitempty"`
	// Outputs maps target keys to the emitted file pair.
	Outputs map[string]OutputPaths `json:"outputs,omitempty"`
	// LastError is the most recent fault, if any.
	LastError *ErrorRecord `json:"last_error,omitempty"`
	// BlobNamespace is the unique per-job prefix in the object store.
	BlobNamespace string `json:"reserved_blob_namespace"`
	// CleanupPending marks that a cleanup action failed and must be retried
	// by the periodic sweep.
	CleanupPending bool `json:"cleanup_pending,omitempty"`
	// PausedUntil delays generation dispatch after a quota fault.
	PausedUntil time.Time `json:"paused_until,omitzero"`
	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is when the job reached a terminal stage.
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// New creates a new Job in the NEW stage with a generated ID.
func New(sourcePath, baseName string, targets []Target) *Job {
	now := time.Now()
	j := &Job{
		SchemaVersion: SchemaVersion,
		ID:            id.Generate(),
		SourcePath:    sourcePath,
		BaseName:      baseName,
		Targets:       targets,
		Stage:         StageNew,
		AttemptCounts: make(map[string]int),
		Results:       make(map[string]string),
		Outputs:       make(map[string]OutputPaths),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j.BlobNamespace = j.ID
	return j
}

// TransitionTo attempts to change the job stage.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(stage Stage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Stage, stage) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Stage, stage)
	}

	j.Stage = stage
	j.UpdatedAt = time.Now()
	if stage.IsTerminal() {
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Fail transitions the job to FAILED and records the fault.
func (j *Job) Fail(rec ErrorRecord) error {
	j.mu.Lock()
	j.LastError = &rec
	j.mu.Unlock()
	return j.TransitionTo(StageFailed)
}

// Abandon transitions the job to ABANDONED and records the fault.
func (j *Job) Abandon(rec ErrorRecord) error {
	j.mu.Lock()
	j.LastError = &rec
	j.mu.Unlock()
	return j.TransitionTo(StageAbandoned)
}

// SetError records a non-terminal fault without changing the stage.
func (j *Job) SetError(rec ErrorRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.LastError = &rec
	j.UpdatedAt = time.Now()
}

// CurrentStage returns the current stage (thread-safe).
func (j *Job) CurrentStage() Stage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Stage
}

// IsTerminal returns true if the job is in a terminal stage.
func (j *Job) IsTerminal() bool {
	return j.CurrentStage().IsTerminal()
}

// SetMedia records the probed source metadata.
func (j *Job) SetMedia(m Media) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Media = &m
	j.UpdatedAt = time.Now()
}

// SetSegments replaces the segment list.
func (j *Job) SetSegments(segments []Segment) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Segments = segments
	j.UpdatedAt = time.Now()
}

// MarkUploaded records that the segment's blob is present in the store.
// The operation is idempotent and keeps the set sorted.
func (j *Job) MarkUploaded(index int, blobKey string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, u := range j.Uploaded {
		if u == index {
			return
		}
	}
	j.Uploaded = append(j.Uploaded, index)
	sort.Ints(j.Uploaded)
	if index >= 0 && index < len(j.Segments) {
		j.Segments[index].BlobKey = blobKey
	}
	j.UpdatedAt = time.Now()
}

// IsUploaded reports whether a segment's blob is present in the store.
func (j *Job) IsUploaded(index int) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, u := range j.Uploaded {
		if u == index {
			return true
		}
	}
	return false
}

// AllUploaded reports whether every segment has been uploaded.
func (j *Job) AllUploaded() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.Segments) > 0 && len(j.Uploaded) == len(j.Segments)
}

// Attempts returns the consumed attempt count for a unit of work.
func (j *Job) Attempts(unitKey string) int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.AttemptCounts[unitKey]
}

// ConsumeAttempt increments the attempt counter for a unit of work and
// returns the new count.
func (j *Job) ConsumeAttempt(unitKey string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.AttemptCounts == nil {
		j.AttemptCounts = make(map[string]int)
	}
	j.AttemptCounts[unitKey]++
	j.UpdatedAt = time.Now()
	return j.AttemptCounts[unitKey]
}

// SetResult records the scratch path of a unit's raw model output.
func (j *Job) SetResult(unitKey, path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Results == nil {
		j.Results = make(map[string]string)
	}
	j.Results[unitKey] = path
	j.UpdatedAt = time.Now()
}

// Result returns the recorded scratch path for a unit, if present.
func (j *Job) Result(unitKey string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	p, ok := j.Results[unitKey]
	return p, ok
}

// ClearResults removes per-segment results for a target. When segments is
// nil every unit of the target is cleared; otherwise only the listed segment
// indices are cleared.
func (j *Job) ClearResults(target Target, segments []int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for key := range j.Results {
		if !UnitKeyTarget(key, target) {
			continue
		}
		if segments == nil {
			delete(j.Results, key)
			continue
		}
		idx, ok := UnitKeySegment(key)
		if !ok {
			continue
		}
		for _, s := range segments {
			if s == idx {
				delete(j.Results, key)
				break
			}
		}
	}
	j.UpdatedAt = time.Now()
}

// SetOutput records the emitted file pair for a target.
func (j *Job) SetOutput(target Target, out OutputPaths) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Outputs == nil {
		j.Outputs = make(map[string]OutputPaths)
	}
	j.Outputs[target.Key()] = out
	j.UpdatedAt = time.Now()
}

// PauseUntil delays generation dispatch until the given time.
func (j *Job) PauseUntil(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.PausedUntil = t
	j.UpdatedAt = time.Now()
}

// SetCleanupPending marks whether cleanup must be retried by the sweep.
func (j *Job) SetCleanupPending(pending bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.CleanupPending = pending
	j.UpdatedAt = time.Now()
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	clone := &Job{
		SchemaVersion:  j.SchemaVersion,
		ID:             j.ID,
		SourcePath:     j.SourcePath,
		BaseName:       j.BaseName,
		Stage:          j.Stage,
		BlobNamespace:  j.BlobNamespace,
		CleanupPending: j.CleanupPending,
		PausedUntil:    j.PausedUntil,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
	}

	clone.Targets = append([]Target(nil), j.Targets...)
	clone.Segments = append([]Segment(nil), j.Segments...)
	clone.Uploaded = append([]int(nil), j.Uploaded...)

	clone.AttemptCounts = make(map[string]int, len(j.AttemptCounts))
	for k, v := range j.AttemptCounts {
		clone.AttemptCounts[k] = v
	}
	clone.Results = make(map[string]string, len(j.Results))
	for k, v := range j.Results {
		clone.Results[k] = v
	}
	clone.Outputs = make(map[string]OutputPaths, len(j.Outputs))
	for k, v := range j.Outputs {
		clone.Outputs[k] = v
	}

	if j.Media != nil {
		m := *j.Media
		clone.Media = &m
	}
	if j.LastError != nil {
		rec := *j.LastError
		if j.LastError.Context != nil {
			rec.Context = make(map[string]string, len(j.LastError.Context))
			for k, v := range j.LastError.Context {
				rec.Context[k] = v
			}
		}
		clone.LastError = &rec
	}

	return clone
}
