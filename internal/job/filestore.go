package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

// FileStore persists one JSON document per job under a directory.
// Save is crash-consistent: the new record is written to a temp sibling and
// renamed over the canonical name, and one backup generation of the previous
// record is retained as a ".bak" sibling. A crash at any point leaves either
// the previous or the new record readable.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create job store directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) canonicalPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) backupPath(id string) string {
	return filepath.Join(s.dir, id+".json.bak")
}

// Create persists a new job. Returns ErrAlreadyExists if a record for the ID
// is already on disk.
func (s *FileStore) Create(ctx context.Context, job *Job) error {
	if _, err := os.Stat(s.canonicalPath(job.ID)); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
	}
	return s.Save(ctx, job)
}

// Save writes the job record crash-consistently: serialize, rename the
// current canonical file to the backup name if present, then atomically
// rename a temp file into the canonical name.
func (s *FileStore) Save(_ context.Context, job *Job) error {
	snapshot := job.Clone()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize job %s: %w", job.ID, err)
	}

	canonical := s.canonicalPath(job.ID)
	backup := s.backupPath(job.ID)

	if _, err := os.Stat(canonical); err == nil {
		if err := os.Rename(canonical, backup); err != nil {
			return fmt.Errorf("rotate backup for job %s: %w", job.ID, err)
		}
	}

	if err := renameio.WriteFile(canonical, data, 0o600); err != nil {
		// Best effort: put the previous record back in place.
		if _, statErr := os.Stat(backup); statErr == nil {
			_ = os.Rename(backup, canonical)
		}
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}

	return nil
}

// Load retrieves a job by ID. A missing canonical file with a present backup
// is the normal crash-recovery path. A corrupt canonical file falls back to
// the backup with a warning; both corrupt is ErrCorruptRecord. An unknown
// schema version is ErrSchemaVersion and has no fallback.
func (s *FileStore) Load(_ context.Context, id string) (*Job, error) {
	canonical := s.canonicalPath(id)
	backup := s.backupPath(id)

	data, err := os.ReadFile(canonical) // #nosec G304 - path is store-derived
	if errors.Is(err, os.ErrNotExist) {
		data, err = os.ReadFile(backup) // #nosec G304
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("read backup record for %s: %w", id, err)
		}
		s.logger.Warn("canonical job record missing, recovered from backup",
			slog.String("job_id", id),
		)
		return decodeRecord(id, data)
	}
	if err != nil {
		return nil, fmt.Errorf("read record for %s: %w", id, err)
	}

	jb, decodeErr := decodeRecord(id, data)
	if decodeErr == nil {
		return jb, nil
	}
	if errors.Is(decodeErr, ErrSchemaVersion) {
		return nil, decodeErr
	}

	// Canonical corrupt; fall back to the backup generation.
	s.logger.Warn("job record corrupt, falling back to backup",
		slog.String("job_id", id),
		slog.String("error", decodeErr.Error()),
	)
	data, err = os.ReadFile(backup) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptRecord, id)
	}
	jb, err = decodeRecord(id, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptRecord, id)
	}
	return jb, nil
}

// ListActive returns all jobs in non-terminal stages. Unreadable records are
// skipped with a warning so one corrupt job cannot wedge the whole store.
func (s *FileStore) ListActive(ctx context.Context) ([]*Job, error) {
	jobs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	active := jobs[:0]
	for _, j := range jobs {
		if !j.Stage.IsTerminal() {
			active = append(active, j)
		}
	}
	return active, nil
}

// ListTerminal returns terminal jobs last updated before the given time.
func (s *FileStore) ListTerminal(ctx context.Context, before time.Time) ([]*Job, error) {
	jobs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	terminal := jobs[:0]
	for _, j := range jobs {
		if j.Stage.IsTerminal() && j.UpdatedAt.Before(before) {
			terminal = append(terminal, j)
		}
	}
	return terminal, nil
}

func (s *FileStore) loadAll(_ context.Context) ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read job store directory: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		jb, err := s.Load(context.Background(), id)
		if err != nil {
			s.logger.Warn("skipping unreadable job record",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		jobs = append(jobs, jb)
	}
	return jobs, nil
}

// decodeRecord deserializes a job record and checks its schema version.
func decodeRecord(id string, data []byte) (*Job, error) {
	var jb Job
	if err := json.Unmarshal(data, &jb); err != nil {
		return nil, fmt.Errorf("decode record for %s: %w", id, err)
	}
	if jb.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: job %s has version %d, want %d",
			ErrSchemaVersion, id, jb.SchemaVersion, SchemaVersion)
	}
	return &jb, nil
}
