package job

import (
	"context"
	"errors"
	"time"
)

// Static errors for job persistence.
var (
	// ErrNotFound is returned when a job cannot be found by ID.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists is returned when creating a job whose ID is taken.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrCorruptRecord is returned when both the canonical record and its
	// backup fail to deserialize.
	ErrCorruptRecord = errors.New("job record corrupt")
	// ErrSchemaVersion is returned when a record carries an unknown schema
	// version. This is fatal for that job.
	ErrSchemaVersion = errors.New("unknown job record schema version")
)

// Store defines the interface for job persistence.
// Save must be crash-consistent: a crash at any point leaves either the
// previous record or the new record readable.
type Store interface {
	// Create persists a new job. Returns ErrAlreadyExists if the ID is taken.
	Create(ctx context.Context, job *Job) error

	// Load retrieves a job by ID. Returns ErrNotFound if absent.
	Load(ctx context.Context, id string) (*Job, error)

	// Save persists the current job state.
	Save(ctx context.Context, job *Job) error

	// ListActive returns all jobs in non-terminal stages.
	ListActive(ctx context.Context) ([]*Job, error)

	// ListTerminal returns terminal jobs whose last update is before the
	// given time.
	ListTerminal(ctx context.Context, before time.Time) ([]*Job, error)
}
