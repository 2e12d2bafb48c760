package job

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	return store
}

func TestFileStore_CreateAndLoad(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, store.Create(ctx, j))

	t.Run("round trip", func(t *testing.T) {
		loaded, err := store.Load(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, loaded.ID)
		assert.Equal(t, StageNew, loaded.Stage)
		assert.Equal(t, j.Targets, loaded.Targets)
		assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
	})

	t.Run("create duplicate fails", func(t *testing.T) {
		err := store.Create(ctx, j)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("load unknown id", func(t *testing.T) {
		_, err := store.Load(ctx, "job-0-ffffff")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFileStore_SaveKeepsOneBackupGeneration(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, store.Create(ctx, j))

	require.NoError(t, j.TransitionTo(StageValidated))
	require.NoError(t, store.Save(ctx, j))

	// Backup now holds the NEW-stage record.
	backup := store.backupPath(j.ID)
	_, err := os.Stat(backup)
	require.NoError(t, err, "backup generation should exist after second save")

	require.NoError(t, j.TransitionTo(StageSegmented))
	require.NoError(t, store.Save(ctx, j))

	loaded, err := store.Load(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StageSegmented, loaded.Stage)
}

func TestFileStore_RecoversFromBackup(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, j.TransitionTo(StageValidated))
	require.NoError(t, store.Save(ctx, j))

	t.Run("canonical missing, backup present", func(t *testing.T) {
		require.NoError(t, os.Remove(store.canonicalPath(j.ID)))

		loaded, err := store.Load(ctx, j.ID)
		require.NoError(t, err)
		// Backup holds the previous generation.
		assert.Equal(t, StageNew, loaded.Stage)
	})
}

func TestFileStore_CorruptCanonicalFallsBack(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, j.TransitionTo(StageValidated))
	require.NoError(t, store.Save(ctx, j))

	require.NoError(t, os.WriteFile(store.canonicalPath(j.ID), []byte("{not json"), 0o600))

	loaded, err := store.Load(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StageNew, loaded.Stage)

	t.Run("both corrupt is fatal", func(t *testing.T) {
		require.NoError(t, os.WriteFile(store.backupPath(j.ID), []byte("also bad"), 0o600))
		_, err := store.Load(ctx, j.ID)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func TestFileStore_UnknownSchemaVersionIsFatal(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	record := `{"schema_version": 99, "id": "job-1-abc123", "stage": "NEW"}`
	path := filepath.Join(store.Dir(), "job-1-abc123.json")
	require.NoError(t, os.WriteFile(path, []byte(record), 0o600))

	_, err := store.Load(ctx, "job-1-abc123")
	assert.ErrorIs(t, err, ErrSchemaVersion)
}

func TestFileStore_Listing(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	active := newTestJob()
	require.NoError(t, store.Create(ctx, active))

	done := newTestJob()
	require.NoError(t, done.Fail(ErrorRecord{Kind: "InvalidInput"}))
	require.NoError(t, store.Create(ctx, done))

	t.Run("list active skips terminal jobs", func(t *testing.T) {
		jobs, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, active.ID, jobs[0].ID)
	})

	t.Run("list terminal honors cutoff", func(t *testing.T) {
		jobs, err := store.ListTerminal(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, done.ID, jobs[0].ID)

		jobs, err = store.ListTerminal(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("corrupt record does not wedge listing", func(t *testing.T) {
		bad := filepath.Join(store.Dir(), "job-2-bad000.json")
		require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))

		jobs, err := store.ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestFileStore_SaveAfterTransitions(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, j.TransitionTo(StageValidated))
	require.NoError(t, j.TransitionTo(StageSegmented))
	require.NoError(t, store.Save(ctx, j))

	jobs, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StageSegmented, jobs[0].Stage)
}
