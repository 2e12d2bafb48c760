package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/maauso/subpipe/internal/fault"
)

// LocalStore implements Store on the local filesystem. It is the fallback
// when no bucket is configured; the model endpoint must then be able to
// read the staged paths directly.
type LocalStore struct {
	root string
}

// Compile-time check that LocalStore implements Store.
var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

// Put copies localPath under root/namespace/key. An existing blob with the
// same content hash is left in place.
func (s *LocalStore) Put(ctx context.Context, namespace, key, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum, err := fileChecksum(localPath)
	if err != nil {
		return "", fault.Wrap(fault.KindTransientIO, "blob", "checksum "+localPath, err)
	}

	dest := filepath.Join(s.root, namespace, key)
	if existing, err := fileChecksum(dest); err == nil && existing == sum {
		return s.remoteRef(dest), nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fault.Wrap(fault.KindTransientIO, "blob", "prepare "+dest, err)
	}
	if err := copyFile(localPath, dest); err != nil {
		return "", fault.Wrap(fault.KindTransientIO, "blob", "copy to "+dest, err)
	}
	return s.remoteRef(dest), nil
}

// Exists reports whether a blob is present at namespace/key.
func (s *LocalStore) Exists(ctx context.Context, namespace, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.root, namespace, key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.KindTransientIO, "blob", "stat "+key, err)
	}
	return true, nil
}

// DeletePrefix removes the whole namespace directory.
func (s *LocalStore) DeletePrefix(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, namespace)); err != nil {
		return fault.Wrap(fault.KindTransientIO, "blob", "delete prefix "+namespace, err)
	}
	return nil
}

func (s *LocalStore) remoteRef(dest string) string {
	return "file://" + dest
}

// copyFile writes src's contents to dest atomically.
func copyFile(src, dest string) error {
	in, err := os.Open(src) // #nosec G304 - path is scratch-derived
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	t, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer func() { _ = t.Cleanup() }()

	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
