// Package blob provides the object-store port used to stage segment clips
// for the model, plus its S3 implementation. Namespaces partition keys per
// job so that prefix deletion is safe.
package blob

import "context"

// Store defines the interface over the opaque object store.
type Store interface {
	// Put uploads a local file under namespace/key and returns the remote
	// reference. It is idempotent: when a blob already exists at the key
	// with the same content hash, Put succeeds without re-uploading.
	Put(ctx context.Context, namespace, key, localPath string) (remoteRef string, err error)

	// Exists reports whether a blob is present at namespace/key.
	Exists(ctx context.Context, namespace, key string) (bool, error)

	// DeletePrefix removes every blob under the namespace.
	DeletePrefix(ctx context.Context, namespace string) error
}
