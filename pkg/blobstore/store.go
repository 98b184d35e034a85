// Package blobstore is the object-storage collaborator. Objects are named by
// FileKey under an optional prefix; the prefix never leaks out of List.
package blobstore

import (
	"context"
	"mime"
	"path/filepath"
)

// Store is a bucket of objects named by FileKey.
type Store interface {
	// Verify checks that the bucket is reachable.
	Verify(ctx context.Context) error

	// Upload writes the file at localPath to key, replacing any existing object.
	Upload(ctx context.Context, key, localPath string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key under the store prefix, with the prefix removed.
	List(ctx context.Context) ([]string, error)
}

func guessContentType(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}
