// Package pathmap converts between absolute source paths and FileKeys,
// the forward-slash relative paths that join the source tree, the metadata
// table and the blob store.
package pathmap

import (
	"path"
	"path/filepath"
	"strings"

	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
)

// Relativize returns the FileKey of absPath under base.
// It fails with ErrOutsideBase when absPath is base itself or not below it.
func Relativize(absPath, base string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(absPath))
	if err != nil {
		return "", &syncerrors.PathError{Path: absPath, Base: base}
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &syncerrors.PathError{Path: absPath, Base: base}
	}
	return ToKey(rel), nil
}

// Absolutize is the inverse of Relativize.
func Absolutize(base, key string) string {
	return filepath.Join(base, filepath.FromSlash(key))
}

// ToKey rewrites a relative path with platform separators to FileKey form.
// A backslash is a separator only on Windows; elsewhere it stays part of the
// file name.
func ToKey(rel string) string {
	return path.Clean(filepath.ToSlash(rel))
}
