// Package snapshot builds the three per-run views of the file population:
// the source tree, the metadata table and the blob store. Each view maps
// FileKeys (forward-slash relative paths) to what that source knows about
// the file. Snapshots are rebuilt from scratch on every run.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/pathmap"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/timestamp"
)

// RawFile is one file reported by a Scanner, before normalization.
type RawFile struct {
	Path    string // absolute path
	ModTime time.Time
}

// Scanner walks a source tree.
type Scanner interface {
	Scan(ctx context.Context, root string) ([]RawFile, error)
}

// Lister lists every key held by a blob store.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// FileRecord is what the source tree knows about one file.
type FileRecord struct {
	AbsolutePath string
	ModifiedAt   time.Time
}

// Source maps FileKey to the file found in the source tree.
type Source map[string]FileRecord

// Metadata maps FileKey to the timestamp stored in the metadata table.
type Metadata map[string]time.Time

// Blob is the set of FileKeys present in the blob store.
type Blob map[string]struct{}

// Keys returns the sorted keys of the snapshot.
func (s Source) Keys() []string { return sortedKeys(s) }

// Keys returns the sorted keys of the snapshot.
func (m Metadata) Keys() []string { return sortedKeys(m) }

// Keys returns the sorted keys of the snapshot.
func (b Blob) Keys() []string { return sortedKeys(b) }

// Has reports whether key is in the blob store.
func (b Blob) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// NewBlob builds a Blob snapshot from a key list.
func NewBlob(keys ...string) Blob {
	b := make(Blob, len(keys))
	for _, k := range keys {
		b[k] = struct{}{}
	}
	return b
}

// BuildSource scans root and returns the normalized source snapshot.
// Files whose path or timestamp cannot be mapped are skipped with a warning.
// An empty result fails with ErrEmptySource: an empty tree far more likely
// means an unmounted volume than a tree that is really empty, and syncing
// from it would delete every known file.
func BuildSource(ctx context.Context, scanner Scanner, root string, log *logger.SyncLogger) (Source, error) {
	raw, err := scanner.Scan(ctx, root)
	if err != nil {
		return nil, err
	}

	src := make(Source, len(raw))
	for _, f := range raw {
		key, err := pathmap.Relativize(f.Path, root)
		if err != nil {
			log.Warn().Err(err).Str("path", f.Path).Msg("skipping file outside base path")
			continue
		}
		modTime, err := timestamp.Normalize(f.ModTime)
		if err != nil {
			log.Warn().Err(err).Str("path", f.Path).Msg("skipping file with unreadable timestamp")
			continue
		}
		src[key] = FileRecord{AbsolutePath: f.Path, ModifiedAt: modTime}
	}

	if len(src) == 0 {
		return nil, &syncerrors.EmptySourceError{Path: root}
	}

	log.Info().Int("files", len(src)).Str("base_path", root).Msg("source tree scanned")
	return src, nil
}

// BuildMetadata reads every row of the tracking table. A missing table is
// created empty so a first run starts from an empty snapshot.
func BuildMetadata(ctx context.Context, table metastore.Table, log *logger.SyncLogger) (Metadata, error) {
	exists, err := table.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check metadata table: %w", err)
	}
	if !exists {
		log.Info().Msg("metadata table does not exist, creating it")
		if err := table.Create(ctx); err != nil {
			return nil, fmt.Errorf("create metadata table: %w", err)
		}
		return Metadata{}, nil
	}

	return readMetadata(ctx, table, log)
}

// ReadMetadata is BuildMetadata without side effects: a missing table reads
// as empty and is left missing.
func ReadMetadata(ctx context.Context, table metastore.Table, log *logger.SyncLogger) (Metadata, error) {
	exists, err := table.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check metadata table: %w", err)
	}
	if !exists {
		log.Info().Msg("metadata table does not exist yet")
		return Metadata{}, nil
	}
	return readMetadata(ctx, table, log)
}

func readMetadata(ctx context.Context, table metastore.Table, log *logger.SyncLogger) (Metadata, error) {
	rows, err := table.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read metadata table: %w", err)
	}

	meta := make(Metadata, len(rows))
	for _, r := range rows {
		meta[r.Path] = timestamp.MustNormalize(r.UpdatedAt)
	}

	log.Info().Int("rows", len(meta)).Msg("metadata table read")
	return meta, nil
}

// BuildBlob lists every object in the blob store. Object names are used as
// keys directly; no per-object timestamp is read.
func BuildBlob(ctx context.Context, store Lister, log *logger.SyncLogger) (Blob, error) {
	keys, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blob store: %w", err)
	}

	blobs := NewBlob(keys...)
	log.Info().Int("objects", len(blobs)).Msg("blob store listed")
	return blobs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
