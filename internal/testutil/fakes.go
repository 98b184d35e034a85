// Package testutil provides in-memory collaborators with failure injection.
package testutil

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/yuya-takeyama/strict-catalog-sync/pkg/blobstore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
)

// ErrInjected is returned by injected failures that carry no specific error.
var ErrInjected = errors.New("injected failure")

// MemoryStore is an in-memory blobstore.Store.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// UploadErr returns the error for an upload of key, or nil.
	UploadErr func(key string) error
	// DeleteErr returns the error for a delete of key, or nil.
	DeleteErr func(key string) error
	ListErr   error
	VerifyErr error

	Uploads []string
	Deletes []string
}

// NewMemoryStore returns a store holding keys with empty content.
func NewMemoryStore(keys ...string) *MemoryStore {
	s := &MemoryStore{objects: map[string][]byte{}}
	for _, k := range keys {
		s.objects[k] = nil
	}
	return s
}

func (s *MemoryStore) Verify(context.Context) error { return s.VerifyErr }

func (s *MemoryStore) Upload(ctx context.Context, key, localPath string) error {
	if s.UploadErr != nil {
		if err := s.UploadErr(key); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.Uploads = append(s.Uploads, key)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if s.DeleteErr != nil {
		if err := s.DeleteErr(key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.Deletes = append(s.Deletes, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) List(context.Context) ([]string, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return s.Keys(), nil
}

// Keys returns the stored keys in order.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Content returns the bytes stored at key.
func (s *MemoryStore) Content(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// MemoryTable is an in-memory metastore.Table.
type MemoryTable struct {
	mu      sync.Mutex
	created bool
	rows    map[string]time.Time

	ExistsErr     error
	ReadErr       error
	AppendErr     error
	OverwriteErr  error
	MergeErr      error
	DeleteKeysErr func(keys []string) error

	AppendCalls       int
	AppendStagedCalls int
	DeleteBatches     [][]string
	MergeCalls        int
}

// NewMemoryTable returns a created table holding rows.
func NewMemoryTable(rows ...metastore.Row) *MemoryTable {
	t := &MemoryTable{created: true, rows: map[string]time.Time{}}
	for _, r := range rows {
		t.rows[r.Path] = r.UpdatedAt
	}
	return t
}

// NewMissingTable returns a table that does not exist yet.
func NewMissingTable() *MemoryTable {
	return &MemoryTable{rows: map[string]time.Time{}}
}

func (t *MemoryTable) Exists(context.Context) (bool, error) {
	if t.ExistsErr != nil {
		return false, t.ExistsErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created, nil
}

func (t *MemoryTable) Create(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = true
	return nil
}

func (t *MemoryTable) ReadAll(context.Context) ([]metastore.Row, error) {
	if t.ReadErr != nil {
		return nil, t.ReadErr
	}
	return t.Rows(), nil
}

func (t *MemoryTable) Overwrite(ctx context.Context, rows []metastore.Row) error {
	if t.OverwriteErr != nil {
		return t.OverwriteErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = true
	t.rows = map[string]time.Time{}
	for _, r := range rows {
		t.rows[r.Path] = r.UpdatedAt
	}
	return nil
}

func (t *MemoryTable) Append(ctx context.Context, rows []metastore.Row) error {
	t.mu.Lock()
	t.AppendCalls++
	t.mu.Unlock()
	return t.insert(rows)
}

func (t *MemoryTable) AppendStaged(ctx context.Context, rows []metastore.Row) error {
	t.mu.Lock()
	t.AppendStagedCalls++
	t.mu.Unlock()
	return t.insert(rows)
}

func (t *MemoryTable) insert(rows []metastore.Row) error {
	if t.AppendErr != nil {
		return t.AppendErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.rows[r.Path] = r.UpdatedAt
	}
	return nil
}

func (t *MemoryTable) DeleteKeys(ctx context.Context, keys []string) error {
	t.mu.Lock()
	t.DeleteBatches = append(t.DeleteBatches, append([]string(nil), keys...))
	t.mu.Unlock()

	if t.DeleteKeysErr != nil {
		if err := t.DeleteKeysErr(keys); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.rows, k)
	}
	return nil
}

func (t *MemoryTable) MergeTimestamps(ctx context.Context, rows []metastore.Row) error {
	t.mu.Lock()
	t.MergeCalls++
	t.mu.Unlock()

	if t.MergeErr != nil {
		return t.MergeErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		if _, ok := t.rows[r.Path]; ok {
			t.rows[r.Path] = r.UpdatedAt
		}
	}
	return nil
}

// Rows returns the table contents ordered by path.
func (t *MemoryTable) Rows() []metastore.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]metastore.Row, 0, len(t.rows))
	for p, ts := range t.rows {
		out = append(out, metastore.Row{Path: p, UpdatedAt: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Snapshot returns the table contents as a map.
func (t *MemoryTable) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.rows))
	for k, v := range t.rows {
		out[k] = v
	}
	return out
}

// MemoryRunTable is an in-memory metastore.RunTable.
type MemoryRunTable struct {
	mu      sync.Mutex
	created bool

	ExistsErr error
	AppendErr error

	Records []metastore.RunRecord
}

func (t *MemoryRunTable) Exists(context.Context) (bool, error) {
	if t.ExistsErr != nil {
		return false, t.ExistsErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created, nil
}

func (t *MemoryRunTable) Create(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = true
	return nil
}

func (t *MemoryRunTable) AppendRun(ctx context.Context, rec metastore.RunRecord) error {
	if t.AppendErr != nil {
		return t.AppendErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Records = append(t.Records, rec)
	return nil
}

// StaticScanner returns fixed files.
type StaticScanner struct {
	Files []snapshot.RawFile
	Err   error
}

func (s StaticScanner) Scan(context.Context, string) ([]snapshot.RawFile, error) {
	return s.Files, s.Err
}

var (
	_ blobstore.Store    = (*MemoryStore)(nil)
	_ metastore.Table    = (*MemoryTable)(nil)
	_ metastore.RunTable = (*MemoryRunTable)(nil)
	_ snapshot.Scanner   = StaticScanner{}
)
