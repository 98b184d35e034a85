// Package metastore holds the metadata-table collaborators: the tracking
// table of (file_path, updated_at) rows describing what the blob store is
// believed to contain, and the append-only run log.
//
// Two backends implement the contract: BigQuery and SQLite.
package metastore

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Column names of the tracking table.
const (
	ColumnFilePath  = "file_path"
	ColumnUpdatedAt = "updated_at"
)

// Row is one tracking-table row. UpdatedAt is a normalized timestamp.
type Row struct {
	Path      string    `json:"file_path"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Table is the tracking table.
type Table interface {
	// Exists reports whether the table has been created.
	Exists(ctx context.Context) (bool, error)

	// Create creates the table with the fixed schema.
	Create(ctx context.Context) error

	// ReadAll returns every row.
	ReadAll(ctx context.Context) ([]Row, error)

	// Overwrite replaces the table contents with rows.
	Overwrite(ctx context.Context, rows []Row) error

	// Append inserts rows directly.
	Append(ctx context.Context, rows []Row) error

	// AppendStaged inserts rows through a staged gzip JSONL file. Same
	// observable result as Append, used for large batches.
	AppendStaged(ctx context.Context, rows []Row) error

	// DeleteKeys removes the rows whose file_path is in keys. Callers batch.
	DeleteKeys(ctx context.Context, keys []string) error

	// MergeTimestamps sets updated_at for existing rows matching on file_path,
	// through a temporary table that is dropped best-effort afterwards.
	MergeTimestamps(ctx context.Context, rows []Row) error
}

// RunRecord is one row of the run log.
type RunRecord struct {
	SyncDate     time.Time
	FilesAdded   int
	FilesDeleted int
	FilesUpdated int
	Success      bool
	ErrorMessage string // empty is stored as NULL
}

// RunTable is the append-only run log.
type RunTable interface {
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error
	AppendRun(ctx context.Context, rec RunRecord) error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used as a table identifier.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func checkIdentifier(kind, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid %s identifier %q", kind, name)
	}
	return nil
}

func tempTableName(table string, now time.Time) string {
	return fmt.Sprintf("%s_updates_tmp_%s", table, now.UTC().Format("20060102_150405"))
}
