package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/timestamp"
)

// sqliteMaxParams keeps IN lists well under SQLITE_MAX_VARIABLE_NUMBER.
const sqliteMaxParams = 500

// OpenSQLite opens the database at path. The pool is limited to a single
// connection so TEMP tables and ":memory:" databases stay visible to every
// statement.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite %s: %w", path, err)
	}
	return db, nil
}

// SQLiteTable is the tracking table stored in a local SQLite database.
// updated_at is kept as TEXT in timestamp.Layout so values compare and
// round-trip without driver-specific time handling.
type SQLiteTable struct {
	db   *sql.DB
	name string
	log  *logger.SyncLogger
	now  func() time.Time
}

// NewSQLiteTable returns the tracking table called name in db.
func NewSQLiteTable(db *sql.DB, name string, log *logger.SyncLogger) (*SQLiteTable, error) {
	if db == nil {
		return nil, fmt.Errorf("metastore: db is nil")
	}
	if err := checkIdentifier("table", name); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SQLiteTable{db: db, name: name, log: log, now: time.Now}, nil
}

// Exists implements Table.
func (t *SQLiteTable) Exists(ctx context.Context) (bool, error) {
	return sqliteTableExists(ctx, t.db, t.name)
}

// Create implements Table.
func (t *SQLiteTable) Create(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			file_path  TEXT NOT NULL PRIMARY KEY,
			updated_at TEXT NOT NULL
		)`, t.name))
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.name, err)
	}
	return nil
}

// ReadAll implements Table.
func (t *SQLiteTable) ReadAll(ctx context.Context) ([]Row, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`SELECT file_path, updated_at FROM %s`, t.name))
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var path, updated string
		if err := rows.Scan(&path, &updated); err != nil {
			return nil, err
		}
		ts, err := timestamp.Parse(updated)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", path, err)
		}
		out = append(out, Row{Path: path, UpdatedAt: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Overwrite implements Table.
func (t *SQLiteTable) Overwrite(ctx context.Context, rows []Row) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, t.name)); err != nil {
			return err
		}
		return insertRows(ctx, tx, t.name, rows)
	})
}

// Append implements Table.
func (t *SQLiteTable) Append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return t.inTx(ctx, func(tx *sql.Tx) error {
		return insertRows(ctx, tx, t.name, rows)
	})
}

// AppendStaged implements Table. Rows go through a gzip JSONL file on local
// disk and are loaded back in one transaction.
func (t *SQLiteTable) AppendStaged(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	f, err := os.CreateTemp("", t.name+"_*.jsonl.gz")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer func() {
		_ = f.Close()
		if err := os.Remove(f.Name()); err != nil {
			t.log.Warn().Err(err).Str("file", f.Name()).Msg("failed to remove staging file")
		}
	}()

	if err := WriteStaged(f, rows); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind staging file: %w", err)
	}
	staged, err := ReadStaged(f)
	if err != nil {
		return err
	}

	t.log.Debug().Int("rows", len(staged)).Str("file", f.Name()).Msg("loading staged rows")
	return t.Append(ctx, staged)
}

// DeleteKeys implements Table.
func (t *SQLiteTable) DeleteKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return t.inTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(keys); start += sqliteMaxParams {
			end := min(start+sqliteMaxParams, len(keys))
			chunk := keys[start:end]

			args := make([]any, len(chunk))
			for i, k := range chunk {
				args[i] = k
			}
			query := fmt.Sprintf(`DELETE FROM %s WHERE file_path IN (%s)`, t.name, placeholders(len(chunk)))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// MergeTimestamps implements Table. The update rows are loaded into a TEMP
// table and applied with a correlated UPDATE. Rows that have no match in the
// tracking table are ignored.
func (t *SQLiteTable) MergeTimestamps(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	tmp := tempTableName(t.name, t.now())
	conn, err := t.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE IF NOT EXISTS %s (file_path TEXT NOT NULL PRIMARY KEY, updated_at TEXT NOT NULL)`, tmp)); err != nil {
		return fmt.Errorf("create temp table %s: %w", tmp, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf(`DROP TABLE IF EXISTS temp.%s`, tmp)); err != nil {
			t.log.Warn().Err(err).Str("table", tmp).Msg("failed to drop temporary table")
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM temp.%s`, tmp)); err != nil {
		return err
	}
	if err := insertRows(ctx, tx, "temp."+tmp, rows); err != nil {
		return err
	}

	merge := fmt.Sprintf(
		`UPDATE %[1]s SET updated_at = (SELECT s.updated_at FROM temp.%[2]s s WHERE s.file_path = %[1]s.file_path)
		 WHERE file_path IN (SELECT file_path FROM temp.%[2]s)`, t.name, tmp)
	if _, err := tx.ExecContext(ctx, merge); err != nil {
		return fmt.Errorf("merge from %s: %w", tmp, err)
	}
	return tx.Commit()
}

func (t *SQLiteTable) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, rows []Row) error {
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (file_path, updated_at) VALUES (?, ?)
		 ON CONFLICT(file_path) DO UPDATE SET updated_at = excluded.updated_at`, table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Path, timestamp.Format(r.UpdatedAt)); err != nil {
			return fmt.Errorf("insert %s: %w", r.Path, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func sqliteTableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up table %s: %w", name, err)
	}
	return n > 0, nil
}

// SQLiteRunTable is the run log stored in SQLite.
type SQLiteRunTable struct {
	db   *sql.DB
	name string
}

// NewSQLiteRunTable returns the run log called name in db.
func NewSQLiteRunTable(db *sql.DB, name string) (*SQLiteRunTable, error) {
	if db == nil {
		return nil, fmt.Errorf("metastore: db is nil")
	}
	if err := checkIdentifier("log table", name); err != nil {
		return nil, err
	}
	return &SQLiteRunTable{db: db, name: name}, nil
}

// Exists implements RunTable.
func (t *SQLiteRunTable) Exists(ctx context.Context) (bool, error) {
	return sqliteTableExists(ctx, t.db, t.name)
}

// Create implements RunTable.
func (t *SQLiteRunTable) Create(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			sync_date     TEXT    NOT NULL,
			files_added   INTEGER NOT NULL,
			files_deleted INTEGER NOT NULL,
			files_updated INTEGER NOT NULL,
			success       INTEGER NOT NULL,
			error_message TEXT
		)`, t.name))
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.name, err)
	}
	return nil
}

// AppendRun implements RunTable.
func (t *SQLiteRunTable) AppendRun(ctx context.Context, rec RunRecord) error {
	msg := sql.NullString{String: rec.ErrorMessage, Valid: rec.ErrorMessage != ""}
	_, err := t.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (sync_date, files_added, files_deleted, files_updated, success, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`, t.name),
		timestamp.Format(rec.SyncDate), rec.FilesAdded, rec.FilesDeleted, rec.FilesUpdated, rec.Success, msg)
	if err != nil {
		return fmt.Errorf("append run to %s: %w", t.name, err)
	}
	return nil
}

var (
	_ Table    = (*SQLiteTable)(nil)
	_ RunTable = (*SQLiteRunTable)(nil)
)
