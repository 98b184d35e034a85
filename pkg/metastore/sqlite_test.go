package metastore

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func newSQLiteTable(t *testing.T) (*SQLiteTable, *sql.DB) {
	t.Helper()

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	table, err := NewSQLiteTable(db, "file_catalog", nil)
	require.NoError(t, err)
	return table, db
}

func readSorted(t *testing.T, table Table) []Row {
	t.Helper()

	rows, err := table.ReadAll(context.Background())
	require.NoError(t, err)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows
}

func TestSQLiteTableLifecycle(t *testing.T) {
	ctx := context.Background()
	table, _ := newSQLiteTable(t)

	exists, err := table.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, table.Create(ctx))
	exists, err = table.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	rows, err := table.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, table.Append(ctx, []Row{
		{Path: "a.txt", UpdatedAt: ts("2024-01-01 10:00:00")},
		{Path: "dir/b.txt", UpdatedAt: ts("2024-01-02 11:30:00")},
		{Path: "c.txt", UpdatedAt: ts("2024-01-03 00:00:00")},
	}))

	require.NoError(t, table.DeleteKeys(ctx, []string{"c.txt", "missing.txt"}))

	require.NoError(t, table.MergeTimestamps(ctx, []Row{
		{Path: "a.txt", UpdatedAt: ts("2024-02-01 09:00:00")},
		{Path: "not-tracked.txt", UpdatedAt: ts("2024-02-01 09:00:00")},
	}))

	assert.Equal(t, []Row{
		{Path: "a.txt", UpdatedAt: ts("2024-02-01 09:00:00")},
		{Path: "dir/b.txt", UpdatedAt: ts("2024-01-02 11:30:00")},
	}, readSorted(t, table))
}

func TestSQLiteTableAppendStaged(t *testing.T) {
	ctx := context.Background()
	table, _ := newSQLiteTable(t)
	require.NoError(t, table.Create(ctx))

	var rows []Row
	for _, p := range []string{"x/1.bin", "x/2.bin", "y/3.bin"} {
		rows = append(rows, Row{Path: p, UpdatedAt: ts("2023-12-31 23:59:59")})
	}
	require.NoError(t, table.AppendStaged(ctx, rows))

	assert.Equal(t, rows, readSorted(t, table))
}

func TestSQLiteTableOverwrite(t *testing.T) {
	ctx := context.Background()
	table, _ := newSQLiteTable(t)
	require.NoError(t, table.Create(ctx))
	require.NoError(t, table.Append(ctx, []Row{{Path: "old.txt", UpdatedAt: ts("2020-01-01 00:00:00")}}))

	want := []Row{{Path: "new.txt", UpdatedAt: ts("2024-06-01 12:00:00")}}
	require.NoError(t, table.Overwrite(ctx, want))

	assert.Equal(t, want, readSorted(t, table))
}

func TestSQLiteTableDeleteManyKeys(t *testing.T) {
	ctx := context.Background()
	table, _ := newSQLiteTable(t)
	require.NoError(t, table.Create(ctx))

	var rows []Row
	var keys []string
	for i := 0; i < sqliteMaxParams*2+7; i++ {
		p := filepath.ToSlash(filepath.Join("bulk", time.Unix(int64(i), 0).UTC().Format("150405")))
		rows = append(rows, Row{Path: p, UpdatedAt: ts("2024-01-01 00:00:00")})
		keys = append(keys, p)
	}
	require.NoError(t, table.Append(ctx, rows))
	require.NoError(t, table.DeleteKeys(ctx, keys))

	assert.Empty(t, readSorted(t, table))
}

func TestSQLiteRunTable(t *testing.T) {
	ctx := context.Background()
	_, db := newSQLiteTable(t)

	runs, err := NewSQLiteRunTable(db, "sync_log")
	require.NoError(t, err)

	exists, err := runs.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, runs.Create(ctx))

	require.NoError(t, runs.AppendRun(ctx, RunRecord{
		SyncDate:   ts("2024-03-01 08:00:00"),
		FilesAdded: 3,
		Success:    true,
	}))
	require.NoError(t, runs.AppendRun(ctx, RunRecord{
		SyncDate:     ts("2024-03-02 08:00:00"),
		FilesDeleted: 1,
		ErrorMessage: "add phase failed",
	}))

	rows, err := db.QueryContext(ctx, `SELECT sync_date, files_added, files_deleted, success, error_message FROM sync_log ORDER BY sync_date`)
	require.NoError(t, err)
	defer rows.Close()

	type logged struct {
		date    string
		added   int
		deleted int
		success bool
		msg     sql.NullString
	}
	var got []logged
	for rows.Next() {
		var l logged
		require.NoError(t, rows.Scan(&l.date, &l.added, &l.deleted, &l.success, &l.msg))
		got = append(got, l)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 2)
	assert.Equal(t, logged{date: "2024-03-01 08:00:00", added: 3, success: true}, got[0])
	assert.Equal(t, logged{date: "2024-03-02 08:00:00", deleted: 1, msg: sql.NullString{String: "add phase failed", Valid: true}}, got[1])
}

func TestSQLiteRejectsBadIdentifiers(t *testing.T) {
	_, db := newSQLiteTable(t)

	_, err := NewSQLiteTable(db, "files; DROP TABLE x", nil)
	assert.Error(t, err)

	_, err = NewSQLiteRunTable(db, "1log")
	assert.Error(t, err)
}
