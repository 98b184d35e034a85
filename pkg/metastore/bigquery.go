package metastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/timestamp"
)

// TrackingSchema is the fixed schema of the tracking table.
var TrackingSchema = bigquery.Schema{
	{Name: ColumnFilePath, Type: bigquery.StringFieldType, Required: true},
	{Name: ColumnUpdatedAt, Type: bigquery.DateTimeFieldType, Required: true},
}

// RunLogSchema is the fixed schema of the run log.
var RunLogSchema = bigquery.Schema{
	{Name: "sync_date", Type: bigquery.DateTimeFieldType, Required: true},
	{Name: "files_added", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "files_deleted", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "files_updated", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "success", Type: bigquery.BooleanFieldType, Required: true},
	{Name: "error_message", Type: bigquery.StringFieldType},
}

// BigQueryOptions locates the tracking table.
type BigQueryOptions struct {
	Dataset string
	Table   string

	// TempBucket is the GCS bucket used for staged loads. When empty,
	// AppendStaged loads directly like Append.
	TempBucket string
}

// BigQueryTable is the tracking table stored in BigQuery.
type BigQueryTable struct {
	client  *bigquery.Client
	staging *storage.Client
	opts    BigQueryOptions
	log     *logger.SyncLogger
	now     func() time.Time
}

// NewBigQueryTable returns the tracking table described by opts. staging may
// be nil when opts.TempBucket is empty.
func NewBigQueryTable(client *bigquery.Client, staging *storage.Client, opts BigQueryOptions, log *logger.SyncLogger) (*BigQueryTable, error) {
	if client == nil {
		return nil, fmt.Errorf("metastore: bigquery client is nil")
	}
	if err := checkIdentifier("dataset", opts.Dataset); err != nil {
		return nil, err
	}
	if err := checkIdentifier("table", opts.Table); err != nil {
		return nil, err
	}
	if opts.TempBucket != "" && staging == nil {
		return nil, fmt.Errorf("metastore: temp bucket %s needs a storage client", opts.TempBucket)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &BigQueryTable{client: client, staging: staging, opts: opts, log: log, now: time.Now}, nil
}

type trackingRow struct {
	FilePath  string         `bigquery:"file_path"`
	UpdatedAt civil.DateTime `bigquery:"updated_at"`
}

func (t *BigQueryTable) ref() *bigquery.Table {
	return t.client.Dataset(t.opts.Dataset).Table(t.opts.Table)
}

func (t *BigQueryTable) fullID(table string) string {
	return qualifiedName(t.client.Project(), t.opts.Dataset, table)
}

// Exists implements Table.
func (t *BigQueryTable) Exists(ctx context.Context) (bool, error) {
	return bigQueryTableExists(ctx, t.ref())
}

// Create implements Table.
func (t *BigQueryTable) Create(ctx context.Context) error {
	if err := t.ref().Create(ctx, &bigquery.TableMetadata{Schema: TrackingSchema}); err != nil {
		return fmt.Errorf("create table %s: %w", t.fullID(t.opts.Table), err)
	}
	return nil
}

// ReadAll implements Table.
func (t *BigQueryTable) ReadAll(ctx context.Context) ([]Row, error) {
	q := t.client.Query(fmt.Sprintf("SELECT file_path, updated_at FROM %s", t.fullID(t.opts.Table)))
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.fullID(t.opts.Table), err)
	}

	var out []Row
	for {
		var r trackingRow
		err := it.Next(&r)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", t.fullID(t.opts.Table), err)
		}
		ts, err := timestamp.Normalize(r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", r.FilePath, err)
		}
		out = append(out, Row{Path: r.FilePath, UpdatedAt: ts})
	}
	return out, nil
}

// Overwrite implements Table.
func (t *BigQueryTable) Overwrite(ctx context.Context, rows []Row) error {
	return t.loadDirect(ctx, t.ref(), rows, bigquery.WriteTruncate)
}

// Append implements Table.
func (t *BigQueryTable) Append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return t.loadDirect(ctx, t.ref(), rows, bigquery.WriteAppend)
}

// AppendStaged implements Table. Rows are written as gzip JSONL to the temp
// bucket and loaded from there; the staged object is removed afterwards.
func (t *BigQueryTable) AppendStaged(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if t.opts.TempBucket == "" {
		t.log.Debug().Int("rows", len(rows)).Msg("no temp bucket configured, loading directly")
		return t.Append(ctx, rows)
	}

	name := fmt.Sprintf("staging/%s_%s.jsonl.gz", t.opts.Table, t.now().UTC().Format("20060102_150405.000000000"))
	obj := t.staging.Bucket(t.opts.TempBucket).Object(name)
	defer func() {
		if err := obj.Delete(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			t.log.Warn().Err(err).Str("object", name).Msg("failed to remove staged object")
		}
	}()

	w := obj.NewWriter(ctx)
	w.ContentType = "application/gzip"
	if err := WriteStaged(w, rows); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload staged rows to gs://%s/%s: %w", t.opts.TempBucket, name, err)
	}

	gcsRef := bigquery.NewGCSReference(fmt.Sprintf("gs://%s/%s", t.opts.TempBucket, name))
	gcsRef.SourceFormat = bigquery.JSON
	gcsRef.Compression = bigquery.Gzip
	gcsRef.Schema = TrackingSchema

	loader := t.ref().LoaderFrom(gcsRef)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.CreateDisposition = bigquery.CreateNever

	t.log.Debug().Int("rows", len(rows)).Str("object", name).Msg("loading staged rows")
	return runJob(ctx, loader)
}

// DeleteKeys implements Table.
func (t *BigQueryTable) DeleteKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	q := t.client.Query(fmt.Sprintf("DELETE FROM %s WHERE file_path IN UNNEST(@paths)", t.fullID(t.opts.Table)))
	q.Parameters = []bigquery.QueryParameter{{Name: "paths", Value: keys}}
	return runJob(ctx, q)
}

// MergeTimestamps implements Table.
func (t *BigQueryTable) MergeTimestamps(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	tmpName := tempTableName(t.opts.Table, t.now())
	tmp := t.client.Dataset(t.opts.Dataset).Table(tmpName)
	t.log.Debug().Int("rows", len(rows)).Str("table", tmpName).Msg("merging updates through temporary table")

	defer func() {
		err := tmp.Delete(context.WithoutCancel(ctx))
		if err != nil && !isNotFound(err) {
			t.log.Warn().Err(err).Str("table", tmpName).Msg("failed to drop temporary table")
		}
	}()

	if err := t.loadDirect(ctx, tmp, rows, bigquery.WriteTruncate); err != nil {
		return fmt.Errorf("load %s: %w", tmpName, err)
	}

	q := t.client.Query(mergeSQL(t.fullID(t.opts.Table), t.fullID(tmpName)))
	if err := runJob(ctx, q); err != nil {
		return fmt.Errorf("merge from %s: %w", tmpName, err)
	}
	return nil
}

func (t *BigQueryTable) loadDirect(ctx context.Context, dst *bigquery.Table, rows []Row, disposition bigquery.TableWriteDisposition) error {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, rows); err != nil {
		return err
	}

	src := bigquery.NewReaderSource(&buf)
	src.SourceFormat = bigquery.JSON
	src.Schema = TrackingSchema

	loader := dst.LoaderFrom(src)
	loader.WriteDisposition = disposition
	loader.CreateDisposition = bigquery.CreateIfNeeded
	return runJob(ctx, loader)
}

type jobRunner interface {
	Run(ctx context.Context) (*bigquery.Job, error)
}

func runJob(ctx context.Context, r jobRunner) error {
	job, err := r.Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

func mergeSQL(target, source string) string {
	return fmt.Sprintf(`MERGE %s T
USING %s S
ON T.file_path = S.file_path
WHEN MATCHED THEN
  UPDATE SET updated_at = S.updated_at`, target, source)
}

func qualifiedName(project, dataset, table string) string {
	return fmt.Sprintf("`%s.%s.%s`", project, dataset, table)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func bigQueryTableExists(ctx context.Context, ref *bigquery.Table) (bool, error) {
	if _, err := ref.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("look up table %s.%s: %w", ref.DatasetID, ref.TableID, err)
	}
	return true, nil
}

// BigQueryRunTable is the run log stored in BigQuery.
type BigQueryRunTable struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// NewBigQueryRunTable returns the run log called table in dataset.
func NewBigQueryRunTable(client *bigquery.Client, dataset, table string) (*BigQueryRunTable, error) {
	if client == nil {
		return nil, fmt.Errorf("metastore: bigquery client is nil")
	}
	if err := checkIdentifier("dataset", dataset); err != nil {
		return nil, err
	}
	if err := checkIdentifier("log table", table); err != nil {
		return nil, err
	}
	return &BigQueryRunTable{client: client, dataset: dataset, table: table}, nil
}

type runRow struct {
	SyncDate     civil.DateTime      `bigquery:"sync_date"`
	FilesAdded   int64               `bigquery:"files_added"`
	FilesDeleted int64               `bigquery:"files_deleted"`
	FilesUpdated int64               `bigquery:"files_updated"`
	Success      bool                `bigquery:"success"`
	ErrorMessage bigquery.NullString `bigquery:"error_message"`
}

func newRunRow(rec RunRecord) runRow {
	return runRow{
		SyncDate:     timestamp.Civil(rec.SyncDate),
		FilesAdded:   int64(rec.FilesAdded),
		FilesDeleted: int64(rec.FilesDeleted),
		FilesUpdated: int64(rec.FilesUpdated),
		Success:      rec.Success,
		ErrorMessage: bigquery.NullString{StringVal: rec.ErrorMessage, Valid: rec.ErrorMessage != ""},
	}
}

func (t *BigQueryRunTable) ref() *bigquery.Table {
	return t.client.Dataset(t.dataset).Table(t.table)
}

// Exists implements RunTable.
func (t *BigQueryRunTable) Exists(ctx context.Context) (bool, error) {
	return bigQueryTableExists(ctx, t.ref())
}

// Create implements RunTable.
func (t *BigQueryRunTable) Create(ctx context.Context) error {
	if err := t.ref().Create(ctx, &bigquery.TableMetadata{Schema: RunLogSchema}); err != nil {
		return fmt.Errorf("create table %s.%s: %w", t.dataset, t.table, err)
	}
	return nil
}

// AppendRun implements RunTable.
func (t *BigQueryRunTable) AppendRun(ctx context.Context, rec RunRecord) error {
	if err := t.ref().Inserter().Put(ctx, newRunRow(rec)); err != nil {
		return fmt.Errorf("append run to %s.%s: %w", t.dataset, t.table, err)
	}
	return nil
}

var (
	_ Table    = (*BigQueryTable)(nil)
	_ RunTable = (*BigQueryRunTable)(nil)
)
