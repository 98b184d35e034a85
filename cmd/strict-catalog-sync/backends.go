package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/yuya-takeyama/strict-catalog-sync/internal/config"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/blobstore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
)

// backends holds the clients selected by the configuration.
type backends struct {
	store blobstore.Store
	table metastore.Table
	runs  metastore.RunTable // nil when run logging is disabled

	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg *config.Config, log *logger.SyncLogger) (*backends, error) {
	b := &backends{}
	opened := false
	defer func() {
		if !opened {
			_ = b.Close()
		}
	}()

	var gcs *storage.Client
	if cfg.BlobBackend == config.BackendGCS || cfg.MetadataBackend == config.BackendBigQuery {
		var err error
		gcs, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		b.closers = append(b.closers, gcs.Close)
	}

	loc, err := cfg.BlobLocation()
	if err != nil {
		return nil, err
	}

	switch cfg.BlobBackend {
	case config.BackendGCS:
		b.store = blobstore.NewGCSStore(gcs, loc.Bucket, loc.Prefix)
	case config.BackendS3:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSProfile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		b.store = blobstore.NewS3Store(awsCfg, loc.Bucket, loc.Prefix)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}

	switch cfg.MetadataBackend {
	case config.BackendBigQuery:
		project := cfg.ProjectID
		if project == "" {
			project = bigquery.DetectProjectID
		}
		bq, err := bigquery.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
		}
		b.closers = append(b.closers, bq.Close)

		b.table, err = metastore.NewBigQueryTable(bq, gcs, metastore.BigQueryOptions{
			Dataset:    cfg.DatasetID,
			Table:      cfg.MetadataTable,
			TempBucket: cfg.TempBucket,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.LogTable != "" {
			runs, err := metastore.NewBigQueryRunTable(bq, cfg.DatasetID, cfg.LogTable)
			if err != nil {
				return nil, err
			}
			b.runs = runs
		}

	case config.BackendSQLite:
		db, err := metastore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)

		b.table, err = metastore.NewSQLiteTable(db, cfg.MetadataTable, log)
		if err != nil {
			return nil, err
		}
		if cfg.LogTable != "" {
			runs, err := metastore.NewSQLiteRunTable(db, cfg.LogTable)
			if err != nil {
				return nil, err
			}
			b.runs = runs
		}

	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
	}

	opened = true
	return b, nil
}
