// Package syncer runs one reconciliation of the source tree, the metadata
// table and the blob store: snapshot, classify, execute, verify, and record
// the outcome. Every run ends in the run log, whether it succeeded, failed
// part way, or was interrupted.
package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/yuya-takeyama/strict-catalog-sync/internal/preflight"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/blobstore"
	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/executor"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/planner"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/runlog"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/verifier"
)

// Options configures a Syncer.
type Options struct {
	BasePath string

	// RequireMount fails the run unless BasePath is a mount point.
	RequireMount bool

	// Tolerance is the minimum timestamp difference treated as a change.
	Tolerance time.Duration

	// DryRun classifies without writing to any store or the run log.
	DryRun bool

	Executor executor.Config
}

type Syncer struct {
	scanner  snapshot.Scanner
	store    blobstore.Store
	table    metastore.Table
	recorder *runlog.Recorder
	opts     Options
	log      *logger.SyncLogger

	now        func() time.Time
	checkMount func(string) error
}

// New creates a Syncer. A nil recorder disables run logging.
func New(
	scanner snapshot.Scanner,
	store blobstore.Store,
	table metastore.Table,
	recorder *runlog.Recorder,
	opts Options,
	log *logger.SyncLogger,
) *Syncer {
	if log == nil {
		log = logger.Nop()
	}
	opts.BasePath = absPath(opts.BasePath)
	if opts.Executor.BaseDir == "" {
		opts.Executor.BaseDir = opts.BasePath
	} else {
		opts.Executor.BaseDir = absPath(opts.Executor.BaseDir)
	}
	return &Syncer{
		scanner:    scanner,
		store:      store,
		table:      table,
		recorder:   recorder,
		opts:       opts,
		log:        log,
		now:        time.Now,
		checkMount: preflight.RequireMount,
	}
}

// absPath makes p absolute so the scan, the source snapshot and the executor
// all resolve files against the same root. p is returned unchanged when the
// working directory cannot be read; the scan reports that case.
func absPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Report is everything a run produced.
type Report struct {
	Outcome runlog.Outcome
	DryRun  bool

	// Actions is the classified action set; zero when the run aborted
	// before classification.
	Actions planner.ActionSet
	Plan    []planner.Item

	// Execution is nil when nothing was executed.
	Execution *executor.Result

	// Verification is nil when verification did not run.
	Verification *verifier.Report

	// Recorded reports whether the outcome reached the run log.
	Recorded bool
}

// Run performs one sync. The returned error is non-nil only when the run
// aborted: bad source tree, unreachable store, unreadable snapshot or
// cancellation. Per-file failures are reported through Outcome.Success and
// Outcome.ErrorMessage instead. Either way the outcome is recorded unless
// this is a dry run.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		Outcome: runlog.Outcome{StartedAt: s.now()},
		DryRun:  s.opts.DryRun,
	}

	err := s.run(ctx, rep)
	if err != nil {
		rep.Outcome = rep.Outcome.Failed(err)
		s.log.Error().Err(err).Msg("sync failed")
	}

	if !s.opts.DryRun {
		rep.Recorded = s.recorder.Record(context.WithoutCancel(ctx), rep.Outcome)
	}
	return rep, err
}

func (s *Syncer) run(ctx context.Context, rep *Report) error {
	src, meta, blobs, err := s.snapshots(ctx)
	if err != nil {
		return err
	}

	if blobOnly, metaOnly := planner.Inconsistencies(meta, blobs); len(blobOnly) > 0 || len(metaOnly) > 0 {
		s.log.Warn().
			Int("blob_without_metadata", len(blobOnly)).
			Int("metadata_without_blob", len(metaOnly)).
			Msg("metadata table and blob store disagree, will be reconciled")
	}

	set := planner.Classify(src, meta, blobs, s.opts.Tolerance)
	if err := set.Validate(); err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	rep.Actions = set
	rep.Plan = set.Items(src)

	counts := set.Counts()
	s.log.Info().
		Int("add", counts.Add).
		Int("delete", counts.Delete).
		Int("update", counts.Update).
		Int("orphan_blobs", len(set.OrphanBlobs)).
		Int("blob_missing", len(set.BlobMissing)).
		Int("untouched", len(set.Untouched)).
		Msg("actions classified")

	if s.opts.DryRun {
		s.log.Info().Msg("dry run, no changes applied")
		rep.Outcome.Success = true
		return nil
	}

	if set.Empty() {
		s.log.Info().Msg("everything synchronized, nothing to do")
		rep.Outcome.Success = true
		return nil
	}

	res, err := executor.New(s.store, s.table, s.opts.Executor, s.log).Execute(ctx, set, src)
	rep.Execution = &res
	rep.Outcome.FilesDeleted = len(res.Delete.Applied)
	rep.Outcome.FilesAdded = len(res.Add.Applied)
	rep.Outcome.FilesUpdated = len(res.Update.Applied)
	if err != nil {
		return fmt.Errorf("sync interrupted: %w", err)
	}

	vr := verifier.New(s.table, s.store, s.log).Verify(ctx, src)
	rep.Verification = &vr

	if err := res.Err(); err != nil {
		rep.Outcome = rep.Outcome.Failed(err)
		s.log.Warn().
			Int("added", rep.Outcome.FilesAdded).
			Int("deleted", rep.Outcome.FilesDeleted).
			Int("updated", rep.Outcome.FilesUpdated).
			Err(err).
			Msg("sync finished with failures, they will be retried on the next run")
		return nil
	}

	rep.Outcome.Success = true
	s.log.Info().
		Int("added", rep.Outcome.FilesAdded).
		Int("deleted", rep.Outcome.FilesDeleted).
		Int("updated", rep.Outcome.FilesUpdated).
		Msg("sync completed")
	return nil
}

func (s *Syncer) snapshots(ctx context.Context) (snapshot.Source, snapshot.Metadata, snapshot.Blob, error) {
	if err := s.preflight(ctx); err != nil {
		return nil, nil, nil, err
	}

	src, err := snapshot.BuildSource(ctx, s.scanner, s.opts.BasePath, s.log)
	if err != nil {
		return nil, nil, nil, err
	}

	readMetadata := snapshot.BuildMetadata
	if s.opts.DryRun {
		readMetadata = snapshot.ReadMetadata
	}
	meta, err := readMetadata(ctx, s.table, s.log)
	if err != nil {
		return nil, nil, nil, err
	}

	blobs, err := snapshot.BuildBlob(ctx, s.store, s.log)
	if err != nil {
		return nil, nil, nil, err
	}
	return src, meta, blobs, nil
}

func (s *Syncer) preflight(ctx context.Context) error {
	if s.opts.RequireMount {
		if err := s.checkMount(s.opts.BasePath); err != nil {
			return err
		}
	}
	if err := s.store.Verify(ctx); err != nil {
		return fmt.Errorf("verify blob store: %w", err)
	}
	return nil
}

// Rebuild replaces the whole metadata table with the source snapshot and
// returns the number of rows written. Blobs are left alone; the next Run
// uploads whatever the blob store is missing. In dry-run mode nothing is
// written.
func (s *Syncer) Rebuild(ctx context.Context) (int, error) {
	if s.opts.RequireMount {
		if err := s.checkMount(s.opts.BasePath); err != nil {
			return 0, err
		}
	}

	src, err := snapshot.BuildSource(ctx, s.scanner, s.opts.BasePath, s.log)
	if err != nil {
		return 0, err
	}

	rows := make([]metastore.Row, 0, len(src))
	for _, key := range src.Keys() {
		rows = append(rows, metastore.Row{Path: key, UpdatedAt: src[key].ModifiedAt})
	}

	if s.opts.DryRun {
		s.log.Info().Int("rows", len(rows)).Msg("dry run, metadata table not rebuilt")
		return len(rows), nil
	}

	exists, err := s.table.Exists(ctx)
	if err != nil {
		return 0, fmt.Errorf("check metadata table: %w", err)
	}
	if !exists {
		if err := s.table.Create(ctx); err != nil {
			return 0, fmt.Errorf("create metadata table: %w", err)
		}
	}
	if err := s.table.Overwrite(ctx, rows); err != nil {
		return 0, syncerrors.NewMetadataWriteError("overwrite", src.Keys(), err)
	}

	s.log.Info().Int("rows", len(rows)).Msg("metadata table rebuilt from source tree")
	return len(rows), nil
}
