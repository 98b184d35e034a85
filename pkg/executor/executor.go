// Package executor applies a classified action set to the blob store and
// the metadata table: deletes first, then adds, then updates. Single-file
// transfers run concurrently and fail independently; a phase keeps going
// past individual failures and reports them in its PhaseResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-catalog-sync/internal/retry"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/blobstore"
	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/pathmap"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/planner"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
)

const (
	DefaultBatchSize        = 1000
	DefaultStagedThreshold  = 500
	DefaultProgressInterval = 100
	DefaultConcurrency      = 16
)

type Phase string

const (
	PhaseDelete Phase = "delete"
	PhaseAdd    Phase = "add"
	PhaseUpdate Phase = "update"
)

// Config tunes the executor.
type Config struct {
	// BaseDir resolves local paths for keys the source snapshot lacks.
	BaseDir string

	// BatchSize is the number of keys per metadata delete.
	BatchSize int

	// StagedThreshold is the row count from which inserts go through a
	// staged load. Zero or less disables staged loads.
	StagedThreshold int

	// ProgressInterval logs progress every N completed transfers.
	ProgressInterval int

	// Concurrency bounds the number of transfers in flight.
	Concurrency int

	Retry retry.Policy
}

type Executor struct {
	store blobstore.Store
	table metastore.Table
	cfg   Config
	log   *logger.SyncLogger
}

func New(store blobstore.Store, table metastore.Table, cfg Config, log *logger.SyncLogger) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{store: store, table: table, cfg: cfg, log: log}
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Phase   Phase
	Planned int

	// Applied holds the keys whose blob and metadata changes both landed.
	Applied []string

	// Failed maps each key that was not fully applied to its error.
	Failed map[string]error

	// Err is a phase-level failure: a failed metadata write, or no upload
	// succeeding at all.
	Err error
}

func newPhaseResult(phase Phase, planned int) PhaseResult {
	return PhaseResult{Phase: phase, Planned: planned, Applied: []string{}, Failed: map[string]error{}}
}

// OK reports whether every planned key was applied.
func (r PhaseResult) OK() bool {
	return r.Err == nil && len(r.Failed) == 0
}

// FailedKeys returns the failed keys in order.
func (r PhaseResult) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Result is the outcome of all three phases.
type Result struct {
	Delete PhaseResult
	Add    PhaseResult
	Update PhaseResult
}

// OK reports whether all phases were fully applied.
func (r Result) OK() bool {
	return r.Delete.OK() && r.Add.OK() && r.Update.OK()
}

// Phases returns the phase results in execution order.
func (r Result) Phases() []PhaseResult {
	return []PhaseResult{r.Delete, r.Add, r.Update}
}

// Err summarizes every phase failure, or returns nil.
func (r Result) Err() error {
	var errs []error
	for _, p := range r.Phases() {
		if p.Err != nil {
			errs = append(errs, fmt.Errorf("%s phase: %w", p.Phase, p.Err))
		}
		if n := len(p.Failed); n > 0 {
			errs = append(errs, fmt.Errorf("%s phase: %d of %d file(s) failed", p.Phase, n, p.Planned))
		}
	}
	return errors.Join(errs...)
}

// Execute runs delete, add and update in that order. It stops between
// phases when ctx is done and returns the results so far with ctx.Err().
func (e *Executor) Execute(ctx context.Context, set planner.ActionSet, src snapshot.Source) (Result, error) {
	res := Result{
		Delete: newPhaseResult(PhaseDelete, len(set.ToDelete)),
		Add:    newPhaseResult(PhaseAdd, len(set.ToAdd)),
		Update: newPhaseResult(PhaseUpdate, len(set.ToUpdate)),
	}

	res.Delete = e.Delete(ctx, set.ToDelete)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Add = e.Add(ctx, set.ToAdd, src)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Update = e.Update(ctx, set.ToUpdate, src)
	return res, ctx.Err()
}

// Delete removes keys from the metadata table in batches, then from the blob
// store. A failed metadata batch is logged and blob deletion still runs for
// its keys; those keys are reported failed.
func (e *Executor) Delete(ctx context.Context, keys []string) PhaseResult {
	res := newPhaseResult(PhaseDelete, len(keys))
	if len(keys) == 0 {
		return res
	}
	e.log.PhaseStart(string(PhaseDelete), len(keys))

	metaFailed := map[string]error{}
	for start := 0; start < len(keys); start += e.cfg.BatchSize {
		batch := keys[start:min(start+e.cfg.BatchSize, len(keys))]
		if err := e.table.DeleteKeys(ctx, batch); err != nil {
			werr := syncerrors.NewMetadataWriteError("delete", batch, err)
			e.log.Error().Err(err).Int("keys", len(batch)).Msg("metadata delete failed, continuing with blob deletion")
			for _, k := range batch {
				metaFailed[k] = werr
			}
		}
	}

	ok, failed := e.transfer(ctx, PhaseDelete, keys, e.deleteBlob)

	for _, k := range ok {
		if err, bad := metaFailed[k]; bad {
			res.Failed[k] = err
			continue
		}
		res.Applied = append(res.Applied, k)
	}
	for k, err := range failed {
		if merr, bad := metaFailed[k]; bad {
			err = errors.Join(merr, err)
		}
		res.Failed[k] = err
	}
	if len(metaFailed) > 0 {
		res.Err = fmt.Errorf("metadata delete failed for %d key(s): %w", len(metaFailed), syncerrors.ErrMetadataWrite)
	}

	e.log.PhaseComplete(string(PhaseDelete), len(res.Applied), len(res.Failed))
	return res
}

// Add uploads keys, then inserts metadata rows for the successful uploads
// only. When nothing uploads, no insert is attempted.
func (e *Executor) Add(ctx context.Context, keys []string, src snapshot.Source) PhaseResult {
	return e.uploadPhase(ctx, PhaseAdd, keys, src, func(ctx context.Context, rows []metastore.Row) error {
		if e.cfg.StagedThreshold > 0 && len(rows) >= e.cfg.StagedThreshold {
			e.log.Debug().Int("rows", len(rows)).Msg("inserting metadata through staged load")
			return e.table.AppendStaged(ctx, rows)
		}
		return e.table.Append(ctx, rows)
	}, "insert")
}

// Update uploads keys, then merges the new timestamps of the successful
// uploads into the metadata table.
func (e *Executor) Update(ctx context.Context, keys []string, src snapshot.Source) PhaseResult {
	return e.uploadPhase(ctx, PhaseUpdate, keys, src, e.table.MergeTimestamps, "merge")
}

func (e *Executor) uploadPhase(
	ctx context.Context,
	phase Phase,
	keys []string,
	src snapshot.Source,
	write func(context.Context, []metastore.Row) error,
	op string,
) PhaseResult {
	res := newPhaseResult(phase, len(keys))
	if len(keys) == 0 {
		return res
	}
	e.log.PhaseStart(string(phase), len(keys))

	ok, failed := e.transfer(ctx, phase, keys, func(ctx context.Context, key string) error {
		return e.upload(ctx, key, e.localPath(src, key))
	})
	for k, err := range failed {
		res.Failed[k] = err
	}

	if len(ok) == 0 {
		res.Err = fmt.Errorf("none of %d file(s) uploaded: %w", len(keys), syncerrors.ErrTransferFailure)
		e.log.PhaseComplete(string(phase), 0, len(res.Failed))
		return res
	}

	rows := make([]metastore.Row, 0, len(ok))
	for _, k := range ok {
		rows = append(rows, metastore.Row{Path: k, UpdatedAt: src[k].ModifiedAt})
	}

	if err := write(ctx, rows); err != nil {
		werr := syncerrors.NewMetadataWriteError(op, ok, err)
		e.log.Error().Err(err).Str("phase", string(phase)).Int("keys", len(ok)).Msg("metadata write failed")
		for _, k := range ok {
			res.Failed[k] = werr
		}
		res.Err = werr
		e.log.PhaseComplete(string(phase), 0, len(res.Failed))
		return res
	}

	res.Applied = ok
	e.log.PhaseComplete(string(phase), len(res.Applied), len(res.Failed))
	return res
}

func (e *Executor) localPath(src snapshot.Source, key string) string {
	if rec, ok := src[key]; ok && rec.AbsolutePath != "" {
		return rec.AbsolutePath
	}
	return pathmap.Absolutize(e.cfg.BaseDir, key)
}

func (e *Executor) upload(ctx context.Context, key, localPath string) error {
	e.log.Upload(localPath, key)
	attempts, err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return e.store.Upload(ctx, key, localPath)
	})
	if err != nil {
		return syncerrors.NewTransferError("upload", key, attempts, err)
	}
	return nil
}

// deleteBlob deletes key from the blob store. An absent object counts as
// deleted without a delete call.
func (e *Executor) deleteBlob(ctx context.Context, key string) error {
	var exists bool
	attempts, err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		exists, err = e.store.Exists(ctx, key)
		return err
	})
	if err != nil {
		return syncerrors.NewTransferError("stat", key, attempts, err)
	}
	if !exists {
		e.log.Debug().Str("key", key).Msg("object already absent")
		return nil
	}

	e.log.Delete(key)
	attempts, err = e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return e.store.Delete(ctx, key)
	})
	if err != nil {
		return syncerrors.NewTransferError("delete", key, attempts, err)
	}
	return nil
}

// transfer runs fn for every key with bounded concurrency. It never stops
// early on a failed key; ok is returned in key order.
func (e *Executor) transfer(ctx context.Context, phase Phase, keys []string, fn func(context.Context, string) error) (ok []string, failed map[string]error) {
	var (
		mu        sync.Mutex
		done      atomic.Int64
		succeeded atomic.Int64
		total     = len(keys)
		errs      = make([]error, total)
	)
	failed = map[string]error{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, key := range keys {
		g.Go(func() error {
			err := fn(gctx, key)
			if err != nil {
				e.log.Error().Err(err).Str("phase", string(phase)).Str("key", key).Msg("transfer failed")
			} else {
				succeeded.Add(1)
			}

			mu.Lock()
			errs[i] = err
			mu.Unlock()

			n := int(done.Add(1))
			if n == total || (e.cfg.ProgressInterval > 0 && n%e.cfg.ProgressInterval == 0) {
				s := int(succeeded.Load())
				e.log.Progress(string(phase), n, total, s, n-s)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, key := range keys {
		if errs[i] != nil {
			failed[key] = errs[i]
			continue
		}
		ok = append(ok, key)
	}
	return ok, failed
}
