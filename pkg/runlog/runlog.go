// Package runlog records one Outcome per sync run in the run log table.
package runlog

import (
	"context"
	"strings"
	"time"

	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/timestamp"
)

// Outcome summarizes one run.
type Outcome struct {
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	FilesAdded   int       `json:"files_added" yaml:"files_added"`
	FilesDeleted int       `json:"files_deleted" yaml:"files_deleted"`
	FilesUpdated int       `json:"files_updated" yaml:"files_updated"`
	Success      bool      `json:"success" yaml:"success"`
	ErrorMessage string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Failed returns o marked as failed with err as its message. Joined errors
// are flattened to one line.
func (o Outcome) Failed(err error) Outcome {
	o.Success = false
	if err != nil {
		o.ErrorMessage = strings.Join(syncerrors.Messages(err), "; ")
	}
	return o
}

// Record converts the outcome to a run log row.
func (o Outcome) Record() metastore.RunRecord {
	return metastore.RunRecord{
		SyncDate:     timestamp.MustNormalize(o.StartedAt),
		FilesAdded:   o.FilesAdded,
		FilesDeleted: o.FilesDeleted,
		FilesUpdated: o.FilesUpdated,
		Success:      o.Success,
		ErrorMessage: o.ErrorMessage,
	}
}

// Recorder appends outcomes to a run log table. A nil table disables it.
type Recorder struct {
	table metastore.RunTable
	log   *logger.SyncLogger
}

func NewRecorder(table metastore.RunTable, log *logger.SyncLogger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{table: table, log: log}
}

// Enabled reports whether outcomes are written anywhere.
func (r *Recorder) Enabled() bool {
	return r != nil && r.table != nil
}

// Record appends o, creating the table first when needed. Failures are
// logged and reported as false, never returned.
func (r *Recorder) Record(ctx context.Context, o Outcome) bool {
	if !r.Enabled() {
		return false
	}

	exists, err := r.table.Exists(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to check run log table")
		return false
	}
	if !exists {
		if err := r.table.Create(ctx); err != nil {
			r.log.Warn().Err(err).Msg("failed to create run log table")
			return false
		}
		r.log.Info().Msg("created run log table")
	}

	if err := r.table.AppendRun(ctx, o.Record()); err != nil {
		r.log.Warn().Err(err).Msg("failed to record run outcome")
		return false
	}

	r.log.Debug().Bool("success", o.Success).Msg("run outcome recorded")
	return true
}
