// Package verifier re-reads the metadata table and the blob store after a
// sync and reports the keys on which the three views still disagree. It only
// logs; repairs happen on the next run.
package verifier

import (
	"context"
	"fmt"
	"sort"

	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
)

// Report lists the keys found inconsistent after a sync.
type Report struct {
	MetadataWithoutBlob   []string `json:"metadata_without_blob"`
	BlobWithoutMetadata   []string `json:"blob_without_metadata"`
	SourceWithoutMetadata []string `json:"source_without_metadata"`
	SourceWithoutBlob     []string `json:"source_without_blob"`

	// Err is set when the verification itself could not run.
	Err error `json:"-"`
}

// Consistent reports whether verification ran and found nothing.
func (r Report) Consistent() bool {
	return r.Err == nil &&
		len(r.MetadataWithoutBlob) == 0 &&
		len(r.BlobWithoutMetadata) == 0 &&
		len(r.SourceWithoutMetadata) == 0 &&
		len(r.SourceWithoutBlob) == 0
}

type Verifier struct {
	table metastore.Table
	store snapshot.Lister
	log   *logger.SyncLogger
}

func New(table metastore.Table, store snapshot.Lister, log *logger.SyncLogger) *Verifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Verifier{table: table, store: store, log: log}
}

// Verify compares fresh metadata and blob listings with src. It never
// returns an error; a failed read is logged and recorded in Report.Err.
func (v *Verifier) Verify(ctx context.Context, src snapshot.Source) Report {
	quiet := logger.Nop()

	meta, err := snapshot.ReadMetadata(ctx, v.table, quiet)
	if err != nil {
		return v.failed(err)
	}
	blobs, err := snapshot.BuildBlob(ctx, v.store, quiet)
	if err != nil {
		return v.failed(err)
	}

	r := Compare(src, meta, blobs)
	v.logReport(r)
	return r
}

// Compare computes the report from three snapshots.
func Compare(src snapshot.Source, meta snapshot.Metadata, blobs snapshot.Blob) Report {
	r := Report{
		MetadataWithoutBlob:   []string{},
		BlobWithoutMetadata:   []string{},
		SourceWithoutMetadata: []string{},
		SourceWithoutBlob:     []string{},
	}

	for key := range meta {
		if !blobs.Has(key) {
			r.MetadataWithoutBlob = append(r.MetadataWithoutBlob, key)
		}
	}
	for key := range blobs {
		if _, ok := meta[key]; !ok {
			r.BlobWithoutMetadata = append(r.BlobWithoutMetadata, key)
		}
	}
	for key := range src {
		if _, ok := meta[key]; !ok {
			r.SourceWithoutMetadata = append(r.SourceWithoutMetadata, key)
		}
		if !blobs.Has(key) {
			r.SourceWithoutBlob = append(r.SourceWithoutBlob, key)
		}
	}

	sort.Strings(r.MetadataWithoutBlob)
	sort.Strings(r.BlobWithoutMetadata)
	sort.Strings(r.SourceWithoutMetadata)
	sort.Strings(r.SourceWithoutBlob)
	return r
}

func (v *Verifier) failed(err error) Report {
	err = fmt.Errorf("%w: %w", syncerrors.ErrVerification, err)
	v.log.Error().Err(err).Msg("post-sync verification could not run")
	return Report{Err: err}
}

const sampleSize = 10

func (v *Verifier) logReport(r Report) {
	if r.Consistent() {
		v.log.Info().Msg("verification passed: metadata, blob store and source agree")
		return
	}

	for _, c := range []struct {
		name string
		keys []string
	}{
		{"metadata_without_blob", r.MetadataWithoutBlob},
		{"blob_without_metadata", r.BlobWithoutMetadata},
		{"source_without_metadata", r.SourceWithoutMetadata},
		{"source_without_blob", r.SourceWithoutBlob},
	} {
		if len(c.keys) == 0 {
			continue
		}
		v.log.Warn().
			Str("check", c.name).
			Int("count", len(c.keys)).
			Strs("sample", c.keys[:min(len(c.keys), sampleSize)]).
			Msg("verification found inconsistencies, next run will reconcile")
	}
}
