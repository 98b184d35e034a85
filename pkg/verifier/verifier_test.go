package verifier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yuya-takeyama/strict-catalog-sync/internal/testutil"
	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/verifier"
)

var t1 = testutil.Time("2024-01-01 10:00:00")

func TestVerifyConsistent(t *testing.T) {
	table := testutil.NewMemoryTable(metastore.Row{Path: "a.txt", UpdatedAt: t1})
	store := testutil.NewMemoryStore("a.txt")
	src := snapshot.Source{"a.txt": {AbsolutePath: "/base/a.txt", ModifiedAt: t1}}

	tl := logger.NewTest(t)
	r := verifier.New(table, store, tl.SyncLogger).Verify(context.Background(), src)

	assert.True(t, r.Consistent())
	assert.True(t, tl.Contains("verification passed"))
}

// A blob whose metadata row was deleted but whose blob delete failed is
// reported as blob-without-metadata, which the next run cleans up as an
// orphan blob.
func TestVerifyReportsFailedBlobDelete(t *testing.T) {
	table := testutil.NewMemoryTable(metastore.Row{Path: "a.txt", UpdatedAt: t1})
	store := testutil.NewMemoryStore("a.txt", "b.txt")
	src := snapshot.Source{"a.txt": {AbsolutePath: "/base/a.txt", ModifiedAt: t1}}

	tl := logger.NewTest(t)
	r := verifier.New(table, store, tl.SyncLogger).Verify(context.Background(), src)

	assert.False(t, r.Consistent())
	assert.Equal(t, []string{"b.txt"}, r.BlobWithoutMetadata)
	assert.Empty(t, r.MetadataWithoutBlob)
	assert.True(t, tl.Contains(`"check":"blob_without_metadata"`))
}

func TestCompare(t *testing.T) {
	src := snapshot.Source{
		"a": {ModifiedAt: t1},
		"b": {ModifiedAt: t1},
		"c": {ModifiedAt: t1},
	}
	meta := snapshot.Metadata{"a": t1, "b": t1, "x": t1}
	blobs := snapshot.NewBlob("a", "c", "y")

	r := verifier.Compare(src, meta, blobs)

	assert.Equal(t, []string{"b", "x"}, r.MetadataWithoutBlob)
	assert.Equal(t, []string{"c", "y"}, r.BlobWithoutMetadata)
	assert.Equal(t, []string{"c"}, r.SourceWithoutMetadata)
	assert.Equal(t, []string{"b"}, r.SourceWithoutBlob)
}

func TestVerifyNeverFails(t *testing.T) {
	table := testutil.NewMemoryTable()
	store := testutil.NewMemoryStore()
	store.ListErr = errors.New("permission denied")

	r := verifier.New(table, store, logger.Nop()).Verify(context.Background(), snapshot.Source{})

	assert.ErrorIs(t, r.Err, syncerrors.ErrVerification)
	assert.False(t, r.Consistent())
}

func TestVerifyLeavesMissingTable(t *testing.T) {
	table := testutil.NewMissingTable()
	store := testutil.NewMemoryStore("a.txt")
	src := snapshot.Source{"a.txt": {AbsolutePath: "/base/a.txt", ModifiedAt: t1}}

	r := verifier.New(table, store, logger.Nop()).Verify(context.Background(), src)

	assert.NoError(t, r.Err)
	assert.Equal(t, []string{"a.txt"}, r.SourceWithoutMetadata)
	exists, err := table.Exists(context.Background())
	assert.NoError(t, err)
	assert.False(t, exists)
}
